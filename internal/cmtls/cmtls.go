// Package cmtls keeps the mutual-TLS client certificate used for
// manager/redirector connections in sync with the configuration store's
// SSL bucket, reloading whenever the row's cert/key paths change.
package cmtls

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/store"
)

// Manager holds the current client certificate and reloads it whenever
// the configuration store's SSL row changes, mirroring the teacher's
// CertificateManager pattern but for a single outbound client identity
// rather than per-interface server certificates.
type Manager struct {
	mu   sync.RWMutex
	cert *tls.Certificate
	ca   []byte

	log *logging.Logger
}

// NewManager creates an empty Manager; call Watch to start following a
// store.SSLBucket.
func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{log: log.WithComponent("cmtls")}
}

// Certificate returns the current client certificate, or nil if none has
// loaded successfully yet.
func (m *Manager) Certificate() *tls.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cert
}

// Reload loads row's cert/key pair immediately, replacing the current
// certificate on success. A failure leaves the previous certificate (if
// any) in place, so a bad rotation never drops an already-working
// connection's ability to reconnect.
func (m *Manager) Reload(row store.SSLRow) error {
	cert, err := tls.LoadX509KeyPair(row.CertPath, row.KeyPath)
	if err != nil {
		m.log.Warn("failed to load client certificate", "cert_path", row.CertPath, "err", err)
		return fmt.Errorf("cmtls: load key pair: %w", err)
	}

	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()

	m.log.Info("client certificate reloaded", "cert_path", row.CertPath)
	return nil
}

// Watch subscribes to bucket's row changes and reloads on every update,
// until stop is closed. Intended to run in its own goroutine; the
// Supervisor's loop only ever reads Certificate().
func (m *Manager) Watch(bucket *store.SSLBucket, stop <-chan struct{}) {
	ch := bucket.Watch()
	for {
		select {
		case change, ok := <-ch:
			if !ok {
				return
			}
			if change.Deleted {
				continue
			}
			var row store.SSLRow
			if err := json.Unmarshal(change.Value, &row); err != nil {
				m.log.Warn("failed to decode ssl row", "err", err)
				continue
			}
			_ = m.Reload(row)
		case <-stop:
			return
		}
	}
}
