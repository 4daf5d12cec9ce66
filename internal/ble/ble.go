// Package ble maintains the 7-bit onboarding status bitmap the
// Supervisor advertises over Bluetooth LE during provisioning, and
// publishes it to the event hub and the configuration store whenever a
// bit flips.
package ble

import (
	"sync"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/events"
	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/store"
)

// ConfigWriter is the subset of store.BluetoothConfigBucket the
// Beacon needs to persist the current bitmap byte.
type ConfigWriter interface {
	Set(payload byte) error
}

// Beacon owns the onboarding bitmap's current value and fans out changes.
type Beacon struct {
	mu   sync.Mutex
	bits byte

	writer ConfigWriter
	hub    *events.Hub
	log    *logging.Logger
}

// New creates a Beacon with all bits clear. A nil writer disables
// persistence (used in tests); a nil hub disables event publication.
func New(writer ConfigWriter, hub *events.Hub, log *logging.Logger) *Beacon {
	if log == nil {
		log = logging.Default()
	}
	return &Beacon{writer: writer, hub: hub, log: log.WithComponent("ble")}
}

// Set raises bit, leaving every other bit untouched. Returns whether the
// bitmap changed.
func (b *Beacon) Set(bit cmtypes.OnboardingBit) bool {
	return b.apply(b.bits | bit.Mask())
}

// Clear lowers bit, leaving every other bit untouched. Returns whether
// the bitmap changed.
func (b *Beacon) Clear(bit cmtypes.OnboardingBit) bool {
	return b.apply(b.bits &^ bit.Mask())
}

// Bits returns the current bitmap value.
func (b *Beacon) Bits() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits
}

func (b *Beacon) apply(next byte) bool {
	b.mu.Lock()
	prev := b.bits
	if prev == next {
		b.mu.Unlock()
		return false
	}
	b.bits = next
	b.mu.Unlock()

	if b.writer != nil {
		if err := b.writer.Set(next); err != nil {
			b.log.Warn("failed to persist onboarding bitmap", "err", err)
		}
	}
	if b.hub != nil {
		b.hub.EmitBLEBitsChanged(next)
	}
	b.log.Debug("onboarding bitmap changed", "previous", prev, "current", next)
	return true
}

// bucketWriter adapts a store.BluetoothConfigBucket to ConfigWriter.
type bucketWriter struct {
	bucket *store.BluetoothConfigBucket
}

// NewBucketWriter wires a Beacon directly to the configuration store's
// bluetooth_config bucket.
func NewBucketWriter(bucket *store.BluetoothConfigBucket) ConfigWriter {
	return bucketWriter{bucket: bucket}
}

func (w bucketWriter) Set(payload byte) error {
	return w.bucket.Set(payload)
}
