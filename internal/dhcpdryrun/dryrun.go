// Package dhcpdryrun implements the Stability Monitor's "does DHCP still
// work on this link" check as a real four-way DORA exchange that never
// commits the resulting lease to the interface. It exercises the same
// DHCPv4 client library the teacher's native client uses
// (github.com/insomniacslk/dhcp), rather than shelling out to udhcpc.
package dhcpdryrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"

	"grimm.is/cm2/internal/logging"
)

// Result is the outcome of one dry DORA exchange.
type Result struct {
	IfName     string
	Acquired   bool
	LeaseTime  time.Duration
	ServerIP   string
	Err        error
}

// Runner performs dry DHCPv4 DORA exchanges, one at a time per interface.
// The teacher's native client guards renewal with a pidfile; this repo
// replaces that with an in-process per-interface mutex since there is
// only ever one Supervisor process.
type Runner struct {
	mu      sync.Mutex
	running map[string]*sync.Mutex
	timeout time.Duration
	log     *logging.Logger
}

// NewRunner creates a Runner. A zero timeout defaults to 5 seconds,
// matching the teacher's DORA client's implicit retry/backoff ceiling.
func NewRunner(timeout time.Duration, log *logging.Logger) *Runner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Runner{
		running: make(map[string]*sync.Mutex),
		timeout: timeout,
		log:     log.WithComponent("dhcpdryrun"),
	}
}

func (r *Runner) lockFor(ifName string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.running[ifName]
	if !ok {
		m = &sync.Mutex{}
		r.running[ifName] = m
	}
	return m
}

// Run performs one dry DORA exchange on ifName: it creates a fresh
// nclient4 client, requests a lease, and discards it without ever
// calling anything that would apply it to the interface. Only one
// exchange per interface runs at a time; a concurrent call for the same
// interface blocks until the first completes rather than racing it.
func (r *Runner) Run(ctx context.Context, ifName string) Result {
	lock := r.lockFor(ifName)
	lock.Lock()
	defer lock.Unlock()

	client, err := nclient4.New(ifName)
	if err != nil {
		return Result{IfName: ifName, Err: fmt.Errorf("dhcpdryrun: new client on %s: %w", ifName, err)}
	}
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	lease, err := client.Request(reqCtx)
	if err != nil {
		return Result{IfName: ifName, Err: err}
	}

	res := Result{IfName: ifName, Acquired: true}
	if lease.ACK != nil {
		res.LeaseTime = lease.ACK.IPAddressLeaseTime(0)
		res.ServerIP = lease.ACK.ServerIPAddr.String()
	}
	r.log.Debug("dhcp dryrun succeeded", "if_name", ifName, "lease_time", res.LeaseTime)
	return res
}
