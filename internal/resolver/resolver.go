// Package resolver implements the Address Resolver: URI parsing, DNS
// resolution of redirector/manager hostnames behind a pluggable Backend,
// and the ordered interleaved cursor tests rely on for deterministic
// TRY_CONNECT sweeps.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/logging"
)

// Backend resolves a hostname to IPv4 and IPv6 address lists.
type Backend interface {
	// Resolve looks up host and delivers its A and AAAA records as one
	// Result on the returned channel. Both implementations return at
	// once: the net.Resolver-backed one runs its single blocking lookup
	// in a goroutine, the miekg/dns-backed one runs its A and AAAA
	// queries concurrently — callers drive both the same way: call
	// Resolve, then wait on the returned completion channel.
	Resolve(ctx context.Context, host string) <-chan Result
}

// Result is one backend resolution outcome.
type Result struct {
	IPv4 []string
	IPv6 []string
	Err  error
}

// Resolver owns one AddressTarget per Destination and drives resolution
// against a Backend.
type Resolver struct {
	mu      sync.Mutex
	backend Backend
	log     *logging.Logger

	targets map[cmtypes.Destination]*cmtypes.AddressTarget
}

// New creates a Resolver using the given Backend.
func New(backend Backend, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Default()
	}
	return &Resolver{
		backend: backend,
		log:     log.WithComponent("resolver"),
		targets: make(map[cmtypes.Destination]*cmtypes.AddressTarget),
	}
}

// Set stores a URI for dest, parses it, and clears any previous
// resolution state. Returns false if the URI fails to parse; the target
// is still stored with Valid=false so Hostname/lists stay empty per the
// data-model invariant.
func (r *Resolver) Set(dest cmtypes.Destination, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := &cmtypes.AddressTarget{Resource: uri, Updated: true}

	proto, host, port, ok := ParseURI(uri)
	if ok {
		target.Valid = true
		target.Proto = proto
		target.Hostname = host
		target.Port = port
	}

	r.targets[dest] = target
	return ok
}

// Get returns the current AddressTarget for dest, or nil if none has
// been set.
func (r *Resolver) Get(dest cmtypes.Destination) *cmtypes.AddressTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[dest]
}

// Resolve kicks off resolution of dest's current hostname. It reports
// through the returned channel exactly once with the final error (nil on
// success, even partial success — at least one address in either family).
func (r *Resolver) Resolve(ctx context.Context, dest cmtypes.Destination) <-chan error {
	out := make(chan error, 1)

	r.mu.Lock()
	target, ok := r.targets[dest]
	r.mu.Unlock()
	if !ok || !target.Valid {
		out <- fmt.Errorf("resolver: no valid target for destination %s", dest)
		return out
	}

	resultCh := r.backend.Resolve(ctx, target.Hostname)

	go func() {
		res := <-resultCh

		r.mu.Lock()
		defer r.mu.Unlock()

		if res.Err != nil {
			target.ResolveRetry = true
			target.ResolveRetryCount++
			out <- res.Err
			return
		}

		target.IPv4 = target.IPv4[:0]
		for _, ip := range res.IPv4 {
			target.IPv4 = append(target.IPv4, cmtypes.ResolvedAddr{IP: ip})
		}
		target.IPv6 = target.IPv6[:0]
		for _, ip := range res.IPv6 {
			target.IPv6 = append(target.IPv6, cmtypes.ResolvedAddr{IP: ip})
		}
		target.IPv4Cursor = 0
		target.IPv6Cursor = 0
		target.ResolveRetry = false
		target.Resolved = len(target.IPv4) > 0 || len(target.IPv6) > 0

		if !target.Resolved {
			out <- fmt.Errorf("resolver: no addresses found for %s", target.Hostname)
			return
		}
		out <- nil
	}()

	return out
}

// ParseURI parses a "<proto>:<host>:<port>" URI of the form the
// redirector/manager fields use. hostname may itself contain colons
// (IPv6 literal in brackets), so the proto and port are stripped from
// the ends and the remainder is taken as the host.
func ParseURI(uri string) (proto, host string, port int, ok bool) {
	if len(uri) > 512 {
		return "", "", 0, false
	}
	first := strings.IndexByte(uri, ':')
	last := strings.LastIndexByte(uri, ':')
	if first < 0 || first == last {
		return "", "", 0, false
	}

	proto = uri[:first]
	portStr := uri[last+1:]
	host = uri[first+1 : last]

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	if proto == "" || host == "" || portStr == "" {
		return "", "", 0, false
	}

	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		return "", "", 0, false
	}

	return proto, host, p, true
}

// FormatTarget serializes an address, port and protocol into the
// "proto:ipv4:port" / "proto:[ipv6]:port" wire format the configuration
// store's Manager target expects.
func FormatTarget(proto, addr string, port int) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return fmt.Sprintf("%s:[%s]:%d", proto, addr, port)
	}
	return fmt.Sprintf("%s:%s:%d", proto, addr, port)
}
