package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// AsyncBackend issues A and AAAA queries against a configured set of
// nameservers using github.com/miekg/dns, the c-ares-style alternative
// the spec allows: each family's query runs independently and the
// backend reports once both have completed (or timed out), appending
// entries to the matching-family list as they arrive.
type AsyncBackend struct {
	// Nameservers are "host:port" resolver addresses; the first
	// reachable one is used per query.
	Nameservers []string
	Timeout     time.Duration
	Net         string // "udp" (default) or "tcp"
}

func (b *AsyncBackend) client() *dns.Client {
	c := new(dns.Client)
	c.Net = b.Net
	if c.Net == "" {
		c.Net = "udp"
	}
	c.Timeout = b.Timeout
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

func (b *AsyncBackend) Resolve(ctx context.Context, host string) <-chan Result {
	out := make(chan Result, 1)

	go func() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var res Result
		var firstErr error

		query := func(qtype uint16, assign func(rr dns.RR) (addr string, ok bool)) {
			defer wg.Done()

			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(host), qtype)
			msg.RecursionDesired = true

			c := b.client()
			var lastErr error
			for _, ns := range b.Nameservers {
				resp, _, err := c.ExchangeContext(ctx, msg, ns)
				if err != nil {
					lastErr = err
					continue
				}
				mu.Lock()
				for _, rr := range resp.Answer {
					if addr, ok := assign(rr); ok {
						if qtype == dns.TypeAAAA {
							res.IPv6 = append(res.IPv6, addr)
						} else {
							res.IPv4 = append(res.IPv4, addr)
						}
					}
				}
				mu.Unlock()
				return
			}
			if lastErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = lastErr
				}
				mu.Unlock()
			}
		}

		wg.Add(2)
		go query(dns.TypeA, func(rr dns.RR) (string, bool) {
			if a, ok := rr.(*dns.A); ok {
				return a.A.String(), true
			}
			return "", false
		})
		go query(dns.TypeAAAA, func(rr dns.RR) (string, bool) {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				return aaaa.AAAA.String(), true
			}
			return "", false
		})
		wg.Wait()

		if len(res.IPv4) == 0 && len(res.IPv6) == 0 && firstErr != nil {
			out <- Result{Err: firstErr}
			return
		}
		out <- res
	}()

	return out
}
