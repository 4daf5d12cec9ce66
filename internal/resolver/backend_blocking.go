package resolver

import (
	"context"
	"net"
)

// BlockingBackend resolves hostnames with the stdlib resolver
// (getaddrinfo under the hood on most platforms) — a single synchronous
// call per Resolve, matching the spec's "blocking getaddrinfo"
// alternative.
type BlockingBackend struct {
	Resolver *net.Resolver // nil uses net.DefaultResolver
}

func (b *BlockingBackend) resolver() *net.Resolver {
	if b.Resolver != nil {
		return b.Resolver
	}
	return net.DefaultResolver
}

func (b *BlockingBackend) Resolve(ctx context.Context, host string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		ips, err := b.resolver().LookupIP(ctx, "ip", host)
		if err != nil {
			out <- Result{Err: err}
			return
		}
		var res Result
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				res.IPv4 = append(res.IPv4, v4.String())
			} else {
				res.IPv6 = append(res.IPv6, ip.String())
			}
		}
		out <- res
	}()
	return out
}
