// Package stability implements the Stability Monitor: periodic per-uplink
// connectivity probing and the counter/escalation ladders that translate
// probe results into Uplink state transitions and remediation actions.
package stability

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/beevik/ntp"

	"grimm.is/cm2/internal/probe"
)

// Prober executes one probe.Task's checks and returns the combined
// result mask. The reference implementation composes pro-bing (ICMP,
// the teacher's library) for link/router/Internet reachability and
// beevik/ntp (the teacher's NTP client) for the NTP check.
type Prober interface {
	Check(ctx context.Context, ifName string, mask probe.CheckMask) (probe.ResultMask, error)
}

// Targets configures the hosts a ReachabilityProber pings for each
// check: RouterV4/V6 are the default gateway, InternetV4/V6 are a
// well-known reachability target, NTPServer is queried for clock
// offset.
type Targets struct {
	RouterV4    string
	RouterV6    string
	InternetV4  string
	InternetV6  string
	NTPServer   string
	PingTimeout time.Duration
}

// ReachabilityProber is the reference Prober: it pings Targets and
// queries NTP, without knowing anything about the calling uplink (the
// ifName argument of Check is not used).
type ReachabilityProber struct {
	Targets Targets
}

func (p *ReachabilityProber) timeout() time.Duration {
	if p.Targets.PingTimeout > 0 {
		return p.Targets.PingTimeout
	}
	return time.Second
}

func (p *ReachabilityProber) ping(ctx context.Context, addr string) bool {
	if addr == "" {
		return false
	}
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout()
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// Check runs whichever sub-checks mask requests and combines them into a
// single ResultMask, with OK set iff every requested link, router and
// Internet sub-check passed (router/internet OK if at least one of v4/v6
// passed, matching the registry's per-family semantics). The NTP result
// is reported in NTPOK only and does not affect OK; with no NTPServer
// configured the NTP check is skipped and NTPOK stays false.
func (p *ReachabilityProber) Check(ctx context.Context, ifName string, mask probe.CheckMask) (probe.ResultMask, error) {
	var r probe.ResultMask
	r.OK = true

	if mask.Has(probe.LinkCheck) {
		r.LinkOK = p.ping(ctx, p.Targets.RouterV4) || p.ping(ctx, p.Targets.RouterV6)
		r.OK = r.OK && r.LinkOK
	}
	if mask.Has(probe.RouterCheck) {
		r.RouterV4OK = p.ping(ctx, p.Targets.RouterV4)
		r.RouterV6OK = p.ping(ctx, p.Targets.RouterV6)
		r.OK = r.OK && (r.RouterV4OK || r.RouterV6OK)
	}
	if mask.Has(probe.InternetCheck) {
		r.InternetV4OK = p.ping(ctx, p.Targets.InternetV4)
		r.InternetV6OK = p.ping(ctx, p.Targets.InternetV6)
		r.OK = r.OK && (r.InternetV4OK || r.InternetV6OK)
	}
	if mask.Has(probe.NTPCheck) && p.Targets.NTPServer != "" {
		resp, err := ntp.QueryWithOptions(p.Targets.NTPServer, ntp.QueryOptions{Timeout: p.timeout()})
		r.NTPOK = err == nil && resp.Validate() == nil
	}

	return r, nil
}
