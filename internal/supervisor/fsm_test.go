package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/events"
	"grimm.is/cm2/internal/resolver"
	"grimm.is/cm2/internal/uplinkreg"
)

// fakeManagerStore mimics the configuration store's Manager row: writes
// are observed immediately and IsConnected is driven by the test.
type fakeManagerStore struct {
	mu        sync.Mutex
	target    string
	connected bool
	targets   []string
}

func (f *fakeManagerStore) SetTarget(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
	if target != "" {
		f.targets = append(f.targets, target)
	}
	return nil
}

func (f *fakeManagerStore) IsConnected(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, nil
}

func (f *fakeManagerStore) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeManagerStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

// fakeRestarter counts managers-restart escalations.
type fakeRestarter struct {
	mu    sync.Mutex
	count int
}

func (f *fakeRestarter) RestartManagers(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *fakeRestarter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// fakeProber always reports success, letting tests sail through
// WAN_IP/NTP_CHECK without wiring real pings.
type fakeProber struct{ ok bool }

func (f *fakeProber) ProbeRouter(ctx context.Context, ifName string) (bool, error) {
	return f.ok, nil
}
func (f *fakeProber) ProbeInternetAndNTP(ctx context.Context, ifName string) (bool, error) {
	return f.ok, nil
}

type fakeVTagPort struct {
	mu       sync.Mutex
	tagSet   int
	removed  bool
	failNext bool
}

func (f *fakeVTagPort) SetTag(ctx context.Context, ifName string, tag int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagSet = tag
	return nil
}
func (f *fakeVTagPort) RemoveTag(ctx context.Context, ifName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

type fakeDHCP struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDHCP) Refresh(ctx context.Context, ifName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

// fakeBackend resolves synchronously to a fixed result.
type fakeBackend struct {
	result resolver.Result
}

func (f *fakeBackend) Resolve(ctx context.Context, host string) <-chan resolver.Result {
	out := make(chan resolver.Result, 1)
	out <- f.result
	return out
}

// harness bundles a Supervisor with every fake collaborator, wired with
// a single eth0 uplink already selected as "used".
type harness struct {
	sup       *Supervisor
	managers  *fakeManagerStore
	restarter *fakeRestarter
	prober    *fakeProber
	vtag      *fakeVTagPort
	dhcp      *fakeDHCP
	registry  *uplinkreg.Registry
	resolver  *resolver.Resolver
	hub       *events.Hub
}

func newHarness(t *testing.T, backendResult resolver.Result) *harness {
	t.Helper()

	hub := events.NewHub()
	registry := uplinkreg.New(nil, hub, nil)
	registry.Upsert(&cmtypes.Uplink{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 10, IPv4State: cmtypes.UplinkActive})
	registry.RecalcLinks(false)
	require.Equal(t, "eth0", registry.Used())

	res := resolver.New(&fakeBackend{result: backendResult}, nil)

	managers := &fakeManagerStore{}
	restarter := &fakeRestarter{}
	prober := &fakeProber{ok: true}
	vtag := &fakeVTagPort{}
	dhcp := &fakeDHCP{}

	sup := New(Config{IsExtender: true, MinBackoff: 100 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}, Collaborators{
		Resolver:     res,
		Registry:     registry,
		ManagerStore: managers,
		Restarter:    restarter,
		Prober:       prober,
		VTagPort:     vtag,
		DHCP:         dhcp,
		Hub:          hub,
	})

	return &harness{sup: sup, managers: managers, restarter: restarter, prober: prober, vtag: vtag, dhcp: dhcp, registry: registry, resolver: res, hub: hub}
}

// driveToConnected steps the Supervisor through cold bring-up (S1),
// flipping IsConnected true once TRY_CONNECT writes a target, and
// returns once CONNECTED is reached or maxSteps is exhausted.
func (h *harness) driveToConnected(t *testing.T, ctx context.Context, maxSteps int) {
	t.Helper()
	h.sup.OnAWLANChange("ssl:redir.example.com:443", 100*time.Millisecond, 200*time.Millisecond, true)
	h.sup.OnManagerChange("")

	for i := 0; i < maxSteps; i++ {
		h.sup.Step(ctx, cmtypes.ReasonTimer)
		if h.sup.State().State == cmtypes.StateTryConnect && h.managers.target != "" {
			h.managers.setConnected(true)
		}
		if h.sup.State().State == cmtypes.StateConnected {
			return
		}
	}
	t.Fatalf("did not reach CONNECTED within %d steps (state=%s)", maxSteps, h.sup.State().State)
}

func TestS1_ColdBringUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, resolver.Result{IPv4: []string{"192.0.2.10"}})

	h.driveToConnected(t, ctx, 50)

	require.Equal(t, cmtypes.StateConnected, h.sup.State().State)
	require.Equal(t, 1, h.managers.writeCount())
	require.Equal(t, "ssl:192.0.2.10:443", h.managers.target)
}

func TestS2_ManagerHandoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, resolver.Result{IPv4: []string{"192.0.2.10"}})
	h.driveToConnected(t, ctx, 50)
	require.Equal(t, cmtypes.StateConnected, h.sup.State().State)

	h.managers.setConnected(false)
	h.sup.OnManagerChange("ssl:mgr.example.com:443")

	for i := 0; i < 50; i++ {
		h.sup.Step(ctx, cmtypes.ReasonManagerChange)
		if h.sup.State().State == cmtypes.StateTryConnect && h.managers.target != "" && !h.managers.connected {
			h.managers.setConnected(true)
		}
		if h.sup.State().State == cmtypes.StateConnected {
			break
		}
	}

	require.Equal(t, cmtypes.StateConnected, h.sup.State().State)
	require.Equal(t, cmtypes.DestManager, h.sup.destination)
}

func TestS3_ManagerFlapsFiveTimes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, resolver.Result{IPv4: []string{"192.0.2.10"}})
	h.driveToConnected(t, ctx, 50)

	for i := 0; i < 5; i++ {
		h.managers.setConnected(false)
		h.sup.Step(ctx, cmtypes.ReasonTimer)
		require.Equal(t, cmtypes.StateQuiesceOVS, h.sup.State().State)

		// fast_reconnect is still false from the initial LINK_SEL pass
		// (it only mirrors was_connected, which wasn't true yet), so
		// QUIESCE_OVS draws the slow [min,max) backoff configured above.
		time.Sleep(h.sup.cfg.MaxBackoff + 10*time.Millisecond)
		h.sup.Step(ctx, cmtypes.ReasonTimer)
		require.Equal(t, cmtypes.StateFastReconnect, h.sup.State().State)

		h.managers.setConnected(true)
		h.sup.Step(ctx, cmtypes.ReasonTimer)
		require.Equal(t, cmtypes.StateConnected, h.sup.State().State)
	}

	require.Equal(t, 5, h.sup.counters.Disconnects)
	require.LessOrEqual(t, h.sup.counters.Disconnects, MaxDisconnects)
}

func TestS4_ResolverFailureStorm(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub()
	registry := uplinkreg.New(nil, hub, nil)
	registry.Upsert(&cmtypes.Uplink{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 10, IPv4State: cmtypes.UplinkActive})
	registry.RecalcLinks(false)

	res := resolver.New(&fakeBackend{result: resolver.Result{Err: errFailResolve}}, nil)
	managers := &fakeManagerStore{}
	restarter := &fakeRestarter{}
	prober := &fakeProber{ok: true}
	dhcp := &fakeDHCP{}

	sup := New(Config{IsExtender: true, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, Collaborators{
		Resolver: res, Registry: registry, ManagerStore: managers, Restarter: restarter, Prober: prober, DHCP: dhcp, Hub: hub,
	})

	sup.OnAWLANChange("ssl:redir.example.com:443", time.Millisecond, 2*time.Millisecond, true)
	sup.OnManagerChange("")

	// Each failed resolve attempt completes asynchronously on the
	// Resolver's own goroutine, so drive ticks until eleven consecutive
	// failures have registered rather than assuming one per tick.
	for i := 0; i < 200 && sup.counters.OVSResolveFail < 11; i++ {
		sup.Step(ctx, cmtypes.ReasonTimer)
		time.Sleep(time.Millisecond)
	}

	require.GreaterOrEqual(t, sup.counters.OVSResolveFail, ResolveFatalThreshold)
	require.GreaterOrEqual(t, restarter.calls(), 1)
	require.GreaterOrEqual(t, dhcp.calls, 1)
}

func TestS5_VTagRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, resolver.Result{IPv4: []string{"192.0.2.10"}})
	h.driveToConnected(t, ctx, 50)

	h.sup.RequestVTag(42)
	h.sup.Step(ctx, cmtypes.ReasonSetNewVTag)
	require.Equal(t, cmtypes.VTagPending, h.sup.mainLink.VTag.State)
	require.Equal(t, 42, h.sup.mainLink.VTag.Tag)
	require.Equal(t, 42, h.vtag.tagSet)

	h.sup.Step(ctx, cmtypes.ReasonBlockVTag)
	require.Equal(t, cmtypes.VTagBlocked, h.sup.mainLink.VTag.State)
	require.Equal(t, 42, h.sup.mainLink.VTag.BlockedTag)
	require.True(t, h.vtag.removed)
}

func TestInvariant5_RedirectorFallbackAfterMaxDisconnects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, resolver.Result{IPv4: []string{"192.0.2.10"}})
	h.driveToConnected(t, ctx, 50)
	h.sup.fastReconnect = true // keep backoffs short for the test

	for i := 0; i <= MaxDisconnects; i++ {
		h.managers.setConnected(false)
		h.sup.Step(ctx, cmtypes.ReasonTimer)
		require.Equal(t, cmtypes.StateQuiesceOVS, h.sup.State().State)
		time.Sleep(ShortBackoff + 5*time.Millisecond)
		h.sup.Step(ctx, cmtypes.ReasonTimer)

		if i < MaxDisconnects {
			require.Equal(t, cmtypes.StateFastReconnect, h.sup.State().State)
			h.managers.setConnected(true)
			h.sup.Step(ctx, cmtypes.ReasonTimer)
			require.Equal(t, cmtypes.StateConnected, h.sup.State().State)
		}
	}

	// OVS_INIT immediately cascades into TRY_RESOLVE(Redirector) within
	// the same fixed-point loop per §4.1, so that's the chain's
	// observable resting state — exactly invariant 5's "OVS_INIT →
	// TRY_RESOLVE(Redirector)" wording.
	require.Equal(t, cmtypes.StateTryResolve, h.sup.State().State)
	require.Equal(t, cmtypes.DestRedirector, h.sup.destination)
}

// errFailResolve is a fixed resolution failure used by TestS4.
var errFailResolve = &resolveTestError{"simulated dns failure"}

type resolveTestError struct{ msg string }

func (e *resolveTestError) Error() string { return e.msg }
