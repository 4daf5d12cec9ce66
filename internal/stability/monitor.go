package stability

import (
	"context"
	"strconv"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/events"
	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/probe"
	"grimm.is/cm2/internal/uplinkreg"
)

// Threshold defaults, per spec.md §4.3's decision-logic table. All are
// consecutive-failure counts except DefaultThreshCPU, which is a 1-minute load
// average ceiling above which the periodic all-uplinks probe is skipped.
const (
	ThreshLink     = 3
	ThreshRouter   = 4
	ThreshInternet = 4
	ThreshFatal    = 6
	ThreshTCPDump  = 3
	ThreshVTag     = 2
	DefaultThreshCPU = "2.5"
)

// Actions is the remediation capability surface the Monitor drives once a
// counter crosses its threshold. The Supervisor's Driver implements this
// against the real interface/capture/manager-restart machinery; tests use
// a fake.
type Actions interface {
	ForceDisableReenable(ctx context.Context, ifName string) error
	RefreshDHCP(ctx context.Context, ifName string) error
	RestartInterface(ctx context.Context, ifName string) error
	RestartManagers(ctx context.Context) error
	StartTCPDump(ctx context.Context, ifName string) error
	StopTCPDump(ctx context.Context, ifName string) error
	BlockVTag(ctx context.Context, ifName string) error
}

// LoadAverageReader reports the current 1-minute load average, for the
// CPU gate on the periodic all-uplinks probe (THRESH_CPU).
type LoadAverageReader interface {
	Load1() (float64, error)
}

// Monitor owns the counter/escalation ladders that turn probe results
// into Uplink state transitions and remediation actions. It has no tick
// loop of its own — the Supervisor drives ProcessResult and
// ShouldProbeAllUplinks from its own event loop.
type Monitor struct {
	registry *uplinkreg.Registry
	actions  Actions
	hub      *events.Hub
	log      *logging.Logger

	threshCPU float64

	tcpdumping   map[string]bool
	vtagFailures map[string]int
}

// NewMonitor creates a Monitor. threshCPU is parsed the way the teacher's
// string-configured thresholds are: an empty or unparsable value falls
// back to DefaultThreshCPU.
func NewMonitor(registry *uplinkreg.Registry, actions Actions, hub *events.Hub, threshCPU string, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Default()
	}
	v, err := strconv.ParseFloat(threshCPU, 64)
	if err != nil {
		v, _ = strconv.ParseFloat(DefaultThreshCPU, 64)
	}
	return &Monitor{
		registry:   registry,
		actions:    actions,
		hub:        hub,
		log:        log.WithComponent("stability"),
		threshCPU:    v,
		tcpdumping:   make(map[string]bool),
		vtagFailures: make(map[string]int),
	}
}

// ShouldProbeAllUplinks gates the periodic all-uplinks probe (beyond just
// the main link) against the current 1-minute load average, per
// THRESH_CPU: when the load average is above threshold the sweep is
// skipped for this tick to avoid piling probes onto an already loaded
// system.
func (m *Monitor) ShouldProbeAllUplinks(reader LoadAverageReader) bool {
	if reader == nil {
		return true
	}
	load, err := reader.Load1()
	if err != nil {
		return true
	}
	return load <= m.threshCPU
}

// ProcessResult is the process_result equivalent: it folds one probe
// outcome into ifName's counters, drives the per-family state machine via
// uplinkreg.NextFamilyState, and fires remediation actions whenever a
// counter crosses its threshold. vtagPending indicates the uplink's VTAG
// is in PENDING state, gating THRESH_VTAG's BLOCK_VTAG remediation.
func (m *Monitor) ProcessResult(ctx context.Context, ifName string, mask probe.CheckMask, result probe.ResultMask, vtagPending bool) {
	var linkCounter, routerCounter, internetCounter int
	var linkOK, routerOK, internetOK bool

	m.registry.Mutate(ifName, func(u *cmtypes.Uplink) {
		if mask.Has(probe.LinkCheck) {
			if result.LinkOK {
				u.UnreachableLinkCounter = 0
			} else {
				u.UnreachableLinkCounter++
			}
			linkCounter = u.UnreachableLinkCounter
			linkOK = result.LinkOK
		}
		if mask.Has(probe.RouterCheck) {
			ok := result.RouterV4OK || result.RouterV6OK
			if ok {
				u.UnreachableRouterCounter = 0
			} else {
				u.UnreachableRouterCounter++
			}
			routerCounter = u.UnreachableRouterCounter
			routerOK = ok
		}
		if mask.Has(probe.InternetCheck) {
			ok := result.InternetV4OK || result.InternetV6OK
			if ok {
				u.UnreachableInternetCounter = 0
			} else {
				u.UnreachableInternetCounter++
			}
			internetCounter = u.UnreachableInternetCounter
			internetOK = ok
		}
	})

	if mask.Has(probe.IPv4Check) {
		m.transition(ifName, uplinkreg.FamilyIPv4, result.RouterV4OK && result.InternetV4OK, routerCounter+internetCounter)
	}
	if mask.Has(probe.IPv6Check) {
		m.transition(ifName, uplinkreg.FamilyIPv6, result.RouterV6OK && result.InternetV6OK, routerCounter+internetCounter)
	}
	if !mask.Has(probe.IPv4Check) && !mask.Has(probe.IPv6Check) {
		m.transition(ifName, uplinkreg.FamilyIPv4, routerOK && internetOK, routerCounter+internetCounter)
		m.transition(ifName, uplinkreg.FamilyIPv6, routerOK && internetOK, routerCounter+internetCounter)
	}

	m.escalateLink(ctx, ifName, linkOK, linkCounter)
	m.escalateRouterOrInternet(ctx, ifName, routerOK, routerCounter)
	m.escalateRouterOrInternet(ctx, ifName, internetOK, internetCounter)
	m.escalateTCPDump(ctx, ifName, routerOK, routerCounter)

	if vtagPending && !result.OK {
		m.vtagFailures[ifName]++
		if m.vtagFailures[ifName] >= ThreshVTag {
			if err := m.actions.BlockVTag(ctx, ifName); err != nil {
				m.log.Warn("block vtag action failed", "if_name", ifName, "err", err)
			}
			m.vtagFailures[ifName] = 0
		}
	} else if result.OK {
		delete(m.vtagFailures, ifName)
	}
}

func (m *Monitor) transition(ifName string, family uplinkreg.Family, ok bool, failCount int) {
	u := m.registry.Get(ifName)
	if u == nil {
		return
	}
	current := u.IPv4State
	if family == uplinkreg.FamilyIPv6 {
		current = u.IPv6State
	}
	next := uplinkreg.NextFamilyState(current, ok, failCount)
	if next != current {
		m.registry.SetFamilyState(ifName, family, next)
	}
}

func (m *Monitor) escalateLink(ctx context.Context, ifName string, ok bool, counter int) {
	if ok || counter == 0 {
		return
	}
	switch {
	case counter == ThreshFatal:
		m.log.Warn("link fatal threshold reached, restarting managers", "if_name", ifName, "counter", counter)
		if err := m.actions.RestartManagers(ctx); err != nil {
			m.log.Warn("restart managers action failed", "if_name", ifName, "err", err)
		}
	case counter == ThreshLink:
		m.log.Warn("link threshold reached, disabling and re-enabling uplink", "if_name", ifName, "counter", counter)
		if err := m.actions.ForceDisableReenable(ctx, ifName); err != nil {
			m.log.Warn("force disable/reenable action failed", "if_name", ifName, "err", err)
		}
	}
}

func (m *Monitor) escalateRouterOrInternet(ctx context.Context, ifName string, ok bool, counter int) {
	if ok || counter == 0 {
		return
	}
	switch {
	case counter%ThreshRouter == 0:
		if err := m.actions.RefreshDHCP(ctx, ifName); err != nil {
			m.log.Warn("dhcp refresh action failed", "if_name", ifName, "err", err)
		}
	case counter == ThreshRouter+1:
		if err := m.actions.RestartInterface(ctx, ifName); err != nil {
			m.log.Warn("interface restart action failed", "if_name", ifName, "err", err)
		}
	}
}

// escalateTCPDump starts a capture after ThreshTCPDump consecutive router
// failures on ifName and stops it once the counter clears or ThreshFatal
// is reached (ThreshFatal's managers restart supersedes the capture).
func (m *Monitor) escalateTCPDump(ctx context.Context, ifName string, routerOK bool, routerCounter int) {
	switch {
	case !routerOK && routerCounter == ThreshTCPDump && !m.tcpdumping[ifName]:
		if err := m.actions.StartTCPDump(ctx, ifName); err != nil {
			m.log.Warn("start tcpdump action failed", "if_name", ifName, "err", err)
			return
		}
		m.tcpdumping[ifName] = true
	case (routerOK || routerCounter >= ThreshFatal) && m.tcpdumping[ifName]:
		if err := m.actions.StopTCPDump(ctx, ifName); err != nil {
			m.log.Warn("stop tcpdump action failed", "if_name", ifName, "err", err)
			return
		}
		delete(m.tcpdumping, ifName)
	}
}
