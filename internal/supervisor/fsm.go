// Package supervisor implements the Supervisor FSM: the top-level state
// machine that brings a device onto the controller cloud (link selection,
// WAN IP, NTP, OVS init, resolve, connect) and reacts to the reasons fed
// to it by the Address Resolver, Stability Monitor and Uplink Registry.
package supervisor

import (
	"context"
	"sync"
	"time"

	"grimm.is/cm2/internal/ble"
	"grimm.is/cm2/internal/cmstate"
	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/events"
	"grimm.is/cm2/internal/gwoffline"
	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/resolver"
	"grimm.is/cm2/internal/uplinkreg"
)

// Config holds the Supervisor's static configuration, sourced from the
// AWLAN_Node row and the static configuration file.
type Config struct {
	IsExtender bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Collaborators bundles every capability the Supervisor delegates to.
// All fields are optional except Resolver and Registry; a nil
// collaborator degrades the corresponding arm to a no-op rather than a
// panic, so partial wiring (as in tests) is safe.
type Collaborators struct {
	Resolver *resolver.Resolver
	Registry *uplinkreg.Registry

	ManagerStore ManagerStore
	Restarter    RestartManagers
	Prober       LinkProber
	VTagPort     VTagPort
	DHCP         DHCPRefresher
	Bridge       BridgeInspector

	GWOffline   *gwoffline.Controller
	Beacon      *ble.Beacon
	Hub         *events.Hub
	StateWriter *cmstate.Writer
	Log         *logging.Logger
}

// Supervisor is the Connection Manager's top-level FSM. One instance
// owns exactly one device's connection lifecycle; it is driven by
// repeated calls to Step from a single-threaded event loop (see
// internal/supervisor's Driver).
type Supervisor struct {
	mu sync.Mutex

	cfg Config

	resolver *resolver.Resolver
	registry *uplinkreg.Registry

	managerStore ManagerStore
	restarter    RestartManagers
	prober       LinkProber
	vtagPort     VTagPort
	dhcp         DHCPRefresher
	bridge       BridgeInspector

	gwoffline   *gwoffline.Controller
	beacon      *ble.Beacon
	hub         *events.Hub
	stateWriter *cmstate.Writer
	log         *logging.Logger

	state       cmtypes.StateRecord
	destination cmtypes.Destination

	mainLink cmtypes.MainLink
	counters cmtypes.Counters

	haveAWLAN   bool
	haveManager bool

	wasConnected  bool
	fastReconnect bool
	stable        bool
	skipRestart   int

	pendingVTagTag int

	lastGoodProto string
	lastGoodAddr  string
	lastGoodPort  int

	connectAddr  string
	quiesceUntil time.Time

	resolveStart time.Time
	resolveCh    <-chan error

	// attemptID correlates one TRY_RESOLVE/TRY_CONNECT attempt's log
	// lines and state-dump snapshot; regenerated each time a new resolve
	// is kicked off.
	attemptID string
}

// New creates a Supervisor in its initial INIT state. c.Resolver and
// c.Registry must be non-nil; every other collaborator degrades
// gracefully to a no-op when absent.
func New(cfg Config, c Collaborators) *Supervisor {
	log := c.Log
	if log == nil {
		log = logging.Default()
	}
	return &Supervisor{
		cfg:          cfg,
		resolver:     c.Resolver,
		registry:     c.Registry,
		managerStore: c.ManagerStore,
		restarter:    c.Restarter,
		prober:       c.Prober,
		vtagPort:     c.VTagPort,
		dhcp:         c.DHCP,
		bridge:       c.Bridge,
		gwoffline:    c.GWOffline,
		beacon:       c.Beacon,
		hub:          c.Hub,
		stateWriter:  c.StateWriter,
		log:          log.WithComponent("supervisor"),
		state:        cmtypes.StateRecord{State: cmtypes.StateInit, EnteredAt: time.Now()},
		destination:  cmtypes.DestRedirector,
	}
}

// State returns the Supervisor's current state record.
func (s *Supervisor) State() cmtypes.StateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnAWLANChange ingests the AWLAN_Node row: redirector URI and backoff
// range. Changing the redirector URI re-parses it into the Resolver's
// Redirector target; trigger_update(CONFIG_CHANGE) is left to the
// caller (the Driver observes the store watch channel and calls Step).
func (s *Supervisor) OnAWLANChange(redirectorURI string, minBackoff, maxBackoff time.Duration, isExtender bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveAWLAN = true
	s.cfg.IsExtender = isExtender
	if minBackoff > 0 {
		s.cfg.MinBackoff = minBackoff
	}
	if maxBackoff > 0 {
		s.cfg.MaxBackoff = maxBackoff
	}
	if current := s.resolver.Get(cmtypes.DestRedirector); current == nil || current.Resource != redirectorURI {
		s.resolver.Set(cmtypes.DestRedirector, redirectorURI)
	}
}

// OnManagerChange ingests the Manager row's target URI (the redirector's
// answer or an operator override). The is_connected bit itself is
// polled live through ManagerStore rather than pushed here, matching
// the store's "eventually consistent, confirmed by observation" model.
func (s *Supervisor) OnManagerChange(managerURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveManager = true
	if managerURI == "" {
		return
	}
	if current := s.resolver.Get(cmtypes.DestManager); current == nil || current.Resource != managerURI {
		s.resolver.Set(cmtypes.DestManager, managerURI)
	}
}

// RequestVTag records tag for the next SET_NEW_VTAG reason the driver
// feeds to Step.
func (s *Supervisor) RequestVTag(tag int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingVTagTag = tag
}

// GetConnectionTarget returns the currently applied Manager target
// string, or "" if no address is currently in flight.
func (s *Supervisor) GetConnectionTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectAddr == "" {
		return ""
	}
	target := s.resolver.Get(s.destination)
	if target == nil {
		return ""
	}
	return resolver.FormatTarget(target.Proto, s.connectAddr, target.Port)
}

// Step runs one Supervisor loop iteration for reason, looping internally
// per §4.1 step 6 until the state reaches a fixed point, then writes the
// state-dump snapshot.
func (s *Supervisor) Step(ctx context.Context, reason cmtypes.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runLoop(ctx, reason)
	s.dumpState()
}

func (s *Supervisor) runLoop(ctx context.Context, reason cmtypes.Reason) {
	for {
		if !s.haveAWLAN || !s.haveManager {
			return
		}

		stateBefore := s.state.State

		s.handleReason(ctx, reason)

		if s.checkNewRedirectorURI() {
			s.transition(ctx, cmtypes.StateOVSInit, reason)
		}
		if s.checkNewManagerURI() {
			s.destination = cmtypes.DestManager
			s.transition(ctx, cmtypes.StateTryResolve, reason)
		}

		s.dispatch(ctx)

		if s.state.State != stateBefore {
			reason = cmtypes.ReasonStateChange
			continue
		}

		if s.timedOut() {
			s.escalateTimeout(ctx)
		}
		return
	}
}

// handleReason implements step 2: reason-driven side transitions that
// run regardless of the current state.
func (s *Supervisor) handleReason(ctx context.Context, reason cmtypes.Reason) {
	switch reason {
	case cmtypes.ReasonLinkNotUsed:
		s.transition(ctx, cmtypes.StateLinkSel, reason)
	case cmtypes.ReasonLinkUsed:
		s.onLinkUsed(ctx)
		s.transition(ctx, cmtypes.StateWANIP, reason)
	case cmtypes.ReasonSetNewVTag:
		s.onSetNewVTag(ctx)
	case cmtypes.ReasonBlockVTag:
		s.onBlockVTag(ctx)
	case cmtypes.ReasonOVSInit:
		if s.state.State != cmtypes.StateTryResolve && s.state.State != cmtypes.StateLinkSel {
			if s.managerStore != nil {
				_ = s.managerStore.SetTarget(ctx, "")
			}
			s.transition(ctx, cmtypes.StateWANIP, reason)
		}
	}
}

func (s *Supervisor) onLinkUsed(ctx context.Context) {
	ifName := s.registry.Used()
	s.mainLink.IfName = ifName
	s.mainLink.IsUsed = ifName != ""
	if u := s.registry.Get(ifName); u != nil {
		s.mainLink.IfType = u.IfType
		s.mainLink.BridgeName = u.BridgeName
		s.mainLink.Priority = u.Priority
	}
	if ifName != "" {
		s.registry.CleanLinkCounters(ifName)
	}
	if s.mainLink.BridgeName != "" && s.bridge != nil {
		if ok, err := s.bridge.MembershipIntact(ctx, ifName, s.mainLink.BridgeName); err != nil || !ok {
			s.log.Warn("bridge membership not intact on link-used", "if_name", ifName, "bridge", s.mainLink.BridgeName)
		}
	}
}

func (s *Supervisor) onSetNewVTag(ctx context.Context) {
	if s.vtagPort == nil {
		return
	}
	tag := s.pendingVTagTag
	if err := s.vtagPort.SetTag(ctx, s.mainLink.IfName, tag); err != nil {
		s.log.Warn("failed to set vtag", "if_name", s.mainLink.IfName, "tag", tag, "err", err)
		return
	}
	s.mainLink.VTag.State = cmtypes.VTagPending
	s.mainLink.VTag.Tag = tag
	s.mainLink.VTag.FailureCount = 0
	if s.dhcp != nil {
		_ = s.dhcp.Refresh(ctx, s.mainLink.IfName)
	}
	s.transition(ctx, cmtypes.StateWANIP, cmtypes.ReasonSetNewVTag)
}

func (s *Supervisor) onBlockVTag(ctx context.Context) {
	if s.vtagPort != nil {
		if err := s.vtagPort.RemoveTag(ctx, s.mainLink.IfName); err != nil {
			s.log.Warn("failed to remove vtag", "if_name", s.mainLink.IfName, "err", err)
		}
	}
	s.mainLink.VTag.BlockedTag = s.mainLink.VTag.Tag
	s.mainLink.VTag.State = cmtypes.VTagBlocked
	s.mainLink.VTag.Tag = 0
	if s.dhcp != nil {
		_ = s.dhcp.Refresh(ctx, s.mainLink.IfName)
	}
	s.transition(ctx, cmtypes.StateWANIP, cmtypes.ReasonBlockVTag)
}

// checkNewRedirectorURI implements step 3: a new redirector URI past
// initial bring-up forces a re-init through OVS_INIT.
func (s *Supervisor) checkNewRedirectorURI() bool {
	t := s.resolver.Get(cmtypes.DestRedirector)
	if t == nil || !t.Updated {
		return false
	}
	if s.state.State == cmtypes.StateInit || s.state.State == cmtypes.StateLinkSel {
		return false
	}
	t.Updated = false
	return true
}

// checkNewManagerURI implements step 4: a new manager URI while not
// already connected to the manager switches destination and re-resolves.
func (s *Supervisor) checkNewManagerURI() bool {
	t := s.resolver.Get(cmtypes.DestManager)
	if t == nil || !t.Updated {
		return false
	}
	alreadyConnectedToManager := s.destination == cmtypes.DestManager && s.state.State == cmtypes.StateConnected
	if alreadyConnectedToManager {
		return false
	}
	t.Updated = false
	return true
}

func (s *Supervisor) timedOut() bool {
	timeout := timeoutFor(s.state.State)
	if timeout <= 0 {
		return false
	}
	return time.Since(s.state.EnteredAt) >= timeout
}

// escalateTimeout implements step 7 for the states whose timeout isn't
// already handled inside their own arm (TRY_RESOLVE and TRY_CONNECT
// re-arm themselves and never reach here with a stale EnteredAt).
func (s *Supervisor) escalateTimeout(ctx context.Context) {
	switch s.state.State {
	case cmtypes.StateReConnect:
		s.counters.OVSCon++
		s.restartManagers(ctx)
	case cmtypes.StateFastReconnect:
		s.connectAddr = ""
		s.transition(ctx, cmtypes.StateQuiesceOVS, cmtypes.ReasonTimer)
	case cmtypes.StateLinkSel, cmtypes.StateWANIP, cmtypes.StateNTPCheck:
		s.restartManagers(ctx)
	}
}

// restartManagers is the terminal escalation: offer gateway-offline mode
// the chance to absorb it first, otherwise invoke the Restarter and fall
// back to INIT.
func (s *Supervisor) restartManagers(ctx context.Context) {
	if s.gwoffline != nil {
		if s.gwoffline.Evaluate(ctx) {
			if s.hub != nil {
				s.hub.Publish(events.Event{Type: events.EventGatewayOffline, Source: "supervisor", Data: events.GatewayOfflineData{Active: true}})
			}
			s.transition(ctx, cmtypes.StateInit, cmtypes.ReasonTimer)
			return
		}
		s.gwoffline.RecordRestartFailure()
	}
	if s.hub != nil {
		s.hub.Publish(events.Event{Type: events.EventManagerRestart, Source: "supervisor"})
	}
	if s.restarter != nil {
		if err := s.restarter.RestartManagers(ctx); err != nil {
			s.log.Warn("failed to restart managers", "err", err)
		}
	}
	s.transition(ctx, cmtypes.StateInit, cmtypes.ReasonTimer)
}

func (s *Supervisor) transition(ctx context.Context, next cmtypes.SupervisorState, reason cmtypes.Reason) {
	if next == s.state.State {
		return
	}
	prev := s.state.State
	s.state = cmtypes.StateRecord{State: next, Reason: reason, EnteredAt: time.Now()}
	if s.hub != nil {
		s.hub.EmitStateChange(string(prev), string(next), string(reason))
	}
	s.log.Info("state change", "from", prev, "to", next, "reason", reason, "attempt_id", s.attemptID)
}

func (s *Supervisor) dumpState() {
	if s.stateWriter == nil {
		return
	}
	d := cmstate.Dump{
		State:      s.state.State,
		UsedUplink: s.mainLink.IfName,
		Counters:   s.counters,
		VTag:       s.mainLink.VTag,
		AttemptID:  s.attemptID,
	}
	if s.beacon != nil {
		d.OnboardingBits = s.beacon.Bits()
	}
	if redir := s.resolver.Get(cmtypes.DestRedirector); redir != nil {
		d.Redirector = redir
	}
	if mgr := s.resolver.Get(cmtypes.DestManager); mgr != nil {
		d.Managers = []cmtypes.AddressTarget{*mgr}
	}
	if err := s.stateWriter.Write(d); err != nil {
		s.log.Warn("failed to write state dump", "err", err)
	}
}
