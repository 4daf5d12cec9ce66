package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/resolver"
)

// dispatch implements step 5: the state-arm table of §4.1.1.
func (s *Supervisor) dispatch(ctx context.Context) {
	switch s.state.State {
	case cmtypes.StateInit:
		s.armInit(ctx)
	case cmtypes.StateLinkSel:
		s.armLinkSel(ctx)
	case cmtypes.StateWANIP:
		s.armWANIP(ctx)
	case cmtypes.StateNTPCheck:
		s.armNTPCheck(ctx)
	case cmtypes.StateOVSInit:
		s.armOVSInit(ctx)
	case cmtypes.StateTryResolve:
		s.armTryResolve(ctx)
	case cmtypes.StateReConnect:
		s.armReConnect(ctx)
	case cmtypes.StateTryConnect:
		s.armTryConnect(ctx)
	case cmtypes.StateFastReconnect:
		s.armFastReconnect(ctx)
	case cmtypes.StateFastReconnectWait:
		s.armFastReconnectWait(ctx)
	case cmtypes.StateConnected:
		s.armConnected(ctx)
	case cmtypes.StateQuiesceOVS:
		s.armQuiesceOVS(ctx)
	case cmtypes.StateInternet:
		s.armInternet(ctx)
	}
}

func (s *Supervisor) armInit(ctx context.Context) {
	if s.cfg.IsExtender {
		s.mainLink = cmtypes.MainLink{}
		s.transition(ctx, cmtypes.StateLinkSel, s.state.Reason)
		return
	}
	s.transition(ctx, cmtypes.StateOVSInit, s.state.Reason)
}

func (s *Supervisor) armLinkSel(ctx context.Context) {
	if !s.cfg.IsExtender {
		s.transition(ctx, cmtypes.StateOVSInit, s.state.Reason)
		return
	}
	if s.managerStore != nil {
		_ = s.managerStore.SetTarget(ctx, "")
	}
	if s.beacon != nil {
		s.beacon.Clear(cmtypes.BitEthernetBackhaul)
		s.beacon.Clear(cmtypes.BitWifiBackhaul)
	}
	s.fastReconnect = s.wasConnected
	if used := s.registry.Used(); used != "" {
		if s.mainLink.IfName != used {
			s.onLinkUsed(ctx)
		}
		s.transition(ctx, cmtypes.StateWANIP, s.state.Reason)
	}
}

func (s *Supervisor) armWANIP(ctx context.Context) {
	if s.cfg.IsExtender {
		u := s.registry.Get(s.mainLink.IfName)
		if u == nil || (u.IPv4State == cmtypes.UplinkNone && u.IPv6State == cmtypes.UplinkNone) {
			return
		}
	}
	if s.prober != nil {
		ok, err := s.prober.ProbeRouter(ctx, s.mainLink.IfName)
		if err != nil || !ok {
			return
		}
	}
	if s.beacon != nil {
		s.beacon.Set(cmtypes.BitRouterOK)
	}
	s.transition(ctx, cmtypes.StateNTPCheck, s.state.Reason)
}

func (s *Supervisor) armNTPCheck(ctx context.Context) {
	if s.prober != nil {
		ok, err := s.prober.ProbeInternetAndNTP(ctx, s.mainLink.IfName)
		if err != nil || !ok {
			return
		}
	}
	if s.beacon != nil {
		s.beacon.Set(cmtypes.BitInternetOK)
	}
	if s.wasConnected {
		s.transition(ctx, cmtypes.StateFastReconnect, s.state.Reason)
		return
	}
	s.transition(ctx, cmtypes.StateOVSInit, s.state.Reason)
}

func (s *Supervisor) armOVSInit(ctx context.Context) {
	s.wasConnected = false
	s.stable = false
	target := s.resolver.Get(cmtypes.DestRedirector)
	if target == nil || !target.Valid {
		return
	}
	if s.managerStore != nil {
		_ = s.managerStore.SetTarget(ctx, "")
	}
	s.destination = cmtypes.DestRedirector
	s.counters.Disconnects = 0
	s.transition(ctx, cmtypes.StateTryResolve, s.state.Reason)
}

func (s *Supervisor) armTryResolve(ctx context.Context) {
	target := s.resolver.Get(s.destination)
	if target == nil || !target.Valid {
		return
	}

	if s.resolveCh == nil {
		s.resolveStart = time.Now()
		s.attemptID = uuid.NewString()
		s.resolveCh = s.resolver.Resolve(ctx, s.destination)
		s.log.Info("resolve attempt started", "dest", s.destination, "attempt_id", s.attemptID)
		return
	}

	select {
	case err := <-s.resolveCh:
		s.resolveCh = nil
		s.resolveStart = time.Time{}
		if err != nil {
			s.onResolveFailure(ctx)
			return
		}
		s.transition(ctx, cmtypes.StateReConnect, s.state.Reason)
	default:
		if time.Since(s.resolveStart) > ResolveTimeout {
			s.resolveCh = nil
			s.resolveStart = time.Time{}
			s.onResolveFailure(ctx)
		}
	}
}

func (s *Supervisor) onResolveFailure(ctx context.Context) {
	s.counters.OVSResolveFail++
	target := s.resolver.Get(s.destination)
	if target != nil {
		// The Resolver already counted this failure on the target.
		if target.ResolveRetryCount > ResolveRetryThreshold {
			if s.dhcp != nil {
				_ = s.dhcp.Refresh(ctx, s.mainLink.IfName)
			}
			target.Clear()
		}
	}

	switch {
	case s.cfg.IsExtender && s.counters.OVSResolveFail < ResolveFatalThreshold:
		s.transition(ctx, cmtypes.StateLinkSel, cmtypes.ReasonTimer)
	case s.cfg.IsExtender:
		s.restartManagers(ctx)
	default:
		s.transition(ctx, cmtypes.StateOVSInit, cmtypes.ReasonTimer)
	}
}

func (s *Supervisor) armReConnect(ctx context.Context) {
	if s.managerStore == nil {
		return
	}
	if err := s.managerStore.SetTarget(ctx, ""); err != nil {
		s.log.Warn("failed to clear manager target", "err", err)
		return
	}
	connected, err := s.managerStore.IsConnected(ctx)
	if err != nil {
		return
	}
	if !connected {
		s.transition(ctx, cmtypes.StateTryConnect, s.state.Reason)
	}
}

func (s *Supervisor) armTryConnect(ctx context.Context) {
	target := s.resolver.Get(s.destination)
	if target == nil {
		return
	}
	if target.Updated {
		target.Updated = false
		s.connectAddr = ""
		s.transition(ctx, cmtypes.StateTryResolve, s.state.Reason)
		return
	}

	if s.connectAddr != "" && time.Since(s.state.EnteredAt) > ConnectTimeout {
		s.connectAddr = ""
		s.state.EnteredAt = time.Now()
	}

	if s.connectAddr == "" {
		addr, _, ok := resolver.Next(target)
		if !ok {
			s.counters.OVSCon++
			s.onConnectExhausted(ctx)
			return
		}
		s.connectAddr = addr
		s.log.Info("connect attempt started", "addr", addr, "attempt_id", s.attemptID)
		if s.managerStore != nil {
			if err := s.managerStore.SetTarget(ctx, resolver.FormatTarget(target.Proto, addr, target.Port)); err != nil {
				s.log.Warn("failed to set manager target", "err", err)
			}
		}
	}

	if s.managerStore == nil {
		return
	}
	connected, err := s.managerStore.IsConnected(ctx)
	if err != nil || !connected {
		return
	}
	s.lastGoodProto = target.Proto
	s.lastGoodAddr = s.connectAddr
	s.lastGoodPort = target.Port
	s.connectAddr = ""
	s.transition(ctx, cmtypes.StateConnected, s.state.Reason)
}

func (s *Supervisor) onConnectExhausted(ctx context.Context) {
	if s.counters.OVSCon < ConnectFatalThreshold {
		s.transition(ctx, cmtypes.StateReConnect, cmtypes.ReasonTimer)
		return
	}
	s.restartManagers(ctx)
}

func (s *Supervisor) armFastReconnect(ctx context.Context) {
	if s.lastGoodAddr == "" {
		s.transition(ctx, cmtypes.StateQuiesceOVS, s.state.Reason)
		return
	}
	if s.connectAddr == "" {
		s.connectAddr = s.lastGoodAddr
		if s.managerStore != nil {
			if err := s.managerStore.SetTarget(ctx, resolver.FormatTarget(s.lastGoodProto, s.lastGoodAddr, s.lastGoodPort)); err != nil {
				s.log.Warn("failed to set manager target", "err", err)
			}
		}
	}
	if s.managerStore == nil {
		return
	}
	connected, err := s.managerStore.IsConnected(ctx)
	if err != nil || !connected {
		return
	}
	s.connectAddr = ""
	s.transition(ctx, cmtypes.StateConnected, s.state.Reason)
}

// armFastReconnectWait is a brief settle period between FAST_RECONNECT
// attempts; not named in the source's state-arm table, included for
// enum completeness and to give flapping links a beat before retrying
// the last-known-good address again.
func (s *Supervisor) armFastReconnectWait(ctx context.Context) {
	if time.Since(s.state.EnteredAt) >= ShortBackoff {
		s.transition(ctx, cmtypes.StateFastReconnect, s.state.Reason)
	}
}

func (s *Supervisor) armConnected(ctx context.Context) {
	if !s.wasConnected {
		s.wasConnected = true
		s.counters.OVSCon = 0
		s.skipRestart = 0
		if s.beacon != nil {
			s.beacon.Set(cmtypes.BitCloudOK)
		}
		if s.gwoffline != nil {
			s.gwoffline.RecordConnected(ctx)
		}
		if s.mainLink.IfName != "" {
			s.registry.CleanLinkCounters(s.mainLink.IfName)
		}
	}

	if s.managerStore == nil {
		return
	}
	connected, err := s.managerStore.IsConnected(ctx)
	if err != nil {
		return
	}
	if !connected {
		s.wasConnected = false
		s.stable = false
		s.transition(ctx, cmtypes.StateQuiesceOVS, s.state.Reason)
		return
	}

	if !s.stable && time.Since(s.state.EnteredAt) >= StablePeriod {
		s.stable = true
		s.counters.Disconnects = 0
		if s.mainLink.VTag.State == cmtypes.VTagPending {
			s.mainLink.VTag.State = cmtypes.VTagUsed
		}
	}
}

func (s *Supervisor) armQuiesceOVS(ctx context.Context) {
	if s.quiesceUntil.IsZero() {
		if s.managerStore != nil {
			_ = s.managerStore.SetTarget(ctx, "")
		}
		s.counters.Disconnects++
		s.quiesceUntil = time.Now().Add(s.backoffDuration())
		return
	}
	if time.Now().Before(s.quiesceUntil) {
		return
	}
	s.quiesceUntil = time.Time{}

	if s.counters.Disconnects > MaxDisconnects {
		s.destination = cmtypes.DestRedirector
		s.transition(ctx, cmtypes.StateOVSInit, s.state.Reason)
		return
	}
	s.transition(ctx, cmtypes.StateFastReconnect, s.state.Reason)
}

// armInternet covers non-extender devices that reach the Internet
// directly without a Manager connection; treated like CONNECTED but
// without a target to maintain.
func (s *Supervisor) armInternet(ctx context.Context) {
	if !s.wasConnected {
		s.wasConnected = true
		if s.beacon != nil {
			s.beacon.Set(cmtypes.BitInternetOK)
		}
	}
	_ = ctx
}
