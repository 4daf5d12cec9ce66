package main

import (
	"context"

	"grimm.is/cm2/internal/dhcpdryrun"
	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/probe"
	"grimm.is/cm2/internal/stability"
	"grimm.is/cm2/internal/store"
)

// managerAdapter satisfies supervisor.ManagerStore against the
// configuration store's Manager row: SetTarget writes the attempted
// address, IsConnected reads back the config client's acknowledgement.
type managerAdapter struct {
	bucket *store.ManagerBucket
}

func (m managerAdapter) SetTarget(_ context.Context, target string) error {
	row, err := m.bucket.Get()
	if err != nil {
		row = &store.ManagerRow{}
	}
	row.Target = target
	return m.bucket.Set(row)
}

func (m managerAdapter) IsConnected(_ context.Context) (bool, error) {
	row, err := m.bucket.Get()
	if err != nil {
		return false, err
	}
	return row.IsConnected, nil
}

// noopRestarter stands in for the process-management capability that
// actually kills and respawns the manager processes; this repo doesn't
// own a process supervisor, so it only logs.
type noopRestarter struct {
	log *logging.Logger
}

func (r noopRestarter) RestartManagers(_ context.Context) error {
	r.log.Info("restart managers requested")
	return nil
}

// linkProberAdapter adapts a stability.Prober to the Supervisor's
// synchronous WAN_IP/NTP_CHECK probes.
type linkProberAdapter struct {
	prober stability.Prober
}

func (p linkProberAdapter) ProbeRouter(ctx context.Context, ifName string) (bool, error) {
	result, err := p.prober.Check(ctx, ifName, probe.RouterCheck)
	if err != nil {
		return false, err
	}
	return result.OK, nil
}

func (p linkProberAdapter) ProbeInternetAndNTP(ctx context.Context, ifName string) (bool, error) {
	result, err := p.prober.Check(ctx, ifName, probe.InternetCheck|probe.NTPCheck)
	if err != nil {
		return false, err
	}
	return result.OK, nil
}

// noopVTagPort stands in for the switch-port VLAN tagging capability,
// which requires hardware this repo has no access to; it logs the
// request it would have issued.
type noopVTagPort struct {
	log *logging.Logger
}

func (p noopVTagPort) SetTag(_ context.Context, ifName string, tag int) error {
	p.log.Info("vtag set requested", "if_name", ifName, "tag", tag)
	return nil
}

func (p noopVTagPort) RemoveTag(_ context.Context, ifName string) error {
	p.log.Info("vtag remove requested", "if_name", ifName)
	return nil
}

// dhcpRefreshAdapter satisfies supervisor.DHCPRefresher with a dry DORA
// exchange: it doesn't renew the real lease, but it confirms the DHCP
// server is still reachable, which is what the Supervisor's callers
// actually care about at this point in the chain.
type dhcpRefreshAdapter struct {
	runner *dhcpdryrun.Runner
}

func (d dhcpRefreshAdapter) Refresh(ctx context.Context, ifName string) error {
	result := d.runner.Run(ctx, ifName)
	return result.Err
}

// monitorActions satisfies stability.Actions. Several remediations
// (interface bounce, tcpdump capture) have no backing implementation in
// this repo — see DESIGN.md — and log instead of acting.
type monitorActions struct {
	managers managerAdapter
	dhcp     *dhcpdryrun.Runner
	log      *logging.Logger
}

func (a *monitorActions) ForceDisableReenable(_ context.Context, ifName string) error {
	a.log.Warn("force disable/re-enable requested", "if_name", ifName)
	return nil
}

func (a *monitorActions) RefreshDHCP(ctx context.Context, ifName string) error {
	result := a.dhcp.Run(ctx, ifName)
	return result.Err
}

func (a *monitorActions) RestartInterface(_ context.Context, ifName string) error {
	a.log.Warn("restart interface requested", "if_name", ifName)
	return nil
}

func (a *monitorActions) RestartManagers(_ context.Context) error {
	a.log.Warn("stability monitor requested managers restart")
	return nil
}

func (a *monitorActions) StartTCPDump(_ context.Context, ifName string) error {
	a.log.Info("tcpdump capture start requested", "if_name", ifName)
	return nil
}

func (a *monitorActions) StopTCPDump(_ context.Context, ifName string) error {
	a.log.Info("tcpdump capture stop requested", "if_name", ifName)
	return nil
}

func (a *monitorActions) BlockVTag(_ context.Context, ifName string) error {
	a.log.Warn("block vtag requested", "if_name", ifName)
	return nil
}
