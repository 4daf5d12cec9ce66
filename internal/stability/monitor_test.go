package stability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/probe"
	"grimm.is/cm2/internal/uplinkreg"
)

type fakeActions struct {
	disableReenable int
	dhcpRefresh     int
	ifaceRestart    int
	managersRestart int
	tcpdumpStarts   int
	tcpdumpStops    int
	vtagBlocks      int
}

func (f *fakeActions) ForceDisableReenable(ctx context.Context, ifName string) error {
	f.disableReenable++
	return nil
}
func (f *fakeActions) RefreshDHCP(ctx context.Context, ifName string) error {
	f.dhcpRefresh++
	return nil
}
func (f *fakeActions) RestartInterface(ctx context.Context, ifName string) error {
	f.ifaceRestart++
	return nil
}
func (f *fakeActions) RestartManagers(ctx context.Context) error {
	f.managersRestart++
	return nil
}
func (f *fakeActions) StartTCPDump(ctx context.Context, ifName string) error {
	f.tcpdumpStarts++
	return nil
}
func (f *fakeActions) StopTCPDump(ctx context.Context, ifName string) error {
	f.tcpdumpStops++
	return nil
}
func (f *fakeActions) BlockVTag(ctx context.Context, ifName string) error {
	f.vtagBlocks++
	return nil
}

func newTestMonitor(t *testing.T) (*Monitor, *uplinkreg.Registry, *fakeActions) {
	reg := uplinkreg.New(nil, nil, nil)
	reg.Upsert(&cmtypes.Uplink{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true})
	actions := &fakeActions{}
	mon := NewMonitor(reg, actions, nil, "", nil)
	return mon, reg, actions
}

func TestProcessResult_LinkThresholdDisablesAndReenables(t *testing.T) {
	mon, _, actions := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < ThreshLink; i++ {
		mon.ProcessResult(ctx, "eth0", probe.LinkCheck, probe.ResultMask{LinkOK: false}, false)
	}

	require.Equal(t, 1, actions.disableReenable)
}

func TestProcessResult_FatalThresholdRestartsManagers(t *testing.T) {
	mon, _, actions := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < ThreshFatal; i++ {
		mon.ProcessResult(ctx, "eth0", probe.LinkCheck, probe.ResultMask{LinkOK: false}, false)
	}

	require.Equal(t, 1, actions.managersRestart)
}

func TestProcessResult_CounterResetsOnSuccess(t *testing.T) {
	mon, reg, _ := newTestMonitor(t)
	ctx := context.Background()

	mon.ProcessResult(ctx, "eth0", probe.LinkCheck, probe.ResultMask{LinkOK: false}, false)
	mon.ProcessResult(ctx, "eth0", probe.LinkCheck, probe.ResultMask{LinkOK: false}, false)
	require.Equal(t, 2, reg.Get("eth0").UnreachableLinkCounter)

	mon.ProcessResult(ctx, "eth0", probe.LinkCheck, probe.ResultMask{LinkOK: true}, false)
	require.Equal(t, 0, reg.Get("eth0").UnreachableLinkCounter)
}

func TestProcessResult_RouterThresholdRefreshesThenRestarts(t *testing.T) {
	mon, _, actions := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < ThreshRouter; i++ {
		mon.ProcessResult(ctx, "eth0", probe.RouterCheck, probe.ResultMask{RouterV4OK: false, RouterV6OK: false}, false)
	}
	require.Equal(t, 1, actions.dhcpRefresh)
	require.Equal(t, 0, actions.ifaceRestart)

	mon.ProcessResult(ctx, "eth0", probe.RouterCheck, probe.ResultMask{RouterV4OK: false, RouterV6OK: false}, false)
	require.Equal(t, 1, actions.ifaceRestart)
}

func TestProcessResult_TCPDumpStartsAndStops(t *testing.T) {
	mon, _, actions := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < ThreshTCPDump; i++ {
		mon.ProcessResult(ctx, "eth0", probe.RouterCheck, probe.ResultMask{RouterV4OK: false, RouterV6OK: false}, false)
	}
	require.Equal(t, 1, actions.tcpdumpStarts)

	mon.ProcessResult(ctx, "eth0", probe.RouterCheck, probe.ResultMask{RouterV4OK: true, RouterV6OK: true}, false)
	require.Equal(t, 1, actions.tcpdumpStops)
}

func TestProcessResult_VTagPendingFailuresBlockVTag(t *testing.T) {
	mon, _, actions := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < ThreshVTag; i++ {
		mon.ProcessResult(ctx, "eth0", probe.LinkCheck, probe.ResultMask{LinkOK: false, OK: false}, true)
	}
	require.Equal(t, 1, actions.vtagBlocks)
}

func TestProcessResult_FamilyTransitionsToBlockedAfterThreshold(t *testing.T) {
	mon, reg, _ := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < uplinkreg.BlockingThreshold+1; i++ {
		mon.ProcessResult(ctx, "eth0", probe.RouterCheck|probe.InternetCheck|probe.IPv4Check,
			probe.ResultMask{RouterV4OK: false, InternetV4OK: false}, false)
	}

	require.Equal(t, cmtypes.UplinkBlocked, reg.Get("eth0").IPv4State)
}

func TestShouldProbeAllUplinks_NilReaderAllows(t *testing.T) {
	mon, _, _ := newTestMonitor(t)
	require.True(t, mon.ShouldProbeAllUplinks(nil))
}

type fakeLoadReader struct {
	load float64
	err  error
}

func (f fakeLoadReader) Load1() (float64, error) { return f.load, f.err }

func TestShouldProbeAllUplinks_GatesOnThreshold(t *testing.T) {
	mon := NewMonitor(uplinkreg.New(nil, nil, nil), &fakeActions{}, nil, "1.0", nil)
	require.True(t, mon.ShouldProbeAllUplinks(fakeLoadReader{load: 0.5}))
	require.False(t, mon.ShouldProbeAllUplinks(fakeLoadReader{load: 1.5}))
}
