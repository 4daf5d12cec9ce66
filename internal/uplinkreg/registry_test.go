package uplinkreg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/cm2/internal/cmtypes"
)

type fakePusher struct {
	calls map[string]int
}

func newFakePusher() *fakePusher { return &fakePusher{calls: make(map[string]int)} }

func (f *fakePusher) UpdateRouteMetric(ifName string, metric int) error {
	f.calls[ifName] = metric
	return nil
}

func TestRecalcLinks_PrefersPersistedUsed(t *testing.T) {
	r := New(newFakePusher(), nil, nil)
	r.Upsert(&cmtypes.Uplink{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 10})
	r.Upsert(&cmtypes.Uplink{IfName: "wifi0", IfType: cmtypes.IfTypeVIF, HasL2: true, Priority: 20, IsUsed: true})

	changed := r.RecalcLinks(false)
	require.True(t, changed)
	require.Equal(t, "wifi0", r.Used())
}

func TestRecalcLinks_HighestPriorityWithL2(t *testing.T) {
	r := New(newFakePusher(), nil, nil)
	r.Upsert(&cmtypes.Uplink{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 10})
	r.Upsert(&cmtypes.Uplink{IfName: "wifi0", IfType: cmtypes.IfTypeVIF, HasL2: true, Priority: 20})

	r.RecalcLinks(false)
	require.Equal(t, "wifi0", r.Used())
}

func TestRecalcLinks_EthernetBeforeWifiAtEqualPriority(t *testing.T) {
	r := New(newFakePusher(), nil, nil)
	r.Upsert(&cmtypes.Uplink{IfName: "wifi0", IfType: cmtypes.IfTypeVIF, HasL2: true, Priority: 10})
	r.Upsert(&cmtypes.Uplink{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 10})

	r.RecalcLinks(false)
	require.Equal(t, "eth0", r.Used())
}

func TestRecalcLinks_ExcludesBlockedCandidates(t *testing.T) {
	r := New(newFakePusher(), nil, nil)
	r.Upsert(&cmtypes.Uplink{
		IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 10,
		IPv4State: cmtypes.UplinkBlocked, IPv6State: cmtypes.UplinkBlocked,
	})
	r.Upsert(&cmtypes.Uplink{IfName: "wifi0", IfType: cmtypes.IfTypeVIF, HasL2: true, Priority: 5})

	r.RecalcLinks(false)
	require.Equal(t, "wifi0", r.Used())
}

// TestInvariant_ExactlyOneUsedUplink is invariant 1: after any sequence
// of upserts followed by a recalc, at most one uplink has IsUsed==true.
func TestInvariant_ExactlyOneUsedUplink(t *testing.T) {
	r := New(newFakePusher(), nil, nil)

	seq := []*cmtypes.Uplink{
		{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 10},
		{IfName: "wifi0", IfType: cmtypes.IfTypeVIF, HasL2: true, Priority: 20},
		{IfName: "eth1", IfType: cmtypes.IfTypeEth, HasL2: false, Priority: 30},
	}
	for _, u := range seq {
		r.Upsert(u)
		r.RecalcLinks(false)

		used := 0
		for _, name := range []string{"eth0", "wifi0", "eth1"} {
			if got := r.Get(name); got != nil && got.IsUsed {
				used++
			}
		}
		require.LessOrEqual(t, used, 1)
	}
}

func TestRecalcLinks_BlockCurrentExcludesIt(t *testing.T) {
	r := New(newFakePusher(), nil, nil)
	r.Upsert(&cmtypes.Uplink{IfName: "eth0", IfType: cmtypes.IfTypeEth, HasL2: true, Priority: 20, IsUsed: true})
	r.Upsert(&cmtypes.Uplink{IfName: "wifi0", IfType: cmtypes.IfTypeVIF, HasL2: true, Priority: 10})
	r.RecalcLinks(false)
	require.Equal(t, "eth0", r.Used())

	r.RecalcLinks(true)
	require.Equal(t, "wifi0", r.Used())
}

func TestCleanLinkCounters(t *testing.T) {
	r := New(newFakePusher(), nil, nil)
	r.Upsert(&cmtypes.Uplink{IfName: "eth0", UnreachableLinkCounter: 3, UnreachableRouterCounter: 2})

	r.CleanLinkCounters("eth0")

	u := r.Get("eth0")
	require.Zero(t, u.UnreachableLinkCounter)
	require.Zero(t, u.UnreachableRouterCounter)
}

func TestSetFamilyState_BlockedPushesBlockedMetric(t *testing.T) {
	pusher := newFakePusher()
	r := New(pusher, nil, nil)
	r.Upsert(&cmtypes.Uplink{IfName: "eth0"})

	r.SetFamilyState("eth0", FamilyIPv4, cmtypes.UplinkBlocked)

	require.Equal(t, 999, pusher.calls["eth0"])
}

func TestSetFamilyState_UnblockingToActivePushesDefaultMetric(t *testing.T) {
	pusher := newFakePusher()
	r := New(pusher, nil, nil)
	r.Upsert(&cmtypes.Uplink{IfName: "eth0", IPv4State: cmtypes.UplinkUnblocking})

	r.SetFamilyState("eth0", FamilyIPv4, cmtypes.UplinkActive)

	require.Equal(t, 0, pusher.calls["eth0"])
}
