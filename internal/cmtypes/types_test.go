package cmtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnboardingBitMask(t *testing.T) {
	require.Equal(t, byte(0x01), BitEthernetLink.Mask())
	require.Equal(t, byte(0x40), BitCloudOK.Mask())

	var bits byte
	bits |= BitRouterOK.Mask()
	bits |= BitInternetOK.Mask()
	require.Equal(t, byte(0x30), bits)
}

func TestUplinkResetCounters(t *testing.T) {
	u := &Uplink{
		UnreachableLinkCounter:     3,
		UnreachableRouterCounter:  2,
		UnreachableInternetCounter: 1,
		UnreachableCloudCounter:    4,
	}
	u.ResetCounters()

	require.Zero(t, u.UnreachableLinkCounter)
	require.Zero(t, u.UnreachableRouterCounter)
	require.Zero(t, u.UnreachableInternetCounter)
	require.Zero(t, u.UnreachableCloudCounter)
}

func TestAddressTargetClearPreservesURIFields(t *testing.T) {
	target := &AddressTarget{
		Resource: "ssl:manager.example.com:443",
		Proto:    "ssl",
		Hostname: "manager.example.com",
		Port:     443,
		Valid:    true,
		Resolved: true,
		IPv4:     []ResolvedAddr{{IP: "10.0.0.1"}},
		IPv6Pref: true,
	}

	target.Clear()

	require.Equal(t, "ssl:manager.example.com:443", target.Resource)
	require.Equal(t, "manager.example.com", target.Hostname)
	require.False(t, target.Valid)
	require.False(t, target.Resolved)
	require.Empty(t, target.IPv4)
	require.False(t, target.IPv6Pref)
}

func TestInvariantValidFalseImpliesEmptyHostnameAndLists(t *testing.T) {
	var target AddressTarget
	require.False(t, target.Valid)
	require.Empty(t, target.Hostname)
	require.Empty(t, target.IPv4)
	require.Empty(t, target.IPv6)
}
