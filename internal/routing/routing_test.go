package routing

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

type fakeNetlinker struct {
	link       netlink.Link
	routes     []netlink.Route
	replaced   []netlink.Route
	lookupErr  error
}

func (f *fakeNetlinker) LinkByName(name string) (netlink.Link, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.link, nil
}

func (f *fakeNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	if family != netlink.FAMILY_V4 {
		return nil, nil // the fixture routes are all IPv4
	}
	return f.routes, nil
}

func (f *fakeNetlinker) RouteReplace(route *netlink.Route) error {
	f.replaced = append(f.replaced, *route)
	return nil
}

func (f *fakeNetlinker) RouteDel(route *netlink.Route) error {
	return nil
}

func TestUpdateRouteMetric_OnlyTouchesDefaultRoutes(t *testing.T) {
	link := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}}
	fake := &fakeNetlinker{
		link: link,
		routes: []netlink.Route{
			{Dst: nil, Priority: 100},                    // default route
			{Dst: mustParseCIDR("10.0.0.0/24"), Priority: 5}, // specific route, untouched
		},
	}

	p := NewPusher(fake, nil)
	err := p.UpdateRouteMetric("eth0", MetricUplinkBlocked)
	require.NoError(t, err)

	require.Len(t, fake.replaced, 1)
	require.Equal(t, MetricUplinkBlocked, fake.replaced[0].Priority)
	require.Nil(t, fake.replaced[0].Dst)
}

func TestUpdateRouteMetric_LinkNotFound(t *testing.T) {
	fake := &fakeNetlinker{lookupErr: require.AnError}
	p := NewPusher(fake, nil)
	err := p.UpdateRouteMetric("missing0", MetricUplinkDefault)
	require.Error(t, err)
}

func mustParseCIDR(s string) *net.IPNet {
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return ipNet
}
