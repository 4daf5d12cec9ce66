// Package routing pushes per-uplink route metrics through netlink so the
// kernel routing table reflects the Uplink Registry's BLOCKED/ACTIVE
// decisions. A blocked uplink's default route is given a metric high
// enough that Linux will never prefer it over an unblocked one.
package routing

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"grimm.is/cm2/internal/logging"
)

// Metric values pushed onto an uplink's default route.
const (
	MetricUplinkDefault = 0
	MetricUplinkBlocked = 999
)

// Netlinker abstracts the subset of netlink operations routing needs,
// mirroring the teacher's network.Netlinker interface so tests can swap
// in a fake without touching the kernel routing table.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

// RealNetlinker backs Netlinker with the real github.com/vishvananda/netlink
// library, optionally scoped to a non-default network namespace — a real
// opensync extender concern when an uplink lives in its own namespace.
type RealNetlinker struct {
	// Namespace, if non-empty, names a network namespace
	// (/var/run/netns/<Namespace>) this Netlinker's operations target.
	// Empty means the default namespace.
	Namespace string
}

func (r *RealNetlinker) handle() (*netlink.Handle, error) {
	if r.Namespace == "" {
		return netlink.NewHandle()
	}
	ns, err := netns.GetFromName(r.Namespace)
	if err != nil {
		return nil, fmt.Errorf("routing: open namespace %q: %w", r.Namespace, err)
	}
	defer ns.Close()
	return netlink.NewHandleAt(ns)
}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	h, err := r.handle()
	if err != nil {
		return nil, err
	}
	defer h.Delete()
	return h.LinkByName(name)
}

func (r *RealNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	h, err := r.handle()
	if err != nil {
		return nil, err
	}
	defer h.Delete()
	return h.RouteList(link, family)
}

func (r *RealNetlinker) RouteReplace(route *netlink.Route) error {
	h, err := r.handle()
	if err != nil {
		return err
	}
	defer h.Delete()
	return h.RouteReplace(route)
}

func (r *RealNetlinker) RouteDel(route *netlink.Route) error {
	h, err := r.handle()
	if err != nil {
		return err
	}
	defer h.Delete()
	return h.RouteDel(route)
}

// Pusher applies a route metric to an uplink's default route(s).
type Pusher struct {
	nl  Netlinker
	log *logging.Logger
}

// NewPusher creates a Pusher. A nil Netlinker defaults to a
// default-namespace RealNetlinker.
func NewPusher(nl Netlinker, log *logging.Logger) *Pusher {
	if nl == nil {
		nl = &RealNetlinker{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Pusher{nl: nl, log: log.WithComponent("routing")}
}

// UpdateRouteMetric pushes metric onto every default route (dst == nil,
// i.e. 0.0.0.0/0 or ::/0) owned by ifName, for both address families.
// Per spec.md §4.4, this is 0 for an unblocked uplink and 999 for a
// blocked one.
func (p *Pusher) UpdateRouteMetric(ifName string, metric int) error {
	link, err := p.nl.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("routing: lookup %s: %w", ifName, err)
	}

	var errs []error
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := p.nl.RouteList(link, family)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, route := range routes {
			if route.Dst != nil {
				continue // only touch the default route
			}
			route.Priority = metric
			r := route
			if err := p.nl.RouteReplace(&r); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		p.log.Warn("route metric push had errors", "if_name", ifName, "metric", metric, "errors", errs)
		return errs[0]
	}
	p.log.Debug("route metric updated", "if_name", ifName, "metric", metric)
	return nil
}
