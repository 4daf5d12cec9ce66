// Package uplinkreg implements the Uplink Registry: it materializes the
// set of known uplinks from the configuration store and chooses exactly
// one "used" uplink per spec.md §4.4's preference order.
package uplinkreg

import (
	"sort"
	"sync"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/events"
	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/routing"
)

// RouteMetricPusher is the routing collaborator's capability surface, as
// consumed by the Registry.
type RouteMetricPusher interface {
	UpdateRouteMetric(ifName string, metric int) error
}

// Registry tracks all known uplinks and their per-address-family state.
type Registry struct {
	mu      sync.Mutex
	uplinks map[string]*cmtypes.Uplink
	used    string // if_name of the currently used uplink, "" if none

	pusher RouteMetricPusher
	hub    *events.Hub
	log    *logging.Logger
}

// New creates an empty Registry. A nil pusher defaults to a real
// netlink-backed routing.Pusher; a nil hub disables event publication.
func New(pusher RouteMetricPusher, hub *events.Hub, log *logging.Logger) *Registry {
	if pusher == nil {
		pusher = routing.NewPusher(nil, log)
	}
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		uplinks: make(map[string]*cmtypes.Uplink),
		pusher:  pusher,
		hub:     hub,
		log:     log.WithComponent("uplinkreg"),
	}
}

// Upsert materializes or updates one uplink record, as would be driven
// by an on_uplink_row_change event from the configuration store.
func (r *Registry) Upsert(u *cmtypes.Uplink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.uplinks[u.IfName]
	if ok {
		// Preserve state the store row doesn't carry: counters and
		// per-family health state are the Registry's own, not mirrored
		// from the row.
		u.IPv4State = existing.IPv4State
		u.IPv6State = existing.IPv6State
		u.UnreachableLinkCounter = existing.UnreachableLinkCounter
		u.UnreachableRouterCounter = existing.UnreachableRouterCounter
		u.UnreachableInternetCounter = existing.UnreachableInternetCounter
		u.UnreachableCloudCounter = existing.UnreachableCloudCounter
		u.NTPState = existing.NTPState
		u.Loop = existing.Loop
	}
	r.uplinks[u.IfName] = u
}

// Remove drops an uplink that is no longer present in the store.
func (r *Registry) Remove(ifName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uplinks, ifName)
	if r.used == ifName {
		r.used = ""
	}
}

// Get returns a copy of the named uplink, or nil if unknown.
func (r *Registry) Get(ifName string) *cmtypes.Uplink {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uplinks[ifName]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Used returns the if_name of the currently used uplink, or "" if none.
func (r *Registry) Used() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// All returns a snapshot copy of every known uplink, for callers that
// need to iterate the full set (the periodic stability probe sweep).
func (r *Registry) All() []*cmtypes.Uplink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*cmtypes.Uplink, 0, len(r.uplinks))
	for _, u := range r.uplinks {
		cp := *u
		out = append(out, &cp)
	}
	return out
}

// unblocked reports whether an uplink has at least one un-blocked
// address family.
func unblocked(u *cmtypes.Uplink) bool {
	return u.IPv4State != cmtypes.UplinkBlocked || u.IPv6State != cmtypes.UplinkBlocked
}

// candidateLess orders uplinks by the registry's preference rule:
// highest priority first, ethernet before Wi-Fi at equal priority, then
// if_name for determinism.
func candidateLess(a, b *cmtypes.Uplink) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	aEth := a.IfType == cmtypes.IfTypeEth
	bEth := b.IfType == cmtypes.IfTypeEth
	if aEth != bEth {
		return aEth
	}
	return a.IfName < b.IfName
}

// RecalcLinks re-evaluates uplink selection per spec.md §4.4's
// preference order:
//  1. any uplink with IsUsed=true persisted in the store;
//  2. highest-priority uplink with HasL2=true and an un-blocked family;
//  3. ethernet before Wi-Fi at equal priority.
//
// If blockCurrent is true, the currently-used uplink is excluded from
// consideration (used when a LINK_NOT_USED reason or a fatal link
// failure forces re-selection away from it). Returns whether the
// selection changed.
func (r *Registry) RecalcLinks(blockCurrent bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prevUsed := r.used

	var persisted *cmtypes.Uplink
	var candidates []*cmtypes.Uplink
	for name, u := range r.uplinks {
		if blockCurrent && name == prevUsed {
			continue
		}
		if !u.HasL2 || !unblocked(u) {
			continue
		}
		if u.IsUsed {
			persisted = u
		}
		candidates = append(candidates, u)
	}

	var next *cmtypes.Uplink
	if persisted != nil {
		next = persisted
	} else if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidateLess(candidates[i], candidates[j]) })
		next = candidates[0]
	}

	nextName := ""
	if next != nil {
		nextName = next.IfName
	}

	if nextName == prevUsed {
		return false
	}

	for name, u := range r.uplinks {
		u.IsUsed = name == nextName
	}
	r.used = nextName

	if r.hub != nil {
		r.hub.EmitUplinkUsedChanged(prevUsed, nextName)
	}
	r.log.Info("uplink selection changed", "previous", prevUsed, "current", nextName)
	return true
}

// UpdateUsedEchoed records the store's acknowledgement of a used-link
// change. The echo itself is mirrored onto the Supervisor's MainLink
// record (cmtypes.MainLink.IsUsedEchoed); this just confirms the
// Registry's view of which uplink is used still agrees with it.
func (r *Registry) UpdateUsedEchoed(ifName string, echoed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return echoed && ifName == r.used
}

// Mutate applies fn to the named uplink under the Registry's lock,
// letting the Stability Monitor update counters and health fields it
// owns without exposing a setter per field. fn must not call back into
// the Registry.
func (r *Registry) Mutate(ifName string, fn func(*cmtypes.Uplink)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.uplinks[ifName]; ok {
		fn(u)
	}
}

// CleanLinkCounters zeroes all four unreachable counters on ifName, per
// clean_link_counters.
func (r *Registry) CleanLinkCounters(ifName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.uplinks[ifName]; ok {
		u.ResetCounters()
	}
}

// UpdateRouteMetric pushes metric to ifName via the routing collaborator.
func (r *Registry) UpdateRouteMetric(ifName string, metric int) error {
	return r.pusher.UpdateRouteMetric(ifName, metric)
}

// SetFamilyState transitions ifName's address-family state and, if
// entering BLOCKED, bumps its route metric to MetricUplinkBlocked; if
// leaving BLOCKED via UNBLOCKING->ACTIVE, resets it to
// MetricUplinkDefault. Mirrors the Registry-side half of §4.3/§4.4's
// table (the Supervisor drives the UNBLOCKING entry itself).
func (r *Registry) SetFamilyState(ifName string, family Family, next cmtypes.UplinkState) {
	r.mu.Lock()
	u, ok := r.uplinks[ifName]
	if !ok {
		r.mu.Unlock()
		return
	}
	var prev cmtypes.UplinkState
	switch family {
	case FamilyIPv4:
		prev = u.IPv4State
		u.IPv4State = next
	case FamilyIPv6:
		prev = u.IPv6State
		u.IPv6State = next
	}
	r.mu.Unlock()

	if prev == next {
		return
	}

	if r.hub != nil {
		r.hub.EmitUplinkHealthChanged(ifName, string(family), string(prev), string(next))
	}

	switch {
	case next == cmtypes.UplinkBlocked:
		if err := r.UpdateRouteMetric(ifName, routing.MetricUplinkBlocked); err != nil {
			r.log.Warn("failed to push blocked route metric", "if_name", ifName, "err", err)
		}
	case prev == cmtypes.UplinkUnblocking && next == cmtypes.UplinkActive:
		if err := r.UpdateRouteMetric(ifName, routing.MetricUplinkDefault); err != nil {
			r.log.Warn("failed to push default route metric", "if_name", ifName, "err", err)
		}
	}
}

// Family is an address family tag for per-uplink state operations.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)
