package resolver

import "grimm.is/cm2/internal/cmtypes"

// Next advances target's cursor per the interleaving rule: if IPv6Pref is
// true and the IPv6 list has more entries, take the next IPv6 address and
// flip IPv6Pref false; else if the IPv4 list has more, take the next IPv4
// address and flip IPv6Pref true; else fall back to whichever list still
// has entries. Returns ("", false) once both cursors are exhausted.
//
// This two-iterator-plus-flip-flag design is what makes an entire
// TRY_CONNECT sweep deterministic given the resolved lists and the
// initial IPv6Pref value.
func Next(target *cmtypes.AddressTarget) (addr string, family string, ok bool) {
	v6HasMore := target.IPv6Cursor < len(target.IPv6)
	v4HasMore := target.IPv4Cursor < len(target.IPv4)

	if !v6HasMore && !v4HasMore {
		return "", "", false
	}

	takeV6 := func() (string, string) {
		a := target.IPv6[target.IPv6Cursor].IP
		target.IPv6Cursor++
		target.IPv6Pref = false
		return a, "ipv6"
	}
	takeV4 := func() (string, string) {
		a := target.IPv4[target.IPv4Cursor].IP
		target.IPv4Cursor++
		target.IPv6Pref = true
		return a, "ipv4"
	}

	switch {
	case target.IPv6Pref && v6HasMore:
		a, f := takeV6()
		return a, f, true
	case !target.IPv6Pref && v4HasMore:
		a, f := takeV4()
		return a, f, true
	case v6HasMore:
		a, f := takeV6()
		return a, f, true
	case v4HasMore:
		a, f := takeV4()
		return a, f, true
	default:
		return "", "", false
	}
}

// Reset rewinds both cursors to the start without clearing the resolved
// address lists, used when a TRY_CONNECT sweep restarts from the top
// (e.g. after FAST_RECONNECT falls back through the full list).
func Reset(target *cmtypes.AddressTarget) {
	target.IPv4Cursor = 0
	target.IPv6Cursor = 0
}

// HasMore reports whether at least one of the two cursors still has
// unattempted entries.
func HasMore(target *cmtypes.AddressTarget) bool {
	return target.IPv6Cursor < len(target.IPv6) || target.IPv4Cursor < len(target.IPv4)
}
