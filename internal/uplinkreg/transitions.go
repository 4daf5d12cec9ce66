package uplinkreg

import "grimm.is/cm2/internal/cmtypes"

// BlockingThreshold is the consecutive-failure count at which an
// INACTIVE family is demoted to BLOCKED (§4.3's table, BLOCKING_THRESHOLD=2).
const BlockingThreshold = 2

// NextFamilyState applies the per-address-family state transition table
// from spec.md §4.3/§4.4. ok reports whether the relevant
// Internet/Router check passed; failCount is the caller's current
// consecutive-failure counter for this family, used only to decide the
// INACTIVE -> BLOCKED demotion. UNBLOCKING is never entered by this
// function — the Supervisor alone drives a family into UNBLOCKING as a
// probe-before-promotion step.
func NextFamilyState(current cmtypes.UplinkState, ok bool, failCount int) cmtypes.UplinkState {
	switch current {
	case cmtypes.UplinkNone, cmtypes.UplinkReady, "": // "" is a never-set state, treated as NONE
		if ok {
			return cmtypes.UplinkActive
		}
		return cmtypes.UplinkInactive

	case cmtypes.UplinkInactive:
		if ok {
			return cmtypes.UplinkActive
		}
		if failCount >= BlockingThreshold {
			return cmtypes.UplinkBlocked
		}
		return cmtypes.UplinkInactive

	case cmtypes.UplinkActive:
		if ok {
			return cmtypes.UplinkActive
		}
		return cmtypes.UplinkInactive

	case cmtypes.UplinkUnblocking:
		if ok {
			return cmtypes.UplinkActive
		}
		return cmtypes.UplinkBlocked

	case cmtypes.UplinkBlocked:
		// BLOCKED only leaves via an explicit Supervisor-driven
		// UNBLOCKING probe, never from a passive probe result.
		return cmtypes.UplinkBlocked

	default:
		return current
	}
}
