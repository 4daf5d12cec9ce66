package supervisor

import (
	"time"

	"grimm.is/cm2/internal/cmtypes"
)

// Per-state timeouts, per spec.md §4.1's state table. A zero value means
// no timeout (the state only leaves via an explicit transition).
var stateTimeouts = map[cmtypes.SupervisorState]time.Duration{
	cmtypes.StateLinkSel:  120 * time.Second,
	cmtypes.StateWANIP:    60 * time.Second,
	cmtypes.StateNTPCheck: 60 * time.Second,
	cmtypes.StateReConnect:  30 * time.Second,
	cmtypes.StateTryConnect: 30 * time.Second,
	cmtypes.StateFastReconnect: 30 * time.Second,
}

// ResolveTimeout bounds one TRY_RESOLVE attempt (RESOLVE_TIMEOUT).
const ResolveTimeout = 180 * time.Second

// ConnectTimeout bounds one TRY_CONNECT address attempt (CONNECT_TIMEOUT).
const ConnectTimeout = 30 * time.Second

// Thresholds governing error-kind escalation, per spec.md §7's table.
const (
	ResolveRetryThreshold = 10
	ResolveFatalThreshold = 5
	ConnectFatalThreshold = 10
	MaxDisconnects        = 10
	ThreshVTag            = 2
)

// StablePeriod is how long CONNECTED must persist before the connection
// is considered stable and a PENDING vtag is promoted to USED.
const StablePeriod = 600 * time.Second

// ShortBackoff is the fixed QUIESCE_OVS delay used when fast_backoff is set.
const ShortBackoff = 2 * time.Second

func timeoutFor(state cmtypes.SupervisorState) time.Duration {
	return stateTimeouts[state]
}
