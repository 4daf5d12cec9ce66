// Package cmtypes holds the shared value types of the connection manager
// core: the records the Supervisor, Address Resolver, Stability Monitor and
// Uplink Registry pass between each other. None of these types carry
// behavior of their own — see internal/resolver, internal/uplinkreg and
// internal/supervisor for the state machines that own them.
package cmtypes

import "time"

// Destination selects which of the two configured endpoints an Address
// Target or connection attempt is aimed at.
type Destination string

const (
	DestRedirector Destination = "redirector"
	DestManager    Destination = "manager"
)

// IfType is the kind of network interface backing an Uplink.
type IfType string

const (
	IfTypeVIF    IfType = "vif"
	IfTypeEth    IfType = "eth"
	IfTypeVLAN   IfType = "vlan"
	IfTypeLTE    IfType = "lte"
	IfTypePPPoE  IfType = "pppoe"
	IfTypeGRE    IfType = "gre"
	IfTypeBridge IfType = "bridge"
)

// AssignScheme is how an address family's address was obtained.
type AssignScheme string

const (
	AssignNotSet AssignScheme = "not_set"
	AssignNone   AssignScheme = "none"
	AssignStatic AssignScheme = "static"
	AssignV4DHCP AssignScheme = "v4_dhcp"
	AssignV6DHCP AssignScheme = "v6_dhcp"
)

// UplinkState is the per-address-family health state of an Uplink. See
// §4.3/§4.4 of the state-transition table for the legal moves between
// these values.
type UplinkState string

const (
	UplinkNone       UplinkState = "NONE"
	UplinkReady      UplinkState = "READY"
	UplinkInactive   UplinkState = "INACTIVE"
	UplinkActive     UplinkState = "ACTIVE"
	UplinkBlocked    UplinkState = "BLOCKED"
	UplinkUnblocking UplinkState = "UNBLOCKING"
)

// SupervisorState enumerates the top-level Supervisor FSM states. Each has
// an optional timeout measured from EnteredAt.
type SupervisorState string

const (
	StateInit              SupervisorState = "INIT"
	StateLinkSel           SupervisorState = "LINK_SEL"
	StateWANIP             SupervisorState = "WAN_IP"
	StateNTPCheck          SupervisorState = "NTP_CHECK"
	StateOVSInit           SupervisorState = "OVS_INIT"
	StateTryResolve        SupervisorState = "TRY_RESOLVE"
	StateReConnect         SupervisorState = "RE_CONNECT"
	StateTryConnect        SupervisorState = "TRY_CONNECT"
	StateFastReconnect     SupervisorState = "FAST_RECONNECT"
	StateFastReconnectWait SupervisorState = "FAST_RECONNECT_WAIT"
	StateConnected         SupervisorState = "CONNECTED"
	StateQuiesceOVS        SupervisorState = "QUIESCE_OVS"
	StateInternet          SupervisorState = "INTERNET"
)

// Reason is what drove one Supervisor loop iteration.
type Reason string

const (
	ReasonTimer         Reason = "TIMER"
	ReasonConfigChange  Reason = "CONFIG_CHANGE"
	ReasonManagerChange Reason = "MANAGER_CHANGE"
	ReasonStateChange   Reason = "STATE_CHANGE"
	ReasonLinkUsed      Reason = "LINK_USED"
	ReasonLinkNotUsed   Reason = "LINK_NOT_USED"
	ReasonSetNewVTag    Reason = "SET_NEW_VTAG"
	ReasonBlockVTag     Reason = "BLOCK_VTAG"
	ReasonOVSInit       Reason = "OVS_INIT"
)

// VTagState is the lifecycle of a VLAN tag assignment on an uplink's port.
type VTagState string

const (
	VTagNotUsed VTagState = "NOT_USED"
	VTagPending VTagState = "PENDING"
	VTagUsed    VTagState = "USED"
	VTagBlocked VTagState = "BLOCKED"
)

// VTag is the VLAN-tag assignment state on an Uplink's port.
type VTag struct {
	State        VTagState
	Tag          int
	BlockedTag   int
	FailureCount int
}

// DeviceType is inferred from the used uplink's family.
type DeviceType string

const (
	DeviceNone   DeviceType = "NONE"
	DeviceRouter DeviceType = "ROUTER"
	DeviceBridge DeviceType = "BRIDGE"
	DeviceLeaf   DeviceType = "LEAF"
)

// OnboardingBit indexes the 7-bit BLE onboarding status bitmap.
type OnboardingBit uint

const (
	BitEthernetLink OnboardingBit = iota
	BitWifiLink
	BitEthernetBackhaul
	BitWifiBackhaul
	BitRouterOK
	BitInternetOK
	BitCloudOK
)

// Mask returns the single-bit mask for this onboarding bit.
func (b OnboardingBit) Mask() byte { return 1 << uint(b) }

// AddressTarget is one per Destination: the configured URI, its parsed
// components, and the resolved candidate address lists with an
// interleaving cursor. See internal/resolver for the cursor's behavior;
// this type is the data the cursor walks.
type AddressTarget struct {
	Resource string // configured URI, <=512 bytes
	Proto    string
	Hostname string
	Port     int

	Valid     bool // URI parsed successfully
	Updated   bool // URI string changed since last consumption
	Resolved  bool // resolution completed, >=1 usable address produced

	IPv4 []ResolvedAddr
	IPv6 []ResolvedAddr

	IPv4Cursor int
	IPv6Cursor int

	// IPv6Pref controls whether next() draws from IPv6 or IPv4 first.
	// Flips on every next() so attempts interleave v6,v4,v6,v4.
	IPv6Pref bool

	ResolveRetry      bool
	ResolveRetryCount int
}

// Clear resets an AddressTarget to its zero lifecycle state (called on
// destination switch or on giving up after RESOLVE_RETRY_THRESHOLD).
func (t *AddressTarget) Clear() {
	*t = AddressTarget{Resource: t.Resource, Proto: t.Proto, Hostname: t.Hostname, Port: t.Port}
}

// ResolvedAddr is one candidate address in an AddressTarget's list.
type ResolvedAddr struct {
	IP string
}

// AddressFamilyState is the per-address-family sub-record of a Main Link
// (its IPv4 and IPv6 fields).
type AddressFamilyState struct {
	AssignScheme AssignScheme
	IsIP         bool
	ResolveRetry bool
	Blocked      bool
}

// MainLink is the Supervisor's record of the currently "used" uplink. It
// is owned by the Supervisor but mirrors exactly one Uplink by name.
type MainLink struct {
	IfName         string
	IfType         IfType
	BridgeName     string // empty if not in a bridge
	IsUsed         bool
	IsUsedEchoed   bool // local mirror of store state
	Blocked        bool
	RestartPending bool
	Priority       int // higher is preferred

	IPv4 AddressFamilyState
	IPv6 AddressFamilyState

	GatewayHWAddr string
	VTag          VTag
}

// Uplink is the Uplink Registry's record of one known interface.
type Uplink struct {
	IfName     string
	IfType     IfType
	BridgeName string
	HasL2      bool
	IsUsed     bool
	Priority   int

	IPv4State UplinkState
	IPv6State UplinkState

	UnreachableLinkCounter     int
	UnreachableRouterCounter   int
	UnreachableInternetCounter int
	UnreachableCloudCounter    int

	NTPState UplinkState

	// Loop marks the interface as looping, requiring a delayed
	// re-evaluation before it is trusted again.
	Loop bool
}

// ResetCounters zeroes all four unreachable counters, per
// clean_link_counters.
func (u *Uplink) ResetCounters() {
	u.UnreachableLinkCounter = 0
	u.UnreachableRouterCounter = 0
	u.UnreachableInternetCounter = 0
	u.UnreachableCloudCounter = 0
}

// Counters tracks the Supervisor's retry/backpressure state.
type Counters struct {
	OVSResolve     int
	OVSResolveFail int
	OVSCon         int
	SkipRestart    int
	GWOffline      int
	Disconnects    int
}

// StateRecord is the Supervisor's current position: state, the reason
// that drove entry, and the timestamp used for timeout detection.
type StateRecord struct {
	State     SupervisorState
	Reason    Reason
	EnteredAt time.Time
}
