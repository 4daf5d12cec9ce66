package supervisor

import "context"

// ManagerStore is the configuration store's Manager-row capability: the
// Supervisor writes the resolved connection target and observes the
// configuration client's is_connected acknowledgement.
type ManagerStore interface {
	SetTarget(ctx context.Context, target string) error
	IsConnected(ctx context.Context) (bool, error)
}

// RestartManagers is the terminal escalation capability.
type RestartManagers interface {
	RestartManagers(ctx context.Context) error
}

// LinkProber runs the synchronous probes WAN_IP and NTP_CHECK perform
// before moving on, distinct from the Stability Monitor's periodic
// asynchronous probing of the already-connected main link.
type LinkProber interface {
	ProbeRouter(ctx context.Context, ifName string) (bool, error)
	ProbeInternetAndNTP(ctx context.Context, ifName string) (bool, error)
}

// VTagPort applies or removes a VLAN tag on the main link's switch port.
type VTagPort interface {
	SetTag(ctx context.Context, ifName string, tag int) error
	RemoveTag(ctx context.Context, ifName string) error
}

// DHCPRefresher issues a DHCP refresh on an interface, used after vtag
// changes and as part of the stability escalation ladder.
type DHCPRefresher interface {
	Refresh(ctx context.Context, ifName string) error
}

// BridgeInspector reports whether ifName's actual bridge membership
// still matches its configured bridge_name, per §4.3's "bridge
// membership broken counts as a link failure" rule.
type BridgeInspector interface {
	MembershipIntact(ctx context.Context, ifName, bridgeName string) (bool, error)
}
