package store

import (
	"encoding/json"
	"time"
)

// Standard bucket names, one per row family the Supervisor and its
// collaborators read or write.
const (
	BucketAWLAN      = "awlan"
	BucketManager    = "manager"
	BucketUplink     = "uplink"
	BucketInet       = "inet"
	BucketBridge     = "bridge"
	BucketPort       = "port"
	BucketInterface  = "interface"
	BucketBluetooth  = "bluetooth_config"
	BucketSSL        = "ssl"
)

// AWLANRow is the row the controller-facing config layer writes: the
// redirector URI, the configured backoff range, and the target name the
// device was provisioned under.
type AWLANRow struct {
	RedirectorURI string        `json:"redirector_uri"`
	MinBackoff    time.Duration `json:"min_backoff"`
	MaxBackoff    time.Duration `json:"max_backoff"`
	TargetName    string        `json:"target_name"`
}

// AWLANBucket provides typed access to the single AWLAN row.
type AWLANBucket struct {
	store Store
	key   string
}

func NewAWLANBucket(s Store) (*AWLANBucket, error) {
	if err := s.CreateBucket(BucketAWLAN); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &AWLANBucket{store: s, key: "awlan"}, nil
}

func (b *AWLANBucket) Get() (*AWLANRow, error) {
	var row AWLANRow
	if err := b.store.GetJSON(BucketAWLAN, b.key, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *AWLANBucket) Set(row *AWLANRow) error {
	return b.store.SetJSON(BucketAWLAN, b.key, row)
}

func (b *AWLANBucket) Watch() <-chan Row {
	return b.store.Watch(BucketAWLAN, b.key)
}

// ManagerRow is the row the Supervisor writes its resolved connection
// target to, and reads the config client's is_connected acknowledgement
// from.
type ManagerRow struct {
	ManagerURI  string `json:"manager_uri"`
	Target      string `json:"target"` // proto:addr:port of the current attempt
	IsConnected bool   `json:"is_connected"`
}

// ManagerBucket provides typed access to the single Manager row.
type ManagerBucket struct {
	store Store
	key   string
}

func NewManagerBucket(s Store) (*ManagerBucket, error) {
	if err := s.CreateBucket(BucketManager); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &ManagerBucket{store: s, key: "manager"}, nil
}

func (b *ManagerBucket) Get() (*ManagerRow, error) {
	var row ManagerRow
	if err := b.store.GetJSON(BucketManager, b.key, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *ManagerBucket) Set(row *ManagerRow) error {
	return b.store.SetJSON(BucketManager, b.key, row)
}

func (b *ManagerBucket) Watch() <-chan Row {
	return b.store.Watch(BucketManager, b.key)
}

// UplinkRow mirrors one row of the uplink table the Uplink Registry
// materializes its Uplink set from.
type UplinkRow struct {
	IfName     string `json:"if_name"`
	IfType     string `json:"if_type"`
	BridgeName string `json:"bridge_name,omitempty"`
	HasL2      bool   `json:"has_l2"`
	IsUsed     bool   `json:"is_used"`
	Priority   int    `json:"priority"`
}

// UplinkBucket provides typed access to uplink rows, keyed by interface
// name.
type UplinkBucket struct {
	store  Store
	bucket string
}

func NewUplinkBucket(s Store) (*UplinkBucket, error) {
	if err := s.CreateBucket(BucketUplink); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &UplinkBucket{store: s, bucket: BucketUplink}, nil
}

func (b *UplinkBucket) Get(ifName string) (*UplinkRow, error) {
	var row UplinkRow
	if err := b.store.GetJSON(b.bucket, ifName, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *UplinkBucket) Set(row *UplinkRow) error {
	return b.store.SetJSON(b.bucket, row.IfName, row)
}

func (b *UplinkBucket) List() ([]*UplinkRow, error) {
	data, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}
	rows := make([]*UplinkRow, 0, len(data))
	for _, v := range data {
		var row UplinkRow
		if err := json.Unmarshal(v, &row); err != nil {
			continue
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

func (b *UplinkBucket) Watch(ifName string) <-chan Row {
	return b.store.Watch(b.bucket, ifName)
}

// InetRow is the per-interface IP assignment row (static/DHCP scheme,
// assigned address presence) the Supervisor reads when deciding WAN_IP.
type InetRow struct {
	IfName       string `json:"if_name"`
	AssignScheme string `json:"assign_scheme"`
	IsIPv4       bool   `json:"is_ipv4"`
	IsIPv6       bool   `json:"is_ipv6"`
}

// InetBucket provides typed access to inet rows, keyed by interface name.
type InetBucket struct {
	store  Store
	bucket string
}

func NewInetBucket(s Store) (*InetBucket, error) {
	if err := s.CreateBucket(BucketInet); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &InetBucket{store: s, bucket: BucketInet}, nil
}

func (b *InetBucket) Get(ifName string) (*InetRow, error) {
	var row InetRow
	if err := b.store.GetJSON(b.bucket, ifName, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *InetBucket) Set(row *InetRow) error {
	return b.store.SetJSON(b.bucket, row.IfName, row)
}

func (b *InetBucket) Watch(ifName string) <-chan Row {
	return b.store.Watch(b.bucket, ifName)
}

// BridgeRow, PortRow and InterfaceRow mirror the OVS-style bridge/port/
// interface tables the Supervisor consults to detect whether an uplink's
// expected bridge membership is intact (§4.3's "link failure if bridge
// membership broken" rule). CM only reads these; authorship is the OVS
// collaborator's job.
type BridgeRow struct {
	Name  string   `json:"name"`
	Ports []string `json:"ports"`
}

type PortRow struct {
	Name       string `json:"name"`
	BridgeName string `json:"bridge_name"`
	VLANTag    int    `json:"vlan_tag,omitempty"`
}

type InterfaceRow struct {
	Name    string `json:"name"`
	PortName string `json:"port_name"`
	LinkUp  bool   `json:"link_up"`
}

// BridgeBucket, PortBucket and InterfaceBucket provide typed access to
// their respective tables, each keyed by name.
type BridgeBucket struct{ store Store; bucket string }
type PortBucket struct{ store Store; bucket string }
type InterfaceBucket struct{ store Store; bucket string }

func NewBridgeBucket(s Store) (*BridgeBucket, error) {
	if err := s.CreateBucket(BucketBridge); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &BridgeBucket{store: s, bucket: BucketBridge}, nil
}

func (b *BridgeBucket) Get(name string) (*BridgeRow, error) {
	var row BridgeRow
	if err := b.store.GetJSON(b.bucket, name, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *BridgeBucket) Set(row *BridgeRow) error { return b.store.SetJSON(b.bucket, row.Name, row) }

func NewPortBucket(s Store) (*PortBucket, error) {
	if err := s.CreateBucket(BucketPort); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &PortBucket{store: s, bucket: BucketPort}, nil
}

func (b *PortBucket) Get(name string) (*PortRow, error) {
	var row PortRow
	if err := b.store.GetJSON(b.bucket, name, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *PortBucket) Set(row *PortRow) error { return b.store.SetJSON(b.bucket, row.Name, row) }

func NewInterfaceBucket(s Store) (*InterfaceBucket, error) {
	if err := s.CreateBucket(BucketInterface); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &InterfaceBucket{store: s, bucket: BucketInterface}, nil
}

func (b *InterfaceBucket) Get(name string) (*InterfaceRow, error) {
	var row InterfaceRow
	if err := b.store.GetJSON(b.bucket, name, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *InterfaceBucket) Set(row *InterfaceRow) error {
	return b.store.SetJSON(b.bucket, row.Name, row)
}

// BluetoothConfigRow is the BLE onboarding advertisement row: CM writes
// the onboarding bitmap payload here; the BLE advertising collaborator
// picks it up and pushes it over the air.
type BluetoothConfigRow struct {
	PayloadByte byte `json:"payload_byte"`
}

// BluetoothConfigBucket provides typed access to the single BLE config
// row.
type BluetoothConfigBucket struct {
	store Store
	key   string
}

func NewBluetoothConfigBucket(s Store) (*BluetoothConfigBucket, error) {
	if err := s.CreateBucket(BucketBluetooth); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &BluetoothConfigBucket{store: s, key: "onboarding"}, nil
}

func (b *BluetoothConfigBucket) Set(payload byte) error {
	return b.store.SetJSON(BucketBluetooth, b.key, &BluetoothConfigRow{PayloadByte: payload})
}

func (b *BluetoothConfigBucket) Get() (*BluetoothConfigRow, error) {
	var row BluetoothConfigRow
	if err := b.store.GetJSON(BucketBluetooth, b.key, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// SSLRow is the certificate/key-material row: watched so that downstream
// TLS configurations can be rebuilt whenever material rotates.
type SSLRow struct {
	CertPath   string    `json:"cert_path"`
	KeyPath    string    `json:"key_path"`
	CAPath     string    `json:"ca_path,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SSLBucket provides typed access to the single SSL row and exposes a
// Watch channel so a TLS config rebuilder can react to rotation.
type SSLBucket struct {
	store Store
	key   string
}

func NewSSLBucket(s Store) (*SSLBucket, error) {
	if err := s.CreateBucket(BucketSSL); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &SSLBucket{store: s, key: "ssl"}, nil
}

func (b *SSLBucket) Get() (*SSLRow, error) {
	var row SSLRow
	if err := b.store.GetJSON(BucketSSL, b.key, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *SSLBucket) Set(row *SSLRow) error {
	return b.store.SetJSON(BucketSSL, b.key, row)
}

func (b *SSLBucket) Watch() <-chan Row {
	return b.store.Watch(BucketSSL, b.key)
}
