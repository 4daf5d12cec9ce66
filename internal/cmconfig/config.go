// Package cmconfig loads the Connection Manager's static configuration:
// probe targets, escalation thresholds, timer intervals, and the runtime
// paths it needs at startup. It is HCL-tagged and decoded the way the
// teacher decodes its own configuration files, but unlike the teacher's
// round-trip-editable ConfigFile, this config is read once at startup
// and never written back.
package cmconfig

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the Connection Manager's full static configuration. Every
// block is optional in the file; Load merges whatever is present onto
// Default(), field by field, so a file only needs to name the settings
// it wants to override.
type Config struct {
	StateDir       string `hcl:"state_dir,optional"`
	WatchdogDevice string `hcl:"watchdog_device,optional"`

	Probe      *ProbeConfig     `hcl:"probe,block"`
	Thresholds *ThresholdConfig `hcl:"thresholds,block"`
	Timers     *TimerConfig     `hcl:"timers,block"`
	Resolver   *ResolverConfig  `hcl:"resolver,block"`
}

// ProbeConfig configures the Stability Monitor's reachability targets.
type ProbeConfig struct {
	RouterV4       string `hcl:"router_v4,optional"`
	RouterV6       string `hcl:"router_v6,optional"`
	InternetV4     string `hcl:"internet_v4,optional"`
	InternetV6     string `hcl:"internet_v6,optional"`
	NTPServer      string `hcl:"ntp_server,optional"`
	PingTimeoutSec int    `hcl:"ping_timeout_seconds,optional"`
	PoolSize       int    `hcl:"pool_size,optional"`
}

// ThresholdConfig configures the counter/escalation ladders.
type ThresholdConfig struct {
	Link     int    `hcl:"link,optional"`
	Router   int    `hcl:"router,optional"`
	Internet int    `hcl:"internet,optional"`
	Fatal    int    `hcl:"fatal,optional"`
	TCPDump  int    `hcl:"tcpdump,optional"`
	VTag     int    `hcl:"vtag,optional"`
	CPU      string `hcl:"cpu,optional"`
}

// TimerConfig configures the Supervisor's tick schedule.
type TimerConfig struct {
	StabilityIntervalSec   int `hcl:"stability_interval_seconds,optional"`
	ShortIntervalSec       int `hcl:"short_interval_seconds,optional"`
	UplinksTimerTimeoutSec int `hcl:"uplinks_timer_timeout_seconds,optional"`
	CheckingAllThreshold   int `hcl:"checking_all_threshold,optional"`
	WDTIntervalSec         int `hcl:"wdt_interval_seconds,optional"`
}

// ResolverConfig selects and configures the Address Resolver's DNS
// back-end.
type ResolverConfig struct {
	Backend        string   `hcl:"backend,optional"` // "blocking" or "async"
	Nameservers    []string `hcl:"nameservers,optional"`
	TimeoutSeconds int      `hcl:"timeout_seconds,optional"`
}

// Default returns a Config populated with the spec's documented
// defaults, used whenever a file doesn't set a given field explicitly.
func Default() Config {
	return Config{
		StateDir:       "/tmp/plume",
		WatchdogDevice: "/dev/watchdog",
		Probe: &ProbeConfig{
			PingTimeoutSec: 1,
			PoolSize:       4,
		},
		Thresholds: &ThresholdConfig{
			Link:     3,
			Router:   4,
			Internet: 4,
			Fatal:    6,
			TCPDump:  3,
			VTag:     2,
			CPU:      "2.5",
		},
		Timers: &TimerConfig{
			StabilityIntervalSec:   30,
			ShortIntervalSec:       5,
			UplinksTimerTimeoutSec: 120,
			CheckingAllThreshold:   5,
			WDTIntervalSec:         10,
		},
		Resolver: &ResolverConfig{
			Backend:        "blocking",
			TimeoutSeconds: 5,
		},
	}
}

// Load decodes an HCL configuration file at path and merges whatever it
// sets onto Default(): any block or field the file omits keeps its
// default value, rather than a present-but-sparse block zeroing out the
// rest of that block's fields.
func Load(path string) (Config, error) {
	var file Config
	if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
		return Config{}, fmt.Errorf("cmconfig: decode %s: %w", path, err)
	}
	return merge(Default(), file), nil
}

func merge(base, over Config) Config {
	if over.StateDir != "" {
		base.StateDir = over.StateDir
	}
	if over.WatchdogDevice != "" {
		base.WatchdogDevice = over.WatchdogDevice
	}
	if over.Probe != nil {
		mergeProbe(base.Probe, over.Probe)
	}
	if over.Thresholds != nil {
		mergeThresholds(base.Thresholds, over.Thresholds)
	}
	if over.Timers != nil {
		mergeTimers(base.Timers, over.Timers)
	}
	if over.Resolver != nil {
		mergeResolver(base.Resolver, over.Resolver)
	}
	return base
}

func mergeProbe(base, over *ProbeConfig) {
	if over.RouterV4 != "" {
		base.RouterV4 = over.RouterV4
	}
	if over.RouterV6 != "" {
		base.RouterV6 = over.RouterV6
	}
	if over.InternetV4 != "" {
		base.InternetV4 = over.InternetV4
	}
	if over.InternetV6 != "" {
		base.InternetV6 = over.InternetV6
	}
	if over.NTPServer != "" {
		base.NTPServer = over.NTPServer
	}
	if over.PingTimeoutSec != 0 {
		base.PingTimeoutSec = over.PingTimeoutSec
	}
	if over.PoolSize != 0 {
		base.PoolSize = over.PoolSize
	}
}

func mergeThresholds(base, over *ThresholdConfig) {
	if over.Link != 0 {
		base.Link = over.Link
	}
	if over.Router != 0 {
		base.Router = over.Router
	}
	if over.Internet != 0 {
		base.Internet = over.Internet
	}
	if over.Fatal != 0 {
		base.Fatal = over.Fatal
	}
	if over.TCPDump != 0 {
		base.TCPDump = over.TCPDump
	}
	if over.VTag != 0 {
		base.VTag = over.VTag
	}
	if over.CPU != "" {
		base.CPU = over.CPU
	}
}

func mergeTimers(base, over *TimerConfig) {
	if over.StabilityIntervalSec != 0 {
		base.StabilityIntervalSec = over.StabilityIntervalSec
	}
	if over.ShortIntervalSec != 0 {
		base.ShortIntervalSec = over.ShortIntervalSec
	}
	if over.UplinksTimerTimeoutSec != 0 {
		base.UplinksTimerTimeoutSec = over.UplinksTimerTimeoutSec
	}
	if over.CheckingAllThreshold != 0 {
		base.CheckingAllThreshold = over.CheckingAllThreshold
	}
	if over.WDTIntervalSec != 0 {
		base.WDTIntervalSec = over.WDTIntervalSec
	}
}

func mergeResolver(base, over *ResolverConfig) {
	if over.Backend != "" {
		base.Backend = over.Backend
	}
	if len(over.Nameservers) > 0 {
		base.Nameservers = over.Nameservers
	}
	if over.TimeoutSeconds != 0 {
		base.TimeoutSeconds = over.TimeoutSeconds
	}
}

// PingTimeout returns Probe.PingTimeoutSec as a time.Duration.
func (c ProbeConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSec) * time.Second
}

// StabilityInterval returns Timers.StabilityIntervalSec as a time.Duration.
func (c TimerConfig) StabilityInterval() time.Duration {
	return time.Duration(c.StabilityIntervalSec) * time.Second
}

// ShortInterval returns Timers.ShortIntervalSec as a time.Duration.
func (c TimerConfig) ShortInterval() time.Duration {
	return time.Duration(c.ShortIntervalSec) * time.Second
}

// UplinksTimerTimeout returns Timers.UplinksTimerTimeoutSec as a time.Duration.
func (c TimerConfig) UplinksTimerTimeout() time.Duration {
	return time.Duration(c.UplinksTimerTimeoutSec) * time.Second
}

// WDTInterval returns Timers.WDTIntervalSec as a time.Duration.
func (c TimerConfig) WDTInterval() time.Duration {
	return time.Duration(c.WDTIntervalSec) * time.Second
}
