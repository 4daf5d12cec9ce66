// Package cmmetrics exposes the Connection Manager's own Prometheus
// metrics: disconnect counts, resolve-failure counts, and per-uplink
// unreachable counters. Scraping/exposition of these is a host concern,
// out of scope here; this package only registers and updates them.
package cmmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Connection Manager metrics.
type Registry struct {
	SupervisorState     *prometheus.GaugeVec
	Disconnects         prometheus.Counter
	ManagerRestarts     prometheus.Counter
	ResolveAttempts     *prometheus.CounterVec
	ResolveFailures     *prometheus.CounterVec
	UnreachableLink     *prometheus.GaugeVec
	UnreachableRouter   *prometheus.GaugeVec
	UnreachableInternet *prometheus.GaugeVec
	UnreachableCloud    *prometheus.GaugeVec
	UsedUplinkChanges   prometheus.Counter
	VTagBlocks          prometheus.Counter
	GWOfflineActivations prometheus.Counter
}

var (
	once     sync.Once
	registry *Registry
)

// Get returns the global metrics registry, creating it on first use.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SupervisorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cm_supervisor_state",
		Help: "1 for the Supervisor FSM's current state, 0 for all others",
	}, []string{"state"})

	r.Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_disconnects_total",
		Help: "Total number of times the Supervisor left CONNECTED/INTERNET",
	})

	r.ManagerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_manager_restarts_total",
		Help: "Total number of managers-restart escalations triggered",
	})

	r.ResolveAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_resolve_attempts_total",
		Help: "Address Resolver attempts, by destination",
	}, []string{"destination"})

	r.ResolveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_resolve_failures_total",
		Help: "Address Resolver failures, by destination",
	}, []string{"destination"})

	r.UnreachableLink = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cm_uplink_unreachable_link_counter",
		Help: "Current consecutive link-check failure count, by uplink",
	}, []string{"if_name"})

	r.UnreachableRouter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cm_uplink_unreachable_router_counter",
		Help: "Current consecutive router-check failure count, by uplink",
	}, []string{"if_name"})

	r.UnreachableInternet = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cm_uplink_unreachable_internet_counter",
		Help: "Current consecutive Internet-check failure count, by uplink",
	}, []string{"if_name"})

	r.UnreachableCloud = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cm_uplink_unreachable_cloud_counter",
		Help: "Current consecutive cloud-unreachable count, by uplink",
	}, []string{"if_name"})

	r.UsedUplinkChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_used_uplink_changes_total",
		Help: "Total number of times the Uplink Registry changed its used uplink",
	})

	r.VTagBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_vtag_blocks_total",
		Help: "Total number of times a vtag was blocked after stability failures",
	})

	r.GWOfflineActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_gw_offline_activations_total",
		Help: "Total number of times gateway-offline mode was activated",
	})

	return r
}
