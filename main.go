// Command cm2 runs the Connection Manager core as a standalone daemon:
// it loads its static configuration, opens its local state store, wires
// every collaborator package together, and drives the Supervisor FSM
// until signalled to stop.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/cm2/internal/ble"
	"grimm.is/cm2/internal/clock"
	"grimm.is/cm2/internal/cmconfig"
	"grimm.is/cm2/internal/cmmetrics"
	"grimm.is/cm2/internal/cmstate"
	"grimm.is/cm2/internal/cmtls"
	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/dhcpdryrun"
	"grimm.is/cm2/internal/events"
	"grimm.is/cm2/internal/gwoffline"
	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/probe"
	"grimm.is/cm2/internal/resolver"
	"grimm.is/cm2/internal/routing"
	"grimm.is/cm2/internal/stability"
	"grimm.is/cm2/internal/store"
	"grimm.is/cm2/internal/supervisor"
	"grimm.is/cm2/internal/uplinkreg"
	"grimm.is/cm2/internal/watchdog"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/cm2/cm2.hcl", "path to the static HCL configuration")
		dbPath     = flag.String("db", "", "path to the SQLite state database (empty uses an in-memory store)")
		metricsAddr = flag.String("metrics-addr", ":9200", "address to serve /metrics on, empty disables it")
		isExtender = flag.Bool("extender", true, "whether this device is an extender (vs. a gateway with direct Internet)")
	)
	flag.Parse()

	log := logging.New(logging.DefaultConfig())
	logging.SetDefault(log)

	cfg, err := cmconfig.Load(*configPath)
	if err != nil {
		cfg = cmconfig.Default()
		log.Warn("failed to load configuration, using defaults", "path", *configPath, "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		startMetricsServer(*metricsAddr, log)
	}

	clk := &clock.RealClock{}

	backingStore, err := openStore(*dbPath, clk)
	if err != nil {
		log.Error("failed to open state store", "err", err)
		os.Exit(1)
	}
	defer backingStore.Close()

	awlanBucket, err := store.NewAWLANBucket(backingStore)
	if err != nil {
		log.Error("failed to open awlan bucket", "err", err)
		os.Exit(1)
	}
	managerBucket, err := store.NewManagerBucket(backingStore)
	if err != nil {
		log.Error("failed to open manager bucket", "err", err)
		os.Exit(1)
	}
	uplinkBucket, err := store.NewUplinkBucket(backingStore)
	if err != nil {
		log.Error("failed to open uplink bucket", "err", err)
		os.Exit(1)
	}
	bluetoothBucket, err := store.NewBluetoothConfigBucket(backingStore)
	if err != nil {
		log.Error("failed to open bluetooth bucket", "err", err)
		os.Exit(1)
	}
	sslBucket, err := store.NewSSLBucket(backingStore)
	if err != nil {
		log.Error("failed to open ssl bucket", "err", err)
		os.Exit(1)
	}

	hub := events.NewHub()

	resolverBackend := newResolverBackend(cfg, log)
	addrResolver := resolver.New(resolverBackend, log)

	netlinker := &routing.RealNetlinker{}
	routePusher := routing.NewPusher(netlinker, log)

	registry := uplinkreg.New(routePusher, hub, log)
	loadUplinksFromStore(registry, uplinkBucket, log)

	metrics := cmmetrics.Get()
	go runMetricsSubscriber(ctx, hub, metrics)

	pingTimeout := time.Second
	if cfg.Probe != nil && cfg.Probe.PingTimeoutSec > 0 {
		pingTimeout = time.Duration(cfg.Probe.PingTimeoutSec) * time.Second
	}
	reachability := &stability.ReachabilityProber{Targets: stability.Targets{
		RouterV4:    cfg.Probe.RouterV4,
		RouterV6:    cfg.Probe.RouterV6,
		InternetV4:  cfg.Probe.InternetV4,
		InternetV6:  cfg.Probe.InternetV6,
		NTPServer:   cfg.Probe.NTPServer,
		PingTimeout: pingTimeout,
	}}

	dhcpTimeout := 5 * time.Second
	dhcpRunner := dhcpdryrun.NewRunner(dhcpTimeout, log)

	var pinger watchdog.Pinger = watchdog.NoopPinger{}
	if cfg.WatchdogDevice != "" {
		if p, err := watchdog.Open(cfg.WatchdogDevice); err != nil {
			log.Warn("failed to open watchdog device, continuing without one", "device", cfg.WatchdogDevice, "err", err)
		} else {
			pinger = p
			defer pinger.Close()
		}
	}
	go runWatchdogLoop(ctx, pinger, 10*time.Second, log)

	threshCPU := stability.DefaultThreshCPU
	if cfg.Thresholds != nil && cfg.Thresholds.CPU != "" {
		threshCPU = cfg.Thresholds.CPU
	}
	actions := &monitorActions{managers: managerAdapter{bucket: managerBucket}, dhcp: dhcpRunner, log: log}
	monitor := stability.NewMonitor(registry, actions, hub, threshCPU, log)
	probePool := probe.NewPool(poolSize(cfg), log)
	go runStabilityLoop(ctx, registry, reachability, probePool, monitor, log)

	beaconWriter := ble.NewBucketWriter(bluetoothBucket)
	beacon := ble.New(beaconWriter, hub, log)

	tlsManager := cmtls.NewManager(log)
	tlsStop := make(chan struct{})
	defer close(tlsStop)
	go tlsManager.Watch(sslBucket, tlsStop)

	gwOffline := gwoffline.New(nil, log)

	stateWriter := cmstate.NewWriter(stateDir(cfg))

	sup := supervisor.New(supervisor.Config{
		IsExtender: *isExtender,
		MinBackoff: 2 * time.Second,
		MaxBackoff: 30 * time.Second,
	}, supervisor.Collaborators{
		Resolver:     addrResolver,
		Registry:     registry,
		ManagerStore: managerAdapter{bucket: managerBucket},
		Restarter:    noopRestarter{log: log},
		Prober:       linkProberAdapter{prober: reachability},
		VTagPort:     noopVTagPort{log: log},
		DHCP:         dhcpRefreshAdapter{runner: dhcpRunner},
		Bridge:       nil,
		GWOffline:    gwOffline,
		Beacon:       beacon,
		Hub:          hub,
		StateWriter:  stateWriter,
		Log:          log,
	})

	driverTimer := 120 * time.Second
	if cfg.Timers != nil && cfg.Timers.UplinksTimerTimeoutSec > 0 {
		driverTimer = time.Duration(cfg.Timers.UplinksTimerTimeoutSec) * time.Second
	}
	driver := supervisor.NewDriver(sup, registry, hub, awlanBucket, managerBucket, supervisor.DriverConfig{
		IsExtender:   *isExtender,
		UplinksTimer: driverTimer,
	}, log)

	log.Info("connection manager starting", "extender", *isExtender, "config", *configPath)
	driver.Run(ctx)
	log.Info("connection manager stopped")
}

func openStore(path string, clk clock.Clock) (store.Store, error) {
	if path == "" {
		return store.NewMemStore(clk), nil
	}
	s, err := store.NewSQLiteStore(path, clk)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newResolverBackend(cfg cmconfig.Config, log *logging.Logger) resolver.Backend {
	timeout := 5 * time.Second
	var nameservers []string
	if cfg.Resolver != nil {
		if cfg.Resolver.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.Resolver.TimeoutSeconds) * time.Second
		}
		nameservers = cfg.Resolver.Nameservers
	}
	if cfg.Resolver != nil && cfg.Resolver.Backend == "async" {
		return &resolver.AsyncBackend{Nameservers: nameservers, Timeout: timeout}
	}
	return &resolver.BlockingBackend{}
}

func poolSize(cfg cmconfig.Config) int {
	if cfg.Probe != nil && cfg.Probe.PoolSize > 0 {
		return cfg.Probe.PoolSize
	}
	return 4
}

func stateDir(cfg cmconfig.Config) string {
	if cfg.StateDir != "" {
		return cfg.StateDir
	}
	return "/tmp/plume"
}

func loadUplinksFromStore(registry *uplinkreg.Registry, bucket *store.UplinkBucket, log *logging.Logger) {
	rows, err := bucket.List()
	if err != nil {
		log.Warn("failed to list uplink rows at startup", "err", err)
		return
	}
	for _, row := range rows {
		registry.Upsert(&cmtypes.Uplink{
			IfName:     row.IfName,
			IfType:     cmtypes.IfType(row.IfType),
			BridgeName: row.BridgeName,
			HasL2:      row.HasL2,
			IsUsed:     row.IsUsed,
			Priority:   row.Priority,
		})
	}
}

func startMetricsServer(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
}

func runWatchdogLoop(ctx context.Context, p watchdog.Pinger, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Ping(); err != nil {
				log.Warn("watchdog ping failed", "err", err)
			}
		}
	}
}

func runStabilityLoop(ctx context.Context, registry *uplinkreg.Registry, prober stability.Prober, pool *probe.Pool, monitor *stability.Monitor, log *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pool.Close()
			return
		case <-ticker.C:
			for _, u := range registry.All() {
				mask := probe.LinkCheck | probe.RouterCheck | probe.InternetCheck
				ifName := u.IfName
				pool.Submit(ctx, probe.Task{
					IfName: ifName,
					Mask:   mask,
					Run: func(ctx context.Context) (probe.ResultMask, error) {
						return prober.Check(ctx, ifName, mask)
					},
				})
			}
		case result := <-pool.Results():
			monitor.ProcessResult(ctx, result.IfName, result.Mask, result.Value, false)
		}
	}
}

// runMetricsSubscriber mirrors Supervisor state changes and manager
// restarts onto the Prometheus registry until ctx is cancelled.
func runMetricsSubscriber(ctx context.Context, hub *events.Hub, metrics *cmmetrics.Registry) {
	ch := hub.Subscribe(16, events.EventStateChange, events.EventManagerRestart, events.EventGatewayOffline)
	defer hub.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventStateChange:
				data, ok := ev.Data.(events.StateChangeData)
				if !ok {
					continue
				}
				metrics.SupervisorState.Reset()
				metrics.SupervisorState.WithLabelValues(data.To).Set(1)
				if data.From == string(cmtypes.StateConnected) || data.From == string(cmtypes.StateInternet) {
					metrics.Disconnects.Inc()
				}
			case events.EventManagerRestart:
				metrics.ManagerRestarts.Inc()
			case events.EventGatewayOffline:
				metrics.GWOfflineActivations.Inc()
			}
		}
	}
}
