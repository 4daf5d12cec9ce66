package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"grimm.is/cm2/internal/cmtypes"
	"grimm.is/cm2/internal/events"
	"grimm.is/cm2/internal/logging"
	"grimm.is/cm2/internal/scheduler"
	"grimm.is/cm2/internal/store"
	"grimm.is/cm2/internal/uplinkreg"
)

// DriverConfig is the Driver's static wiring, distinct from the
// Supervisor's own Config (which tracks the mutable AWLAN-sourced
// is_extender/backoff fields).
type DriverConfig struct {
	IsExtender       bool
	UplinksTimer     time.Duration // UPLINKS_TIMER_TIMEOUT, default 120s
}

// Driver is the single-threaded event loop described in §5: it owns the
// 1-second tick, the configuration store's watch channels, and the
// Uplink Registry's periodic priority recalculation, translating each
// into a Supervisor.Step call. Mirrors the teacher's service select-loop
// idiom (one goroutine, one select); the only I/O a handler waits on is
// the Supervisor's bounded synchronous probes, DHCP refreshes and store
// calls.
type Driver struct {
	sup      *Supervisor
	registry *uplinkreg.Registry
	hub      *events.Hub
	log      *logging.Logger

	awlan   *store.AWLANBucket
	manager *store.ManagerBucket

	cfg DriverConfig

	linksSchedule *scheduler.IntervalSchedule
}

// NewDriver wires a Driver around an already-constructed Supervisor.
func NewDriver(sup *Supervisor, registry *uplinkreg.Registry, hub *events.Hub, awlan *store.AWLANBucket, manager *store.ManagerBucket, cfg DriverConfig, log *logging.Logger) *Driver {
	if log == nil {
		log = logging.Default()
	}
	if cfg.UplinksTimer <= 0 {
		cfg.UplinksTimer = 120 * time.Second
	}
	return &Driver{
		sup:           sup,
		registry:      registry,
		hub:           hub,
		awlan:         awlan,
		manager:       manager,
		cfg:           cfg,
		linksSchedule: scheduler.Every(cfg.UplinksTimer),
		log:           log.WithComponent("supervisor.driver"),
	}
}

// Run drives the Supervisor until ctx is cancelled. It loads the initial
// AWLAN/Manager rows (if present) before entering the event loop so a
// cold start doesn't wait a full tick for prerequisites.
func (d *Driver) Run(ctx context.Context) {
	if row, err := d.awlan.Get(); err == nil && row != nil {
		d.sup.OnAWLANChange(row.RedirectorURI, row.MinBackoff, row.MaxBackoff, d.cfg.IsExtender)
	}
	if row, err := d.manager.Get(); err == nil && row != nil {
		d.sup.OnManagerChange(row.ManagerURI)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	awlanCh := d.awlan.Watch()
	managerCh := d.manager.Watch()

	var usedCh <-chan events.Event
	if d.hub != nil {
		usedCh = d.hub.Subscribe(8, events.EventUplinkUsedChanged)
		defer d.hub.Unsubscribe(usedCh)
	}

	nextLinksRecalc := d.linksSchedule.Next(time.Now())

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.sup.Step(ctx, cmtypes.ReasonTimer)
			if now := time.Now(); !now.Before(nextLinksRecalc) {
				d.registry.RecalcLinks(false)
				nextLinksRecalc = d.linksSchedule.Next(now)
			}

		case row, ok := <-awlanCh:
			if !ok {
				awlanCh = nil
				continue
			}
			d.handleAWLANRow(ctx, row)

		case row, ok := <-managerCh:
			if !ok {
				managerCh = nil
				continue
			}
			d.handleManagerRow(ctx, row)

		case ev, ok := <-usedCh:
			if !ok {
				usedCh = nil
				continue
			}
			d.handleUsedChanged(ctx, ev)
		}
	}
}

func (d *Driver) handleAWLANRow(ctx context.Context, row store.Row) {
	if row.Deleted {
		return
	}
	var parsed store.AWLANRow
	if err := json.Unmarshal(row.Value, &parsed); err != nil {
		d.log.Warn("failed to decode awlan row", "err", err)
		return
	}
	d.sup.OnAWLANChange(parsed.RedirectorURI, parsed.MinBackoff, parsed.MaxBackoff, d.cfg.IsExtender)
	d.sup.Step(ctx, cmtypes.ReasonConfigChange)
}

func (d *Driver) handleManagerRow(ctx context.Context, row store.Row) {
	if row.Deleted {
		return
	}
	var parsed store.ManagerRow
	if err := json.Unmarshal(row.Value, &parsed); err != nil {
		d.log.Warn("failed to decode manager row", "err", err)
		return
	}
	d.sup.OnManagerChange(parsed.ManagerURI)
	d.sup.Step(ctx, cmtypes.ReasonManagerChange)
}

func (d *Driver) handleUsedChanged(ctx context.Context, ev events.Event) {
	data, ok := ev.Data.(events.UplinkUsedChangedData)
	if !ok {
		return
	}
	if data.CurrentName == "" {
		d.sup.Step(ctx, cmtypes.ReasonLinkNotUsed)
		return
	}
	d.sup.Step(ctx, cmtypes.ReasonLinkUsed)
}
