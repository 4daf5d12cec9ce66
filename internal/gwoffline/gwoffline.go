// Package gwoffline implements the gateway-offline fallback: on
// extenders that cannot reach the cloud, once restart attempts have
// repeatedly failed, activate a local offline-gateway configuration
// instead of continuing to restart managers.
package gwoffline

import (
	"context"

	"grimm.is/cm2/internal/logging"
)

// RetryThreshold is GW_OFFLINE_RETRY_THRESHOLD: the number of
// consecutive failed managers-restart attempts after which offline-gw
// activation is attempted instead.
const RetryThreshold = 3

// Collaborator is the host-side capability the Supervisor delegates to:
// it knows whether an offline-gw configuration exists and is ready to
// apply, and can apply or tear it down.
type Collaborator interface {
	Ready(ctx context.Context) (bool, error)
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
}

// Controller tracks the consecutive-failure count and decides whether
// the next restart attempt should instead activate offline-gw mode.
type Controller struct {
	collaborator Collaborator
	log          *logging.Logger

	failures int
	active   bool
}

// New creates a Controller. A nil collaborator makes ShouldActivate
// always report false, so callers without the host capability wired fall
// straight through to a managers restart.
func New(collaborator Collaborator, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Default()
	}
	return &Controller{collaborator: collaborator, log: log.WithComponent("gwoffline")}
}

// RecordRestartFailure bumps the consecutive-failure count. Call this
// each time a managers-restart escalation fails to restore connectivity.
func (c *Controller) RecordRestartFailure() {
	c.failures++
}

// RecordConnected resets the failure count and deactivates offline-gw
// mode if it was active, per "reset once cloud connectivity returns".
func (c *Controller) RecordConnected(ctx context.Context) {
	c.failures = 0
	if c.active && c.collaborator != nil {
		if err := c.collaborator.Deactivate(ctx); err != nil {
			c.log.Warn("failed to deactivate offline-gw mode", "err", err)
		}
		c.active = false
	}
}

// Evaluate decides whether offline-gw mode should be activated in place
// of the next managers-restart attempt: true once RetryThreshold
// consecutive failures have accumulated and the collaborator reports the
// configuration is present and ready. If the readiness check itself
// fails or reports not-ready, the caller falls through to a managers
// restart, per spec.
func (c *Controller) Evaluate(ctx context.Context) bool {
	if c.collaborator == nil || c.failures < RetryThreshold {
		return false
	}
	ready, err := c.collaborator.Ready(ctx)
	if err != nil || !ready {
		return false
	}
	if err := c.collaborator.Activate(ctx); err != nil {
		c.log.Warn("failed to activate offline-gw mode", "err", err)
		return false
	}
	c.active = true
	c.log.Info("activated offline-gw mode", "consecutive_failures", c.failures)
	return true
}

// Active reports whether offline-gw mode is currently applied.
func (c *Controller) Active() bool { return c.active }
