// Package coordinator runs connect and disconnect attempts for subsystems.
// Concurrent callers that need the same connector service share one
// attempt, one credential prompt and one outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/websoft9/connhub/internal/audit"
	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/metrics"
	"github.com/websoft9/connhub/internal/progress"
	"github.com/websoft9/connhub/internal/registry"
	"github.com/websoft9/connhub/internal/subsystem"
)

// Notifier receives connected-status changes. *registry.Registry satisfies it.
type Notifier interface {
	ConnectedStatusChange(registry.StatusChange)
}

// HostChecker reports whether a host is still defined.
// *host.Inventory satisfies it.
type HostChecker interface {
	Exists(h *host.Host) bool
}

// ErrNotConnected is returned to a waiter whose leader finished without
// error but left the service disconnected.
var ErrNotConnected = errors.New("coordinator: connector service not connected")

// Options configures a Coordinator. InFlight is required.
type Options struct {
	InFlight *InFlight
	Notifier Notifier
	Hosts    HostChecker
	// Limiter paces connect attempts across all hosts. Nil means unlimited.
	Limiter *rate.Limiter
	// Monitor builds the progress monitor for one attempt. Nil means none.
	Monitor func(op string, ss *subsystem.SubSystem) progress.Monitor
	// Audit receives connect and disconnect audit records. Defaults to the
	// global logger.
	Audit *zerolog.Logger
	// Actor is recorded on audit entries.
	Actor string
}

// ConnectOptions tunes one connect call.
type ConnectOptions struct {
	ForcePrompt bool
	// NoWait proceeds without waiting when another attempt on the same
	// service is in flight, for callers that must not block. It may cause a
	// duplicate credential prompt.
	NoWait bool
}

// Coordinator implements subsystem.Coordinator.
type Coordinator struct {
	inflight *InFlight
	notifier Notifier
	hosts    HostChecker
	limiter  *rate.Limiter
	monitor  func(op string, ss *subsystem.SubSystem) progress.Monitor
	audit    zerolog.Logger
	actor    string
	jobs     *Jobs
}

var _ subsystem.Coordinator = (*Coordinator)(nil)

func New(opts Options) (*Coordinator, error) {
	if opts.InFlight == nil {
		return nil, fmt.Errorf("coordinator: Options.InFlight must not be nil")
	}
	c := &Coordinator{
		inflight: opts.InFlight,
		notifier: opts.Notifier,
		hosts:    opts.Hosts,
		limiter:  opts.Limiter,
		monitor:  opts.Monitor,
		audit:    log.Logger,
		actor:    opts.Actor,
		jobs:     NewJobs(defaultJobRetention),
	}
	if opts.Audit != nil {
		c.audit = *opts.Audit
	}
	return c, nil
}

func (c *Coordinator) InFlight() *InFlight { return c.inflight }
func (c *Coordinator) Jobs() *Jobs         { return c.jobs }

// Connect connects ss's connector service, waiting for any attempt already
// in flight on it.
func (c *Coordinator) Connect(ctx context.Context, ss *subsystem.SubSystem, forcePrompt bool) error {
	return c.ConnectWithOptions(ctx, ss, ConnectOptions{ForcePrompt: forcePrompt})
}

// ConnectWithOptions is Connect with per-call options.
func (c *Coordinator) ConnectWithOptions(ctx context.Context, ss *subsystem.SubSystem, opts ConnectOptions) error {
	if ss.IsConnected() {
		return nil
	}
	svc := ss.ConnectorService()
	h := ss.Host()
	if c.hosts != nil && !c.hosts.Exists(h) {
		return connector.NewError(connector.KindAlreadyDeleted, "connect", h.Name, connector.ErrHostDeleted)
	}
	if h.Offline {
		return connector.NewError(connector.KindConnectFailed, "connect", h.Name, connector.ErrOffline)
	}

	claim, leader := c.inflight.TryClaim(svc)
	if !leader {
		if !opts.NoWait {
			return c.join(ctx, ss, claim)
		}
		log.Debug().Str("host", h.Name).Str("subsystem", ss.Name()).
			Msg("coordinator: connect in flight, proceeding without waiting")
		return c.attempt(ctx, ss, opts.ForcePrompt)
	}

	var err error
	defer func() { c.inflight.Release(svc, claim, err) }()
	if ss.IsConnected() {
		return nil
	}
	err = c.attempt(ctx, ss, opts.ForcePrompt)
	return err
}

// join waits for the leader's attempt and returns its outcome.
func (c *Coordinator) join(ctx context.Context, ss *subsystem.SubSystem, claim *Claim) error {
	h := ss.Host()
	select {
	case <-claim.Done():
	case <-ctx.Done():
		return connector.NewError(connector.KindCancelled, "connect", h.Name, ctx.Err())
	}
	metrics.ObserveConnect(ss.ConnectorService().CapabilityKey(), metrics.OutcomeJoined, 0)
	if ss.IsConnected() {
		return nil
	}
	if err := claim.Err(); err != nil {
		return err
	}
	return connector.NewError(connector.KindConnectFailed, "connect", h.Name, ErrNotConnected)
}

// attempt acquires credentials, connects and notifies listeners.
func (c *Coordinator) attempt(ctx context.Context, ss *subsystem.SubSystem, forcePrompt bool) error {
	svc := ss.ConnectorService()
	h := ss.Host()
	capKey := svc.CapabilityKey()
	start := time.Now()

	err := c.connect(ctx, ss, forcePrompt)

	outcome := metrics.OutcomeSuccess
	switch {
	case connector.IsCancelled(err):
		outcome = metrics.OutcomeCancelled
		log.Info().Str("host", h.Name).Str("subsystem", ss.Name()).Msg("coordinator: connect cancelled")
	case err != nil:
		outcome = metrics.OutcomeFailure
		log.Error().Err(err).Str("host", h.Name).Str("subsystem", ss.Name()).
			Str("capability", capKey).Msg("coordinator: connect failed")
	default:
		log.Info().Str("host", h.Name).Str("subsystem", ss.Name()).
			Dur("elapsed", time.Since(start)).Msg("coordinator: connected")
	}
	metrics.ObserveConnect(capKey, outcome, time.Since(start))
	c.writeAudit(audit.ActionConnect, ss, err)
	return err
}

func (c *Coordinator) connect(ctx context.Context, ss *subsystem.SubSystem, forcePrompt bool) error {
	svc := ss.ConnectorService()
	h := ss.Host()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return connector.Wrap(connector.KindCancelled, "connect", h.Name, err)
		}
	}
	if err := svc.AcquireCredentials(ctx, forcePrompt); err != nil {
		return connector.Wrap(connector.KindAuthenticationFailed, "sign on", h.Name, err)
	}
	if err := svc.Connect(ctx, c.progressFor("connect", ss)); err != nil {
		return err
	}
	if err := svc.Commit(ctx); err != nil {
		log.Warn().Err(err).Str("host", h.Name).Msg("coordinator: save connection attributes")
	}
	if c.notifier != nil {
		c.notifier.ConnectedStatusChange(registry.StatusChange{
			Host:      h,
			SubSystem: ss.Name(),
			Service:   svc,
			Connected: true,
		})
	}
	return nil
}

// Disconnect disconnects ss's connector service and resets it. The
// connection-error flag is cleared on every path.
func (c *Coordinator) Disconnect(ctx context.Context, ss *subsystem.SubSystem, collapse bool) error {
	svc := ss.ConnectorService()
	h := ss.Host()
	defer svc.SetConnectionError(false)

	err := svc.Disconnect(ctx, c.progressFor("disconnect", ss), false)
	svc.Reset()
	if c.notifier != nil {
		c.notifier.ConnectedStatusChange(registry.StatusChange{
			Host:      h,
			SubSystem: ss.Name(),
			Service:   svc,
			Connected: false,
			Collapse:  collapse,
		})
	}

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		log.Warn().Err(err).Str("host", h.Name).Str("subsystem", ss.Name()).Msg("coordinator: disconnect failed")
	}
	metrics.DisconnectsTotal.WithLabelValues(svc.CapabilityKey(), outcome).Inc()
	c.writeAudit(audit.ActionDisconnect, ss, err)
	return err
}

func (c *Coordinator) progressFor(op string, ss *subsystem.SubSystem) progress.Monitor {
	if c.monitor == nil {
		return progress.Nop
	}
	return progress.OrNop(c.monitor(op, ss))
}

func (c *Coordinator) writeAudit(action string, ss *subsystem.SubSystem, err error) {
	var detail map[string]any
	if err != nil {
		detail = map[string]any{
			"error": err.Error(),
			"kind":  connector.KindOf(err).String(),
		}
	}
	audit.Write(c.audit, audit.Entry{
		Actor:        c.actor,
		Action:       action,
		ResourceType: "subsystem",
		ResourceID:   ss.ConnectorService().ID(),
		ResourceName: ss.String(),
		Status:       audit.StatusFor(err, connector.IsCancelled(err)),
		Detail:       detail,
	})
}
