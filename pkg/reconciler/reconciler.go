package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/herdops/herd/pkg/auth"
	"github.com/herdops/herd/pkg/config"
	"github.com/herdops/herd/pkg/drift"
	"github.com/herdops/herd/pkg/log"
	"github.com/herdops/herd/pkg/metrics"
	"github.com/herdops/herd/pkg/tlsmat"
	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/workload"
)

var (
	// ErrDeferred signals that the workload substrate was unreachable and
	// the whole invocation should be retried on the next trigger.
	ErrDeferred = errors.New("workload unavailable, reconcile deferred")

	// ErrPluginNotDeclared means no plugin artifact is configured.
	ErrPluginNotDeclared = errors.New("plugin artifact not declared")

	// ErrPluginUnavailable means a declared artifact could not be fetched.
	ErrPluginUnavailable = errors.New("plugin artifact unavailable")
)

// State is the engine's view of replicated cluster state: the full
// cluster context for rendering, plus the unit-scoped keys only this
// unit may write.
type State interface {
	Context() (*types.ClusterContext, error)
	Unit() (*types.Unit, error)
	SetShouldRestart(value bool) error

	// ClearCertificate drops the cached issued certificate after a
	// renewal request so the stale material cannot be re-applied.
	ClearCertificate() error
}

// Restarter enqueues a serialized restart for this unit.
type Restarter interface {
	RequestRestart() error
}

// ClientPropagator publishes connector-relevant data (worker addresses,
// REST credentials) to downstream client relations.
type ClientPropagator interface {
	PublishConnectData(cluster *types.ClusterContext) error
}

// PluginSource fetches the declared connector plugin artifact into the
// worker's plugin directory. Implementations return ErrPluginNotDeclared
// or ErrPluginUnavailable to distinguish the two non-fatal misses.
type PluginSource interface {
	Fetch(ctx context.Context, destDir string) error
}

// Config wires the engine's collaborators.
type Config struct {
	UnitID     string
	State      State
	Supervisor workload.Supervisor
	Properties *config.Manager
	TLS        *tlsmat.Manager
	Auth       *auth.Manager
	Restarter  Restarter

	// Optional collaborators; nil skips the corresponding step.
	Propagator ClientPropagator
	Plugins    PluginSource
	CertCA     tlsmat.Requester

	// Degraded reports whether the last serialized restart left the
	// worker unhealthy; surfaced through status collection.
	Degraded func() bool
}

// Engine converges the unit to desired state. Reconcile is idempotent:
// running it twice against the same inputs performs the mutations once
// and never requests a second restart for the same drift.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a reconciliation engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: log.WithComponent("reconciler").With().Str("unit_id", cfg.UnitID).Logger(),
	}
}

// Reconcile runs one full convergence pass. The step order is fixed;
// steps that find nothing to do fall through to the next.
func (e *Engine) Reconcile(ctx context.Context) error {
	started := time.Now()
	metrics.ReconcileCyclesTotal.Inc()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}()

	if !e.cfg.Supervisor.Available() {
		metrics.ReconcileDeferredTotal.Inc()
		e.logger.Debug().Msg("workload not available yet")
		return ErrDeferred
	}

	cluster, err := e.cfg.State.Context()
	if err != nil {
		return fmt.Errorf("failed to load cluster context: %w", err)
	}
	unit, err := e.cfg.State.Unit()
	if err != nil {
		return fmt.Errorf("failed to load unit state: %w", err)
	}

	// 1. Plugin sync. Fetch misses are logged, never fatal: a worker
	// without its connector plugin still converges everything else.
	e.syncPlugins(ctx)

	// 2. Client propagation.
	if e.cfg.Propagator != nil {
		if err := e.cfg.Propagator.PublishConnectData(cluster); err != nil {
			return fmt.Errorf("failed to publish client data: %w", err)
		}
	}

	// 3. TLS SAN-change check. A renewal short-circuits the pass: the
	// certificate-available trigger re-enters reconcile once the new
	// material lands, and clearing the cached certificate keeps the
	// request from repeating in the meantime. Without an issuer wired
	// nothing could ever deliver new material, so the step is skipped
	// entirely and the worker keeps serving the certificate it has.
	if cluster.App.TLSEnabled && e.cfg.CertCA != nil && e.cfg.TLS.SANsChanged(unit) {
		sans := e.cfg.TLS.RequiredSANs(unit)
		e.logger.Info().Strs("sans", sans).Msg("SAN set changed, requesting certificate renewal")

		if err := e.cfg.CertCA.RequestRenewal(unit.ID, sans); err != nil {
			return fmt.Errorf("failed to request certificate renewal: %w", err)
		}
		if err := e.cfg.State.ClearCertificate(); err != nil {
			return fmt.Errorf("failed to clear cached certificate: %w", err)
		}
		metrics.CertRenewalsTotal.Inc()
		return nil
	}

	// 4. Drift detection.
	desired := e.cfg.Properties.Properties(cluster, unit)
	applied, err := e.cfg.Properties.Applied()
	if err != nil {
		return fmt.Errorf("failed to read applied configuration: %w", err)
	}
	if drift.Detected(desired, applied) && !unit.ShouldRestart {
		e.logger.Info().Msg("configuration drift detected")
		metrics.DriftDetectedTotal.Inc()
		if err := e.cfg.State.SetShouldRestart(true); err != nil {
			return fmt.Errorf("failed to flag restart: %w", err)
		}
		unit.ShouldRestart = true
	}

	// 5. Restart precondition. The flag survives an unready cluster so
	// the restart happens once the dependency completes.
	if !unit.ShouldRestart {
		return nil
	}
	if !cluster.Ready() {
		e.logger.Info().Str("status", cluster.Status().Message).Msg("cluster not ready, restart pending")
		return nil
	}

	// 6. Apply: credentials, TLS material, then the final rendered
	// configuration, all before any restart request.
	if cluster.App.AdminPassword != "" {
		if err := e.cfg.Auth.Enable(&cluster.App); err != nil {
			return fmt.Errorf("failed to enable REST authentication: %w", err)
		}
	}
	if err := e.cfg.TLS.Configure(unit); err != nil {
		return fmt.Errorf("failed to apply TLS material: %w", err)
	}
	if err := e.cfg.Properties.Configure(cluster, unit); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	// 7. Request a serialized restart. Fire-and-forget: the coordinator
	// owns everything from the lock queue onward.
	if err := e.cfg.Restarter.RequestRestart(); err != nil {
		e.logger.Error().Err(err).Msg("failed to enqueue restart request")
	}
	return nil
}

func (e *Engine) syncPlugins(ctx context.Context) {
	if e.cfg.Plugins == nil {
		return
	}
	pluginDir := e.cfg.Supervisor.Paths().PluginDir
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		e.logger.Warn().Err(err).Msg("failed to create plugin directory")
		return
	}

	err := e.cfg.Plugins.Fetch(ctx, pluginDir)
	switch {
	case err == nil:
	case errors.Is(err, ErrPluginNotDeclared):
		e.logger.Debug().Msg("no plugin artifact declared")
	default:
		e.logger.Warn().Err(err).Msg("plugin artifact could not be installed")
	}
}

// CollectStatus recomputes the unit's condition from scratch. Nothing is
// carried over from previous collections; the worst applicable condition
// wins.
func (e *Engine) CollectStatus() types.Condition {
	if !e.cfg.Supervisor.Available() {
		return types.StatusInstalling
	}

	conds := []types.Condition{types.StatusActive}

	cluster, err := e.cfg.State.Context()
	if err != nil {
		conds = append(conds, types.StatusInstalling)
	} else if s := cluster.Status(); s.Level != types.LevelActive {
		conds = append(conds, s)
	}

	if !e.cfg.Supervisor.Active() {
		conds = append(conds, types.StatusServiceNotRun)
	} else if unit, err := e.cfg.State.Unit(); err == nil && unit.RESTPort > 0 &&
		!e.cfg.Supervisor.CheckSocket("127.0.0.1", unit.RESTPort) {
		conds = append(conds, types.StatusNotListening)
	}
	if e.cfg.Degraded != nil && e.cfg.Degraded() {
		conds = append(conds, types.StatusDegradedRestart)
	}

	return types.WorstOf(conds)
}
