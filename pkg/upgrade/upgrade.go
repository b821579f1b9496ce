package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/herdops/herd/pkg/health"
	"github.com/herdops/herd/pkg/log"
	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/workload"
)

const (
	msgPreUpgradeFailed = "Pre-upgrade check failed and cannot safely upgrade"

	// CauseClusterUnhealthy is the cause attached when any peer fails the
	// cluster-wide health sweep.
	CauseClusterUnhealthy = "Cluster is not healthy"

	// CausePartitionDenied is the cause attached when the rollout
	// controller refuses the partition patch for lack of permission.
	CausePartitionDenied = "Not enough permissions to patch the rollout partition"

	// CausePartitionFailed is the cause for any other partition failure.
	CausePartitionFailed = "Cannot set rolling update partition"
)

// RollbackInstructions is surfaced verbatim when a unit fails its
// post-upgrade check. Remaining units are never forced forward.
const RollbackInstructions = `Upgrade halted. To roll back:
  1. Redeploy the previous worker revision on the failed unit
  2. Wait for the unit to rejoin and pass its health check
  3. Re-run the pre-upgrade check before resuming the rollout`

// ErrPermissionDenied marks a partition patch rejected by the rollout
// controller's authorization layer. Partitioner implementations return
// it (wrapped) so the sequencer can surface an actionable cause.
var ErrPermissionDenied = errors.New("permission denied")

// ClusterNotReadyError aborts an upgrade before any unit is mutated.
type ClusterNotReadyError struct {
	Message string
	Cause   string
}

func (e *ClusterNotReadyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Cause)
}

// Partitioner pins the rollout controller's update partition so units
// upgrade one at a time, highest ordinal first.
type Partitioner interface {
	SetRollingUpdatePartition(ctx context.Context, partition int) error
}

// Config wires the sequencer's collaborators.
type Config struct {
	UnitID string

	// Units lists the current peer set.
	Units func() ([]*types.Unit, error)

	// CheckerFor builds a health checker aimed at the given peer.
	CheckerFor func(unit *types.Unit) health.Checker

	// Partitioner is optional; without one the pre-check is health-only.
	Partitioner Partitioner

	// Reconcile converges the local unit before its workload restarts on
	// the new revision.
	Reconcile func(ctx context.Context) error

	Supervisor workload.Supervisor

	// PostCheck bounds the per-unit health verification after upgrade.
	PostCheck health.Config
}

// Sequencer drives the upgrade flow: a cluster-wide pre-check gate, then
// a per-unit apply with a bounded post-check. A failed unit halts the
// rollout and surfaces rollback instructions.
type Sequencer struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	failed bool
}

// New creates an upgrade sequencer.
func New(cfg Config) *Sequencer {
	if cfg.PostCheck.Attempts == 0 {
		cfg.PostCheck = health.DefaultConfig()
	}
	return &Sequencer{
		cfg:    cfg,
		logger: log.WithComponent("upgrade").With().Str("unit_id", cfg.UnitID).Logger(),
	}
}

// PreUpgradeCheck verifies the cluster can absorb a rolling upgrade and
// pins the rollout partition to the highest ordinal. It mutates nothing
// until every peer reports healthy.
func (s *Sequencer) PreUpgradeCheck(ctx context.Context) error {
	units, err := s.clusterHealthy(ctx)
	if err != nil {
		return err
	}

	if s.cfg.Partitioner == nil {
		return nil
	}

	partition := len(units) - 1
	if partition < 0 {
		partition = 0
	}
	if err := s.cfg.Partitioner.SetRollingUpdatePartition(ctx, partition); err != nil {
		cause := CausePartitionFailed
		if errors.Is(err, ErrPermissionDenied) {
			cause = CausePartitionDenied
		}
		return &ClusterNotReadyError{Message: msgPreUpgradeFailed, Cause: cause}
	}

	s.logger.Info().Int("partition", partition).Msg("pre-upgrade check passed")
	return nil
}

// clusterHealthy sweeps every peer once; any unhealthy peer fails the
// whole check.
func (s *Sequencer) clusterHealthy(ctx context.Context) ([]*types.Unit, error) {
	units, err := s.cfg.Units()
	if err != nil {
		return nil, fmt.Errorf("failed to list peer units: %w", err)
	}
	if len(units) == 0 {
		return nil, &ClusterNotReadyError{Message: msgPreUpgradeFailed, Cause: CauseClusterUnhealthy}
	}

	for _, unit := range units {
		result := s.cfg.CheckerFor(unit).Check(ctx)
		if !result.Healthy {
			s.logger.Warn().Str("peer", unit.ID).Str("detail", result.Message).Msg("peer failed health sweep")
			return nil, &ClusterNotReadyError{Message: msgPreUpgradeFailed, Cause: CauseClusterUnhealthy}
		}
	}
	return units, nil
}

// ApplyUnit runs the local unit's upgrade step: wait for the workload
// substrate, converge configuration, start the new revision, verify it.
// A failed verification halts the rollout; the caller (and the remaining
// units) must not proceed.
func (s *Sequencer) ApplyUnit(ctx context.Context) error {
	if !s.waitAvailable(ctx) {
		return s.halt(fmt.Errorf("workload substrate unavailable on %s", s.cfg.UnitID))
	}

	if err := s.cfg.Reconcile(ctx); err != nil {
		return s.halt(fmt.Errorf("failed to converge before start: %w", err))
	}

	if !s.cfg.Supervisor.Active() {
		if err := s.cfg.Supervisor.Start(ctx); err != nil {
			return s.halt(fmt.Errorf("failed to start upgraded worker: %w", err))
		}
	}

	unit, checker := s.localChecker()
	if checker == nil {
		return s.halt(fmt.Errorf("no health checker for %s", s.cfg.UnitID))
	}
	if !health.WaitReady(ctx, checker, s.cfg.PostCheck) {
		return s.halt(fmt.Errorf("unit %s not healthy after upgrade", unit.ID))
	}

	s.mu.Lock()
	s.failed = false
	s.mu.Unlock()
	s.logger.Info().Msg("unit upgraded and verified")
	return nil
}

// Failed reports whether the last apply halted the rollout.
func (s *Sequencer) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Sequencer) halt(err error) error {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("upgrade halted")
	s.logger.Error().Msg(RollbackInstructions)
	return err
}

func (s *Sequencer) localChecker() (*types.Unit, health.Checker) {
	units, err := s.cfg.Units()
	if err != nil {
		return nil, nil
	}
	for _, unit := range units {
		if unit.ID == s.cfg.UnitID {
			return unit, s.cfg.CheckerFor(unit)
		}
	}
	return nil, nil
}

// waitAvailable gives the substrate a short grace window instead of
// failing the rollout on a single slow probe.
func (s *Sequencer) waitAvailable(ctx context.Context) bool {
	for attempt := 0; attempt < 5; attempt++ {
		if s.cfg.Supervisor.Available() {
			return true
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return false
		}
	}
	return s.cfg.Supervisor.Available()
}
