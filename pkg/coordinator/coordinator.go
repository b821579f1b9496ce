package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/herdops/herd/pkg/health"
	"github.com/herdops/herd/pkg/log"
	"github.com/herdops/herd/pkg/metrics"
	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/workload"
)

// State tracks this unit's position in the cluster-wide restart protocol.
type State string

const (
	StateIdle      State = "idle"
	StateRequested State = "requested"
	StateHeld      State = "held"
	StateReleasing State = "releasing"
)

// LockService is the distributed-lock collaborator: acquire and release
// signals scoped to the restart-coordination group, with grants observed
// through the replicated lock record. Mechanics are pluggable; only the
// protocol matters here.
type LockService interface {
	Acquire(unitID string) error
	Release(unitID string) error
	CurrentLock() (*types.RestartLock, error)
}

// UnitState reads and mutates this unit's record in the peer state store.
type UnitState interface {
	GetUnit(unitID string) (*types.Unit, error)
	SetShouldRestart(unitID string, value bool) error
}

// Coordinator serializes restarts across the peer set. A unit that
// needs restarting requests the lock; the holder restarts its local
// worker and verifies health before releasing, so at most one unit is
// ever down for a coordinated restart.
type Coordinator struct {
	unitID     string
	locks      LockService
	units      UnitState
	supervisor workload.Supervisor
	checker    health.Checker
	healthCfg  health.Config
	ready      func() bool
	logger     zerolog.Logger

	pollInterval time.Duration

	mu          sync.Mutex
	state       State
	requestedAt time.Time
	degraded    bool

	stopCh chan struct{}
}

// Config wires a Coordinator.
type Config struct {
	UnitID     string
	Locks      LockService
	Units      UnitState
	Supervisor workload.Supervisor
	Checker    health.Checker
	HealthCfg  health.Config

	// Ready mirrors the engine's restart precondition: the callback
	// declines to restart into a cluster whose dependencies are absent.
	Ready func() bool

	PollInterval time.Duration
}

// New creates a restart coordinator for this unit.
func New(cfg Config) *Coordinator {
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 2 * time.Second
	}
	healthCfg := cfg.HealthCfg
	if healthCfg.Attempts == 0 {
		healthCfg = health.DefaultConfig()
	}
	return &Coordinator{
		unitID:       cfg.UnitID,
		locks:        cfg.Locks,
		units:        cfg.Units,
		supervisor:   cfg.Supervisor,
		checker:      cfg.Checker,
		healthCfg:    healthCfg,
		ready:        cfg.Ready,
		pollInterval: poll,
		state:        StateIdle,
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("coordinator"),
	}
}

// RequestRestart signals restart intent: enqueue a lock-acquire request
// and wait for the grant to arrive through the lock record. Safe to call
// repeatedly; a unit already holding or waiting keeps its single slot.
func (c *Coordinator) RequestRestart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil
	}

	if err := c.locks.Acquire(c.unitID); err != nil {
		return err
	}
	c.state = StateRequested
	c.requestedAt = time.Now()
	c.logger.Info().Msg("restart lock requested")
	return nil
}

// State returns the unit's current protocol state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Degraded reports whether the last coordinated restart exhausted its
// health budget. Feeds status collection, never fatal to the protocol.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Start begins watching for lock grants.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop stops the coordinator.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.poll()
		case <-c.stopCh:
			return
		}
	}
}

// poll checks the replicated lock record and runs the restart callback
// when the grant lands on this unit.
func (c *Coordinator) poll() {
	lock, err := c.locks.CurrentLock()
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to read lock record")
		return
	}
	if lock.Holder != c.unitID {
		return
	}

	c.mu.Lock()
	if c.state == StateHeld || c.state == StateReleasing {
		c.mu.Unlock()
		return
	}
	waited := time.Since(c.requestedAt)
	c.state = StateHeld
	c.mu.Unlock()

	metrics.LockWaitDuration.Observe(waited.Seconds())
	c.execute()
}

// execute runs the local restart procedure while holding the lock. The
// lock is released on every path, including exhausted health retries;
// holding it past a failed restart would deadlock the rest of the
// cluster behind one broken unit.
func (c *Coordinator) execute() {
	held := time.Now()
	defer func() {
		c.release()
		metrics.LockHoldDuration.Observe(time.Since(held).Seconds())
	}()

	unit, err := c.units.GetUnit(c.unitID)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to read own unit record, declining restart")
		return
	}

	// Mirror of the engine's precondition: a grant that arrives while
	// the cluster dependency is incomplete must not restart into a
	// broken state.
	if !unit.ShouldRestart || (c.ready != nil && !c.ready()) {
		c.logger.Info().Bool("should_restart", unit.ShouldRestart).Msg("restart grant declined")
		return
	}

	c.logger.Info().Msg("restart lock held, restarting worker")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := c.supervisor.Restart(ctx); err != nil {
		c.logger.Error().Err(err).Msg("worker restart failed")
		metrics.RestartsTotal.WithLabelValues("error").Inc()
		return
	}

	if health.WaitReady(ctx, c.checker, c.healthCfg) {
		if err := c.units.SetShouldRestart(c.unitID, false); err != nil {
			c.logger.Error().Err(err).Msg("failed to clear restart flag")
			return
		}
		c.setDegraded(false)
		metrics.RestartsTotal.WithLabelValues("success").Inc()
		c.logger.Info().Msg("worker healthy after restart")
		return
	}

	// Flag stays set: the unit is retried on a future trigger and its
	// unhealthy state surfaces through status collection.
	c.setDegraded(true)
	metrics.RestartsTotal.WithLabelValues("unhealthy").Inc()
	metrics.HealthCheckFailures.Inc()
	c.logger.Warn().Int("attempts", c.healthCfg.Attempts).Msg("worker not healthy after restart, releasing lock anyway")
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.state = StateReleasing
	c.mu.Unlock()

	if err := c.locks.Release(c.unitID); err != nil {
		c.logger.Error().Err(err).Msg("failed to release restart lock")
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Coordinator) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
}
