package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/herdops/herd/pkg/log"
	"github.com/herdops/herd/pkg/metrics"
	"github.com/herdops/herd/pkg/store"
	"github.com/herdops/herd/pkg/types"
)

// ErrNotLeader is returned when a leader-only operation lands on a
// follower that cannot forward it, usually because no leader is known.
var ErrNotLeader = errors.New("not the coordination leader")

const applyTimeout = 10 * time.Second

// Manager runs the coordination substrate for one unit: a raft node
// replicating the peer state store and the restart lock across the
// cluster. All cross-unit mutation flows through the committed log.
type Manager struct {
	unitID      string
	bindAddr    string
	dataDir     string
	forwardPort int

	raft  *raft.Raft
	fsm   *HerdFSM
	store store.Store
}

// Config holds configuration for creating a Manager
type Config struct {
	UnitID   string
	BindAddr string
	DataDir  string

	// ForwardPort is the port every member serves its command endpoint
	// on. Followers send their writes to this port on the leader's host.
	ForwardPort int
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Manager{
		unitID:      cfg.UnitID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		forwardPort: cfg.ForwardPort,
		fsm:         NewHerdFSM(s),
		store:       s,
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.unitID)

	// Tuned below the hashicorp defaults: restart coordination stalls
	// while no leader holds the lock queue, so fast failover matters
	// more than WAN tolerance here.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

func (m *Manager) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(m.raftConfig(), m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap initializes a new single-unit cluster with this unit as
// the first member.
func (m *Manager) Bootstrap() error {
	r, transport, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.unitID),
				Address: transport.LocalAddr(),
			},
		},
	}

	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	logger := log.WithComponent("manager")
	logger.Info().Str("bind_addr", m.bindAddr).Msg("coordination substrate bootstrapped")
	return nil
}

// Start brings up the raft node without bootstrapping; the unit waits
// for an existing leader to add it as a voter.
func (m *Manager) Start() error {
	r, _, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r
	return nil
}

// AddVoter adds a joining unit to the coordination cluster. Leader only.
func (m *Manager) AddVoter(unitID, address string) error {
	if m.raft == nil {
		return errors.New("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(unitID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a departing unit from the coordination cluster.
func (m *Manager) RemoveServer(unitID string) error {
	if m.raft == nil {
		return errors.New("raft not initialized")
	}
	if !m.IsLeader() {
		return ErrNotLeader
	}

	future := m.raft.RemoveServer(raft.ServerID(unitID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// IsLeader returns true if this unit is the coordination leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	leader := m.raft.State() == raft.Leader
	if leader {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	return leader
}

// LeaderAddr returns the address of the current coordination leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Shutdown stops the raft node and closes the store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return m.store.Close()
}

// apply marshals and commits a command through the replicated log. On a
// follower the command is forwarded to the leader's command endpoint,
// so unit-scoped writes and lock traffic work from any member.
func (m *Manager) apply(op string, data interface{}) (interface{}, error) {
	if m.raft == nil {
		return nil, errors.New("raft not initialized")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	cmd := Command{Op: op, Data: raw}

	if !m.IsLeader() {
		return nil, m.forward(cmd)
	}
	return m.commit(cmd)
}

// commit applies a command to the replicated log. Leader only.
func (m *Manager) commit(cmd Command) (interface{}, error) {
	buf, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	future := m.raft.Apply(buf, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", cmd.Op, err)
	}

	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

// ApplyForwarded commits a command received from a follower. It refuses
// on non-leaders so a stale forward cannot split the log.
func (m *Manager) ApplyForwarded(cmd Command) error {
	if m.raft == nil {
		return errors.New("raft not initialized")
	}
	if !m.IsLeader() {
		return ErrNotLeader
	}
	_, err := m.commit(cmd)
	return err
}

// PutUnit replicates a unit-scoped record. Units only write their own
// record; the store does not police ownership, callers do.
func (m *Manager) PutUnit(unit *types.Unit) error {
	_, err := m.apply(OpPutUnit, unit)
	return err
}

// DeleteUnit removes a departed unit's record.
func (m *Manager) DeleteUnit(unitID string) error {
	_, err := m.apply(OpDeleteUnit, unitID)
	return err
}

// GetUnit reads a unit record from the local store replica.
func (m *Manager) GetUnit(unitID string) (*types.Unit, error) {
	return m.store.GetUnit(unitID)
}

// ListUnits reads all unit records from the local store replica.
func (m *Manager) ListUnits() ([]*types.Unit, error) {
	units, err := m.store.ListUnits()
	if err == nil {
		metrics.PeersTotal.Set(float64(len(units)))
	}
	return units, err
}

// SetShouldRestart flips the unit's restart flag in the peer state.
func (m *Manager) SetShouldRestart(unitID string, value bool) error {
	unit, err := m.store.GetUnit(unitID)
	if err != nil {
		return err
	}
	if unit.ShouldRestart == value {
		return nil
	}
	unit.ShouldRestart = value
	return m.PutUnit(unit)
}

// PutApp replicates application-scoped state. Leader only by contract.
func (m *Manager) PutApp(app *types.AppState) error {
	_, err := m.apply(OpPutApp, app)
	return err
}

// GetApp reads application-scoped state from the local replica.
func (m *Manager) GetApp() (*types.AppState, error) {
	return m.store.GetApp()
}

// PutClient replicates the upstream client relation snapshot.
func (m *Manager) PutClient(client *types.ClientRelation) error {
	_, err := m.apply(OpPutClient, client)
	return err
}

// GetClient reads the client relation snapshot from the local replica.
func (m *Manager) GetClient() (*types.ClientRelation, error) {
	return m.store.GetClient()
}

// Context assembles the application-wide aggregate view.
func (m *Manager) Context(appName string) (*types.ClusterContext, error) {
	units, err := m.ListUnits()
	if err != nil {
		return nil, err
	}
	app, err := m.GetApp()
	if err != nil {
		return nil, err
	}
	client, err := m.GetClient()
	if err != nil {
		return nil, err
	}
	return &types.ClusterContext{
		AppName: appName,
		Units:   units,
		App:     *app,
		Client:  client,
	}, nil
}

// Acquire enqueues a restart-lock request for unitID.
func (m *Manager) Acquire(unitID string) error {
	_, err := m.apply(OpLockAcquire, unitID)
	return err
}

// Release releases or withdraws unitID's restart-lock request.
func (m *Manager) Release(unitID string) error {
	_, err := m.apply(OpLockRelease, unitID)
	return err
}

// CurrentLock reads the restart lock from the local replica.
func (m *Manager) CurrentLock() (*types.RestartLock, error) {
	return m.store.GetLock()
}
