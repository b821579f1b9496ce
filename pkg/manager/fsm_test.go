package manager

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdops/herd/pkg/store"
	"github.com/herdops/herd/pkg/types"
)

func newTestFSM(t *testing.T) *HerdFSM {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewHerdFSM(s)
}

func applyCmd(t *testing.T, fsm *HerdFSM, op string, data interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: raw})
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Data: cmd})
	if err, ok := resp.(error); ok {
		t.Fatalf("Apply(%s) returned error: %v", op, err)
	}
	return resp
}

// TestLockMutualExclusion tests that at most one unit ever holds the lock
func TestLockMutualExclusion(t *testing.T) {
	fsm := newTestFSM(t)

	lock := applyCmd(t, fsm, OpLockAcquire, "worker-0").(*types.RestartLock)
	assert.Equal(t, "worker-0", lock.Holder)
	assert.Empty(t, lock.Queue)

	// Simultaneous requesters queue behind the holder in commit order.
	lock = applyCmd(t, fsm, OpLockAcquire, "worker-1").(*types.RestartLock)
	assert.Equal(t, "worker-0", lock.Holder)
	assert.Equal(t, []string{"worker-1"}, lock.Queue)

	lock = applyCmd(t, fsm, OpLockAcquire, "worker-2").(*types.RestartLock)
	assert.Equal(t, "worker-0", lock.Holder)
	assert.Equal(t, []string{"worker-1", "worker-2"}, lock.Queue)
}

// TestLockReleasePromotesQueueHead tests grant progression
func TestLockReleasePromotesQueueHead(t *testing.T) {
	fsm := newTestFSM(t)

	applyCmd(t, fsm, OpLockAcquire, "worker-0")
	applyCmd(t, fsm, OpLockAcquire, "worker-1")
	applyCmd(t, fsm, OpLockAcquire, "worker-2")

	lock := applyCmd(t, fsm, OpLockRelease, "worker-0").(*types.RestartLock)
	assert.Equal(t, "worker-1", lock.Holder)
	assert.Equal(t, []string{"worker-2"}, lock.Queue)

	lock = applyCmd(t, fsm, OpLockRelease, "worker-1").(*types.RestartLock)
	assert.Equal(t, "worker-2", lock.Holder)
	assert.Empty(t, lock.Queue)

	lock = applyCmd(t, fsm, OpLockRelease, "worker-2").(*types.RestartLock)
	assert.Empty(t, lock.Holder, "lock must be free after all holders release")
}

// TestLockAcquireIdempotent tests that repeated acquires do not stack
func TestLockAcquireIdempotent(t *testing.T) {
	fsm := newTestFSM(t)

	applyCmd(t, fsm, OpLockAcquire, "worker-0")
	applyCmd(t, fsm, OpLockAcquire, "worker-1")

	// Same drift reconciled twice emits two acquires; only one request survives.
	lock := applyCmd(t, fsm, OpLockAcquire, "worker-1").(*types.RestartLock)
	assert.Equal(t, []string{"worker-1"}, lock.Queue)

	lock = applyCmd(t, fsm, OpLockAcquire, "worker-0").(*types.RestartLock)
	assert.Equal(t, "worker-0", lock.Holder)
	assert.Equal(t, []string{"worker-1"}, lock.Queue)
}

// TestLockWithdrawQueuedRequest tests releasing a request never granted
func TestLockWithdrawQueuedRequest(t *testing.T) {
	fsm := newTestFSM(t)

	applyCmd(t, fsm, OpLockAcquire, "worker-0")
	applyCmd(t, fsm, OpLockAcquire, "worker-1")
	applyCmd(t, fsm, OpLockAcquire, "worker-2")

	lock := applyCmd(t, fsm, OpLockRelease, "worker-1").(*types.RestartLock)
	assert.Equal(t, "worker-0", lock.Holder)
	assert.Equal(t, []string{"worker-2"}, lock.Queue)

	// Releasing a lock the unit never requested is a no-op.
	lock = applyCmd(t, fsm, OpLockRelease, "worker-9").(*types.RestartLock)
	assert.Equal(t, "worker-0", lock.Holder)
}

// TestUnitCommands tests unit record replication through the log
func TestUnitCommands(t *testing.T) {
	fsm := newTestFSM(t)

	applyCmd(t, fsm, OpPutUnit, &types.Unit{ID: "worker-0", ShouldRestart: true})

	unit, err := fsm.store.GetUnit("worker-0")
	require.NoError(t, err)
	assert.True(t, unit.ShouldRestart)

	applyCmd(t, fsm, OpDeleteUnit, "worker-0")
	_, err = fsm.store.GetUnit("worker-0")
	assert.Error(t, err)
}

// TestAppAndClientCommands tests app-scoped and relation replication
func TestAppAndClientCommands(t *testing.T) {
	fsm := newTestFSM(t)

	applyCmd(t, fsm, OpPutApp, &types.AppState{TLSEnabled: true, AdminPassword: "pw"})
	app, err := fsm.store.GetApp()
	require.NoError(t, err)
	assert.True(t, app.TLSEnabled)

	applyCmd(t, fsm, OpPutClient, &types.ClientRelation{
		BootstrapServers: []string{"kafka-0:9092"},
		Username:         "connect",
		Password:         "pw",
	})
	client, err := fsm.store.GetClient()
	require.NoError(t, err)
	assert.True(t, client.HasCredentials())
}

// TestUnknownCommand tests that malformed ops surface as errors
func TestUnknownCommand(t *testing.T) {
	fsm := newTestFSM(t)

	cmd, err := json.Marshal(Command{Op: "bogus"})
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Data: cmd})
	_, isErr := resp.(error)
	assert.True(t, isErr, "unknown command must return an error")
}
