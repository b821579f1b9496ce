package manager

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdops/herd/pkg/types"
)

// leaderStub commits forwarded commands straight into a test FSM.
type leaderStub struct {
	fsm    *HerdFSM
	leader bool
	failed error
}

func (l *leaderStub) IsLeader() bool { return l.leader }

func (l *leaderStub) ApplyForwarded(cmd Command) error {
	if l.failed != nil {
		return l.failed
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if resp := l.fsm.Apply(&raft.Log{Data: raw}); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

func forwardTo(t *testing.T, stub *leaderStub, op string, data interface{}) error {
	t.Helper()
	srv := httptest.NewServer(NewForwardHandler(stub))
	t.Cleanup(srv.Close)

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return forwardCommand(srv.Client(), srv.URL+ForwardPath, Command{Op: op, Data: raw})
}

// TestForwardedLockAcquire tests that a follower's lock request lands
// in the leader's replicated state
func TestForwardedLockAcquire(t *testing.T) {
	stub := &leaderStub{fsm: newTestFSM(t), leader: true}

	require.NoError(t, forwardTo(t, stub, OpLockAcquire, "worker-1"))

	lock, err := stub.fsm.store.GetLock()
	require.NoError(t, err)
	assert.Equal(t, "worker-1", lock.Holder)
}

// TestForwardedUnitWrite tests restart-flag propagation from a follower
func TestForwardedUnitWrite(t *testing.T) {
	stub := &leaderStub{fsm: newTestFSM(t), leader: true}

	require.NoError(t, forwardTo(t, stub, OpPutUnit, &types.Unit{ID: "worker-2", ShouldRestart: true}))

	unit, err := stub.fsm.store.GetUnit("worker-2")
	require.NoError(t, err)
	assert.True(t, unit.ShouldRestart)
}

// TestForwardToDeposedLeader tests that a stale forward is refused
func TestForwardToDeposedLeader(t *testing.T) {
	stub := &leaderStub{fsm: newTestFSM(t), leader: false}

	err := forwardTo(t, stub, OpLockAcquire, "worker-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotLeader)

	lock, err := stub.fsm.store.GetLock()
	require.NoError(t, err)
	assert.Empty(t, lock.Holder)
}

// TestForwardApplyFailure tests that commit errors reach the follower
func TestForwardApplyFailure(t *testing.T) {
	stub := &leaderStub{fsm: newTestFSM(t), leader: true, failed: errors.New("log write timed out")}

	err := forwardTo(t, stub, OpPutUnit, &types.Unit{ID: "worker-0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log write timed out")
}

// TestForwardHandlerRejectsMalformedBody tests the endpoint's input guard
func TestForwardHandlerRejectsMalformedBody(t *testing.T) {
	stub := &leaderStub{fsm: newTestFSM(t), leader: true}
	srv := httptest.NewServer(NewForwardHandler(stub))
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Post(srv.URL+ForwardPath, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestForwardHandlerMethodGuard tests that reads are not served here
func TestForwardHandlerMethodGuard(t *testing.T) {
	stub := &leaderStub{fsm: newTestFSM(t), leader: true}
	srv := httptest.NewServer(NewForwardHandler(stub))
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + ForwardPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// TestForwardURL tests leader raft address to endpoint mapping
func TestForwardURL(t *testing.T) {
	url, err := forwardURL("10.0.0.5:7946", 7971)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:7971/v1/apply", url)

	_, err = forwardURL("not-an-address", 7971)
	assert.Error(t, err)
}
