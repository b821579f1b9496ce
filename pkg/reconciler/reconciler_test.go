package reconciler

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdops/herd/pkg/auth"
	"github.com/herdops/herd/pkg/config"
	"github.com/herdops/herd/pkg/drift"
	"github.com/herdops/herd/pkg/tlsmat"
	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/workload"
)

// stubSupervisor keeps the real file handling but pins the probes so
// tests never wait on process polling.
type stubSupervisor struct {
	*workload.Process
	available bool
	active    bool
	listening bool
}

func (s *stubSupervisor) Available() bool { return s.available }
func (s *stubSupervisor) Active() bool    { return s.active }

func (s *stubSupervisor) CheckSocket(host string, port int) bool { return s.listening }

type fakeState struct {
	cluster  *types.ClusterContext
	unit     *types.Unit
	setCalls int
	cleared  int
}

func (f *fakeState) Context() (*types.ClusterContext, error) { return f.cluster, nil }
func (f *fakeState) Unit() (*types.Unit, error)              { return f.unit, nil }

func (f *fakeState) SetShouldRestart(value bool) error {
	f.setCalls++
	f.unit.ShouldRestart = value
	return nil
}

func (f *fakeState) ClearCertificate() error {
	f.cleared++
	if f.unit.TLS != nil {
		f.unit.TLS.Certificate = ""
	}
	return nil
}

type fakeRestarter struct{ requests int }

func (f *fakeRestarter) RequestRestart() error {
	f.requests++
	return nil
}

type fakePropagator struct{ published int }

func (f *fakePropagator) PublishConnectData(cluster *types.ClusterContext) error {
	f.published++
	return nil
}

type fakePlugins struct {
	errs    []error
	fetches int
}

func (f *fakePlugins) Fetch(ctx context.Context, destDir string) error {
	f.fetches++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

type fakeCA struct {
	renewals int
	lastSANs []string
}

func (f *fakeCA) RequestRenewal(unitID string, sans []string) error {
	f.renewals++
	f.lastSANs = sans
	return nil
}

func selfSigned(t *testing.T, dnsNames []string, ips []net.IP) string {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "worker"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func readyCluster(unit *types.Unit) *types.ClusterContext {
	return &types.ClusterContext{
		AppName: "herd",
		Units:   []*types.Unit{unit},
		App: types.AppState{
			AdminPassword:  "secret",
			InternalTopics: types.DefaultInternalTopics(),
		},
		Client: &types.ClientRelation{
			BootstrapServers: []string{"kafka-0:9092"},
			Username:         "connect",
			Password:         "pw",
		},
	}
}

type harness struct {
	engine     *Engine
	state      *fakeState
	supervisor *stubSupervisor
	props      *config.Manager
	restarter  *fakeRestarter
	propagator *fakePropagator
	plugins    *fakePlugins
	ca         *fakeCA
}

func newHarness(t *testing.T, cluster *types.ClusterContext, unit *types.Unit) *harness {
	t.Helper()

	paths := workload.Paths{
		ConfigDir: t.TempDir(),
		PluginDir: t.TempDir(),
		LogsDir:   t.TempDir(),
	}
	sup := &stubSupervisor{Process: workload.NewProcess(paths), available: true, active: true, listening: true}

	h := &harness{
		state:      &fakeState{cluster: cluster, unit: unit},
		supervisor: sup,
		props:      config.NewManager(sup),
		restarter:  &fakeRestarter{},
		propagator: &fakePropagator{},
		plugins:    &fakePlugins{},
		ca:         &fakeCA{},
	}
	h.engine = New(Config{
		UnitID:     unit.ID,
		State:      h.state,
		Supervisor: sup,
		Properties: h.props,
		TLS:        tlsmat.NewManager(sup),
		Auth:       auth.NewManager(sup),
		Restarter:  h.restarter,
		Propagator: h.propagator,
		Plugins:    h.plugins,
		CertCA:     h.ca,
	})
	return h
}

// TestReconcileConvergesAndRequestsRestart tests the full drift-to-restart pass
func TestReconcileConvergesAndRequestsRestart(t *testing.T) {
	unit := &types.Unit{ID: "worker-0", Hostname: "worker-0", RESTPort: 8083}
	h := newHarness(t, readyCluster(unit), unit)

	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.Equal(t, 1, h.propagator.published)
	assert.Equal(t, 1, h.state.setCalls, "first pass flags the initial drift")
	assert.True(t, unit.ShouldRestart)
	assert.Equal(t, 1, h.restarter.requests)

	desired := h.props.Properties(h.state.cluster, unit)
	applied, err := h.props.Applied()
	require.NoError(t, err)
	assert.False(t, drift.Detected(desired, applied), "applied must equal desired after apply")
}

// TestReconcileIdempotent tests that a second identical pass flags no new drift
func TestReconcileIdempotent(t *testing.T) {
	unit := &types.Unit{ID: "worker-0", Hostname: "worker-0", RESTPort: 8083}
	h := newHarness(t, readyCluster(unit), unit)

	require.NoError(t, h.engine.Reconcile(context.Background()))
	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.Equal(t, 1, h.state.setCalls, "same drift must not be flagged twice")
	assert.True(t, unit.ShouldRestart, "flag clears only after a successful restart")
}

// TestReconcileDeferredWhenUnavailable tests the whole-pass deferral
func TestReconcileDeferredWhenUnavailable(t *testing.T) {
	unit := &types.Unit{ID: "worker-0", RESTPort: 8083}
	h := newHarness(t, readyCluster(unit), unit)
	h.supervisor.available = false

	err := h.engine.Reconcile(context.Background())
	require.ErrorIs(t, err, ErrDeferred)

	assert.Zero(t, h.propagator.published, "deferral happens before any step")
	assert.Zero(t, h.restarter.requests)
}

// TestSANChangeShortCircuits tests the renewal path: one request, no mutation
func TestSANChangeShortCircuits(t *testing.T) {
	stale := selfSigned(t, []string{"old-name"}, nil)
	unit := &types.Unit{
		ID:       "worker-0",
		Hostname: "worker-0.cluster.local",
		Address:  "10.0.0.5",
		RESTPort: 8083,
		TLS:      &types.TLSState{Enabled: true, Certificate: stale},
	}
	cluster := readyCluster(unit)
	cluster.App.TLSEnabled = true

	h := newHarness(t, cluster, unit)

	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.Equal(t, 1, h.ca.renewals)
	assert.Equal(t, []string{"10.0.0.5", "worker-0", "worker-0.cluster.local"}, h.ca.lastSANs)
	assert.Equal(t, 1, h.state.cleared)
	assert.Zero(t, h.restarter.requests, "short-circuit skips every later step")

	applied, err := h.props.Applied()
	require.NoError(t, err)
	assert.Empty(t, applied, "no configuration is written on the renewal pass")

	// The cached certificate is gone, so the next pass cannot re-request.
	require.NoError(t, h.engine.Reconcile(context.Background()))
	assert.Equal(t, 1, h.ca.renewals, "renewal request must be emitted exactly once")
}

// TestSANCheckSkippedWithoutIssuer tests that a stale SAN set without a
// certificate issuer neither clears the cache nor blocks the pass
func TestSANCheckSkippedWithoutIssuer(t *testing.T) {
	stale := selfSigned(t, []string{"old-name"}, nil)
	unit := &types.Unit{
		ID:       "worker-0",
		Hostname: "worker-0.cluster.local",
		Address:  "10.0.0.5",
		RESTPort: 8083,
		TLS:      &types.TLSState{Enabled: true, Certificate: stale},
	}
	cluster := readyCluster(unit)
	cluster.App.TLSEnabled = true

	h := newHarness(t, cluster, unit)
	h.engine.cfg.CertCA = nil

	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.Zero(t, h.state.cleared, "the served certificate must survive without an issuer")
	assert.Equal(t, stale, unit.TLS.Certificate)
	assert.Equal(t, 1, h.restarter.requests, "the pass runs to completion instead of short-circuiting")
}

// TestPluginMissesNonFatal tests that fetch misses never stop the pass
func TestPluginMissesNonFatal(t *testing.T) {
	for name, fetchErr := range map[string]error{
		"undeclared":  ErrPluginNotDeclared,
		"unavailable": ErrPluginUnavailable,
		"other":       errors.New("registry timeout"),
	} {
		t.Run(name, func(t *testing.T) {
			unit := &types.Unit{ID: "worker-0", Hostname: "worker-0", RESTPort: 8083}
			h := newHarness(t, readyCluster(unit), unit)
			h.plugins.errs = []error{fetchErr}

			require.NoError(t, h.engine.Reconcile(context.Background()))

			assert.Equal(t, 1, h.plugins.fetches)
			assert.Equal(t, 1, h.propagator.published, "pass continues past the plugin miss")
		})
	}
}

// TestPreconditionKeepsFlag tests that an unready cluster blocks without unflagging
func TestPreconditionKeepsFlag(t *testing.T) {
	unit := &types.Unit{ID: "worker-0", Hostname: "worker-0", RESTPort: 8083}
	cluster := readyCluster(unit)
	cluster.Client = nil

	h := newHarness(t, cluster, unit)

	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.True(t, unit.ShouldRestart, "pending restart survives the unready cluster")
	assert.Zero(t, h.restarter.requests)

	applied, err := h.props.Applied()
	require.NoError(t, err)
	assert.Empty(t, applied, "apply step must not run before the cluster is ready")
}

// TestCollectStatus tests prioritized condition recomputation
func TestCollectStatus(t *testing.T) {
	unit := &types.Unit{ID: "worker-0", Hostname: "worker-0", RESTPort: 8083}

	tests := []struct {
		name     string
		mutate   func(h *harness)
		degraded bool
		want     types.Condition
	}{
		{
			name:   "installing before workload is available",
			mutate: func(h *harness) { h.supervisor.available = false },
			want:   types.StatusInstalling,
		},
		{
			name:   "blocked without client relation",
			mutate: func(h *harness) { h.state.cluster.Client = nil },
			want:   types.StatusMissingClient,
		},
		{
			name:   "waiting for credentials",
			mutate: func(h *harness) { h.state.cluster.Client.Password = "" },
			want:   types.StatusNoCredentials,
		},
		{
			name:   "blocked when service is down",
			mutate: func(h *harness) { h.supervisor.active = false },
			want:   types.StatusServiceNotRun,
		},
		{
			name:   "waiting while the REST socket opens",
			mutate: func(h *harness) { h.supervisor.listening = false },
			want:   types.StatusNotListening,
		},
		{
			name:     "degraded after failed restart",
			mutate:   func(h *harness) {},
			degraded: true,
			want:     types.StatusDegradedRestart,
		},
		{
			name:   "active when everything converged",
			mutate: func(h *harness) {},
			want:   types.StatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := *unit
			h := newHarness(t, readyCluster(&u), &u)
			h.engine.cfg.Degraded = func() bool { return tt.degraded }
			tt.mutate(h)

			assert.Equal(t, tt.want, h.engine.CollectStatus())
		})
	}
}
