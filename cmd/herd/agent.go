package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/herdops/herd/pkg/auth"
	workercfg "github.com/herdops/herd/pkg/config"
	"github.com/herdops/herd/pkg/coordinator"
	"github.com/herdops/herd/pkg/events"
	"github.com/herdops/herd/pkg/health"
	"github.com/herdops/herd/pkg/log"
	"github.com/herdops/herd/pkg/manager"
	"github.com/herdops/herd/pkg/metrics"
	"github.com/herdops/herd/pkg/reconciler"
	"github.com/herdops/herd/pkg/tlsmat"
	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/upgrade"
	"github.com/herdops/herd/pkg/workload"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the per-unit operator agent",
	Long: `Start the operator agent for one worker unit. The agent joins the
coordination cluster, replicates peer state, reconciles the local
worker on every trigger and serializes its restarts behind the
cluster-wide lock.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("config", "", "Path to the agent YAML configuration")
	agentCmd.Flags().String("unit-id", "", "Unique unit ID (overrides config)")
	agentCmd.Flags().String("bind-addr", "", "Address for coordination traffic (overrides config)")
	agentCmd.Flags().String("data-dir", "", "Data directory for replicated state (overrides config)")
	agentCmd.Flags().String("metrics-addr", "", "Address for the metrics endpoint (overrides config)")
	agentCmd.Flags().Bool("bootstrap", false, "Bootstrap a new coordination cluster")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("agent").With().Str("unit_id", cfg.UnitID).Logger()

	mgr, err := manager.NewManager(&manager.Config{
		UnitID:      cfg.UnitID,
		BindAddr:    cfg.BindAddr,
		DataDir:     cfg.DataDir,
		ForwardPort: cfg.ForwardPort,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordination manager: %w", err)
	}

	if cfg.Bootstrap {
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	} else {
		if err := mgr.Start(); err != nil {
			return fmt.Errorf("failed to start coordination manager: %w", err)
		}
	}

	// The command endpoint must be up before any member seeds state:
	// follower writes forward to the leader through it.
	fwdSrv := startForwardServer(cfg.ForwardPort, mgr, logger)

	seedState(mgr, cfg, logger)

	sup := workload.NewProcess(cfg.paths())
	scope := manager.NewUnitScope(mgr, cfg.UnitID, cfg.AppName)

	ready := func() bool {
		cluster, err := scope.Context()
		return err == nil && cluster.Ready()
	}

	coord := coordinator.New(coordinator.Config{
		UnitID:     cfg.UnitID,
		Locks:      mgr,
		Units:      mgr,
		Supervisor: sup,
		Checker:    localChecker(mgr, cfg),
		HealthCfg:  health.DefaultConfig(),
		Ready:      ready,
	})

	engine := reconciler.New(reconciler.Config{
		UnitID:     cfg.UnitID,
		State:      scope,
		Supervisor: sup,
		Properties: workercfg.NewManager(sup),
		TLS:        tlsmat.NewManager(sup),
		Auth:       auth.NewManager(sup),
		Restarter:  coord,
		Degraded:   coord.Degraded,
	})

	scheme := "http"
	if cfg.TLSEnabled {
		scheme = "https"
	}
	seq := upgrade.New(upgrade.Config{
		UnitID: cfg.UnitID,
		Units:  mgr.ListUnits,
		CheckerFor: func(unit *types.Unit) health.Checker {
			return health.NewHTTPChecker(
				fmt.Sprintf("%s://%s:%d/", scheme, unit.Hostname, unit.RESTPort))
		},
		Reconcile:  engine.Reconcile,
		Supervisor: sup,
	})

	broker := events.NewBroker()
	dispatcher := events.NewDispatcher(broker)

	dispatcher.On(events.EventUpgradeRequest, func(*events.Event) {
		if err := seq.ApplyUnit(context.Background()); err != nil {
			logger.Error().Err(err).Msg("upgrade step failed")
		}
	})
	dispatcher.On(events.EventStatusCollect, func(*events.Event) {
		cond := engine.CollectStatus()
		logger.Info().
			Str("level", cond.Level.String()).
			Str("message", cond.Message).
			Msg("unit status")
	})
	reconcileOn := func(event *events.Event) {
		err := engine.Reconcile(context.Background())
		switch {
		case err == nil:
		case errors.Is(err, reconciler.ErrDeferred):
			logger.Debug().Str("trigger", string(event.Type)).Msg("reconcile deferred")
		default:
			logger.Error().Err(err).Str("trigger", string(event.Type)).Msg("reconcile failed")
		}
	}
	dispatcher.On(events.EventCertAvailable, func(event *events.Event) {
		logger.Info().Msg("certificate material available")
		reconcileOn(event)
	})
	dispatcher.Default(reconcileOn)

	broker.Start()
	dispatcher.Start()
	coord.Start()

	stopTriggers := startTriggers(broker, mgr.ListUnits, cfg)

	srv := startAdminServer(cfg.MetricsAddr, broker, cfg, logger)

	// Converge once at startup instead of waiting out the first tick.
	broker.Publish(&events.Event{
		ID:     uuid.New().String(),
		Type:   events.EventConfigChanged,
		UnitID: cfg.UnitID,
	})

	logger.Info().Str("bind_addr", cfg.BindAddr).Msg("agent running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	stopTriggers()
	coord.Stop()
	dispatcher.Stop()
	broker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = fwdSrv.Shutdown(shutdownCtx)
	_ = sup.Stop(shutdownCtx)

	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down coordination manager: %w", err)
	}
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *AgentConfig) {
	if cmd.Flags().Changed("unit-id") {
		cfg.UnitID, _ = cmd.Flags().GetString("unit-id")
	}
	if cmd.Flags().Changed("bind-addr") {
		cfg.BindAddr, _ = cmd.Flags().GetString("bind-addr")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if cmd.Flags().Changed("bootstrap") {
		cfg.Bootstrap, _ = cmd.Flags().GetBool("bootstrap")
	}
}

// seedState registers this unit's record and, on the leader, writes
// the app-scoped defaults, the client relation snapshot from
// configuration and the statically declared voters. Follower writes
// travel through the leader's command endpoint.
func seedState(mgr *manager.Manager, cfg *AgentConfig, logger zerolog.Logger) {
	if !waitForLeader(mgr, 15*time.Second) {
		logger.Warn().Msg("no coordination leader yet, skipping state seed")
		return
	}

	now := time.Now()
	unit := &types.Unit{
		ID:        cfg.UnitID,
		Hostname:  cfg.AdvertisedHost,
		Address:   cfg.AdvertisedHost,
		RESTPort:  cfg.RESTPort,
		TLS:       &types.TLSState{Enabled: cfg.TLSEnabled},
		LastSeen:  now,
		CreatedAt: now,
	}
	if existing, err := mgr.GetUnit(cfg.UnitID); err == nil && existing != nil {
		unit = existing
		unit.LastSeen = now
	}
	if err := mgr.PutUnit(unit); err != nil {
		logger.Error().Err(err).Msg("failed to register unit")
	}

	if !mgr.IsLeader() {
		logger.Debug().Str("leader", mgr.LeaderAddr()).Msg("not the leader, app state seeding skipped")
		return
	}

	app, err := mgr.GetApp()
	if err != nil {
		logger.Error().Err(err).Msg("failed to read app state")
		return
	}
	if app.InternalTopics.Offset == "" {
		app.InternalTopics = types.DefaultInternalTopics()
	}
	if app.AdminPassword == "" {
		app.AdminPassword = auth.GeneratePassword()
	}
	app.TLSEnabled = cfg.TLSEnabled
	if err := mgr.PutApp(app); err != nil {
		logger.Error().Err(err).Msg("failed to seed app state")
	}

	if cfg.Client != nil {
		client := &types.ClientRelation{
			BootstrapServers:  cfg.Client.BootstrapServers,
			Username:          cfg.Client.Username,
			Password:          cfg.Client.Password,
			CACert:            cfg.Client.CACert,
			SecurityMechanism: cfg.Client.SecurityMechanism,
		}
		if err := mgr.PutClient(client); err != nil {
			logger.Error().Err(err).Msg("failed to seed client relation")
		}
	}

	for _, peer := range cfg.Peers {
		if peer.ID == cfg.UnitID || peer.RaftAddr == "" {
			continue
		}
		if err := mgr.AddVoter(peer.ID, peer.RaftAddr); err != nil {
			logger.Warn().Err(err).Str("peer", peer.ID).Msg("failed to add voter")
		}
	}
}

func waitForLeader(mgr *manager.Manager, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mgr.LeaderAddr() != "" {
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return mgr.LeaderAddr() != ""
}

// localChecker builds the probe for the local worker per the configured
// health check type. The default HTTP probe hits the REST root and,
// with the basic-auth extension enabled, authenticates as the admin
// user. TCP and gRPC probes suit workers fronted by a proxy or a
// health sidecar.
func localChecker(mgr *manager.Manager, cfg *AgentConfig) health.Checker {
	target := fmt.Sprintf("127.0.0.1:%d", cfg.RESTPort)

	switch cfg.HealthCheck.Type {
	case "tcp":
		return health.NewTCPChecker(target)
	case "grpc":
		checker := health.NewGRPCChecker(target)
		if cfg.HealthCheck.GRPCService != "" {
			checker = checker.WithService(cfg.HealthCheck.GRPCService)
		}
		return checker
	}

	scheme := "http"
	if cfg.TLSEnabled {
		scheme = "https"
	}
	checker := health.NewHTTPChecker(fmt.Sprintf("%s://%s/", scheme, target))

	if app, err := mgr.GetApp(); err == nil && app.AdminPassword != "" {
		token := base64.StdEncoding.EncodeToString(
			[]byte(auth.AdminUser + ":" + app.AdminPassword))
		checker = checker.WithHeader("Authorization", "Basic "+token)
	}
	return checker
}

// Peer membership poll cadence; replicated state changes reach every
// member well within one reconcile interval.
var peerPollInterval = 10 * time.Second

// startTriggers publishes the periodic events: reconcile ticks, status
// collections and peer membership changes. Returns a stop function.
func startTriggers(broker *events.Broker, units func() ([]*types.Unit, error), cfg *AgentConfig) func() {
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	statusTicker := time.NewTicker(time.Minute)
	peerTicker := time.NewTicker(peerPollInterval)
	stopCh := make(chan struct{})

	publish := func(t events.EventType) {
		broker.Publish(&events.Event{
			ID:     uuid.New().String(),
			Type:   t,
			UnitID: cfg.UnitID,
		})
	}

	go func() {
		peerCount := -1
		for {
			select {
			case <-reconcileTicker.C:
				publish(events.EventTick)
			case <-statusTicker.C:
				publish(events.EventStatusCollect)
			case <-peerTicker.C:
				peers, err := units()
				if err != nil {
					continue
				}
				if peerCount >= 0 && len(peers) != peerCount {
					publish(events.EventPeerChanged)
				}
				peerCount = len(peers)
			case <-stopCh:
				return
			}
		}
	}()

	return func() {
		reconcileTicker.Stop()
		statusTicker.Stop()
		peerTicker.Stop()
		close(stopCh)
	}
}

// triggerTypes are the externally sourced events accepted on the admin
// endpoint: relation changes and certificate lifecycle notifications
// arrive from outside the agent process.
var triggerTypes = map[events.EventType]bool{
	events.EventConfigChanged:  true,
	events.EventClientChanged:  true,
	events.EventClientBroken:   true,
	events.EventCertAvailable:  true,
	events.EventCertExpiring:   true,
	events.EventUpgradeRequest: true,
}

// newAdminMux routes metrics, liveness and the trigger endpoint.
func newAdminMux(broker *events.Broker, cfg *AgentConfig, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		t := events.EventType(r.URL.Query().Get("type"))
		if !triggerTypes[t] {
			http.Error(w, "unknown trigger type", http.StatusBadRequest)
			return
		}
		broker.Publish(&events.Event{
			ID:     uuid.New().String(),
			Type:   t,
			UnitID: cfg.UnitID,
		})
		logger.Info().Str("type", string(t)).Msg("external trigger accepted")
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

// startAdminServer serves metrics, liveness and the trigger endpoint.
func startAdminServer(addr string, broker *events.Broker, cfg *AgentConfig, logger zerolog.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: newAdminMux(broker, cfg, logger)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server error")
		}
	}()
	return srv
}

// startForwardServer serves the command endpoint followers forward
// their replicated-state writes to.
func startForwardServer(port int, mgr *manager.Manager, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(manager.ForwardPath, manager.NewForwardHandler(mgr))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("forward server error")
		}
	}()
	return srv
}
