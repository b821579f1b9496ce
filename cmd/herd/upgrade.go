package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/herdops/herd/pkg/health"
	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/upgrade"
)

var preUpgradeCheckCmd = &cobra.Command{
	Use:   "pre-upgrade-check",
	Short: "Verify the cluster can absorb a rolling upgrade",
	Long: `Sweep every peer's health endpoint and refuse the upgrade unless the
whole cluster is healthy. Nothing is mutated when the check fails, so
the command is safe to run repeatedly until it passes.`,
	RunE: runPreUpgradeCheck,
}

func init() {
	preUpgradeCheckCmd.Flags().String("config", "", "Path to the agent YAML configuration")
	preUpgradeCheckCmd.Flags().Duration("timeout", 30*time.Second, "Overall check timeout")
}

func runPreUpgradeCheck(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("no peers declared in configuration")
	}

	units := make([]*types.Unit, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		units = append(units, &types.Unit{
			ID:       peer.ID,
			Hostname: peer.Host,
			RESTPort: peer.RESTPort,
		})
	}

	scheme := "http"
	if cfg.TLSEnabled {
		scheme = "https"
	}

	seq := upgrade.New(upgrade.Config{
		UnitID: cfg.UnitID,
		Units:  func() ([]*types.Unit, error) { return units, nil },
		CheckerFor: func(unit *types.Unit) health.Checker {
			return health.NewHTTPChecker(
				fmt.Sprintf("%s://%s:%d/", scheme, unit.Hostname, unit.RESTPort))
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := seq.PreUpgradeCheck(ctx); err != nil {
		var notReady *upgrade.ClusterNotReadyError
		if errors.As(err, &notReady) {
			fmt.Printf("✗ %s\n", notReady.Error())
		}
		return err
	}

	fmt.Println("✓ Pre-upgrade check passed. Proceed with the rolling upgrade.")
	return nil
}
