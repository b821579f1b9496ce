package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadConfigDefaults tests every defaulted field
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "unit_id: worker-0\n"))
	require.NoError(t, err)

	assert.Equal(t, "herd", cfg.AppName)
	assert.Equal(t, "worker-0", cfg.AdvertisedHost, "advertised host falls back to the unit id")
	assert.Equal(t, 7971, cfg.ForwardPort)
	assert.Equal(t, "http", cfg.HealthCheck.Type)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
}

// TestLoadConfigProbeSelection tests the health check type plumbing
func TestLoadConfigProbeSelection(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
unit_id: worker-0
health_check:
  type: grpc
  grpc_service: connect.worker
`))
	require.NoError(t, err)

	assert.Equal(t, "grpc", cfg.HealthCheck.Type)
	assert.Equal(t, "connect.worker", cfg.HealthCheck.GRPCService)
}

// TestLoadConfigRejectsUnknownProbe tests the probe type guard
func TestLoadConfigRejectsUnknownProbe(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "unit_id: worker-0\nhealth_check:\n  type: icmp\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health_check.type")
}

// TestLoadConfigRequiresUnitID tests the only mandatory field
func TestLoadConfigRequiresUnitID(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "app_name: herd\n"))
	require.Error(t, err)
}
