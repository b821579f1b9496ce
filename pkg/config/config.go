package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/workload"
)

const (
	// GroupID is the distributed worker group identity
	GroupID = "connect-cluster"

	// DefaultConverterClass converts record keys and values on the wire
	DefaultConverterClass = "org.apache.kafka.connect.json.JsonConverter"

	// AuthExtensionClass enables basic-auth on the worker REST surface
	AuthExtensionClass = "org.apache.kafka.connect.rest.basic.auth.extension.BasicAuthSecurityRestExtension"

	// DefaultSecurityMechanism authenticates against the upstream cluster
	DefaultSecurityMechanism = "SCRAM-SHA-512"
)

// Manager renders the desired worker property set and writes the final
// configuration snapshot to disk. Rendering is deterministic: the same
// inputs always produce the same sorted lines, which keeps drift
// detection free of false positives.
type Manager struct {
	supervisor workload.Supervisor
}

// NewManager creates a config manager over the given supervisor.
func NewManager(supervisor workload.Supervisor) *Manager {
	return &Manager{supervisor: supervisor}
}

// Properties computes the desired property lines from every
// configuration source: static defaults, client relation values,
// app-scoped peer state and the unit's own identity.
func (m *Manager) Properties(cluster *types.ClusterContext, unit *types.Unit) []string {
	paths := m.supervisor.Paths()

	props := map[string]string{
		"group.id":                  GroupID,
		"key.converter":             DefaultConverterClass,
		"value.converter":           DefaultConverterClass,
		"plugin.path":               paths.PluginDir,
		"offset.storage.topic":      cluster.App.InternalTopics.Offset,
		"config.storage.topic":      cluster.App.InternalTopics.Config,
		"status.storage.topic":      cluster.App.InternalTopics.Status,
		"rest.advertised.host.name": unit.Hostname,
		"rest.advertised.port":      fmt.Sprintf("%d", unit.RESTPort),
	}

	replication := cluster.App.ReplicationFactor
	if replication == 0 {
		// -1 delegates to the broker's default replication factor.
		replication = -1
	}
	props["offset.storage.replication.factor"] = fmt.Sprintf("%d", replication)
	props["config.storage.replication.factor"] = fmt.Sprintf("%d", replication)
	props["status.storage.replication.factor"] = fmt.Sprintf("%d", replication)

	if cluster.Client != nil {
		props["bootstrap.servers"] = strings.Join(cluster.Client.BootstrapServers, ",")

		mechanism := cluster.Client.SecurityMechanism
		if mechanism == "" {
			mechanism = DefaultSecurityMechanism
		}
		props["sasl.mechanism"] = mechanism
		props["sasl.jaas.config"] = fmt.Sprintf(
			"org.apache.kafka.common.security.scram.ScramLoginModule required username=\"%s\" password=\"%s\";",
			cluster.Client.Username, cluster.Client.Password,
		)
	}

	protocol := "http"
	if cluster.App.TLSEnabled {
		protocol = "https"
		props["ssl.client.auth"] = "none"
		props["listeners.https.ssl.keystore.certificate.chain"] = paths.Certificate()
		props["listeners.https.ssl.keystore.key"] = paths.PrivateKey()
		props["listeners.https.ssl.truststore.certificates"] = paths.CAChain()
		props["security.protocol"] = "SASL_SSL"
	} else {
		props["security.protocol"] = "SASL_PLAINTEXT"
	}
	props["listeners"] = fmt.Sprintf("%s://:%d", protocol, unit.RESTPort)

	if cluster.App.AdminPassword != "" {
		props["rest.extension.classes"] = AuthExtensionClass
	}

	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s=%s", key, props[key]))
	}
	return lines
}

// Applied reads the property lines currently written to disk; an absent
// file reads as empty, which signals drift on first run.
func (m *Manager) Applied() ([]string, error) {
	return m.supervisor.ReadLines(m.supervisor.Paths().WorkerProperties())
}

// Configure renders and writes the final worker configuration: the
// properties file plus the environment file the service reads at start.
func (m *Manager) Configure(cluster *types.ClusterContext, unit *types.Unit) error {
	paths := m.supervisor.Paths()

	lines := m.Properties(cluster, unit)
	content := strings.Join(lines, "\n") + "\n"
	if err := m.supervisor.WriteFile(paths.WorkerProperties(), content); err != nil {
		return fmt.Errorf("failed to write worker properties: %w", err)
	}

	env := []string{
		"LOG_DIR=" + paths.LogsDir,
		"KAFKA_OPTS=-Djava.security.auth.login.config=" + paths.ConfigDir + "/jaas.cfg",
	}
	if err := m.supervisor.SetEnvironment(env); err != nil {
		return fmt.Errorf("failed to update environment: %w", err)
	}
	return nil
}
