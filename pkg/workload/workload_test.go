package workload

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	return Paths{
		ConfigDir: filepath.Join(dir, "etc"),
		PluginDir: filepath.Join(dir, "plugins"),
		LogsDir:   filepath.Join(dir, "logs"),
	}
}

// TestMapEnv tests KEY=VALUE parsing
func TestMapEnv(t *testing.T) {
	tests := []struct {
		name string
		vars []string
		want map[string]string
	}{
		{
			name: "simple vars",
			vars: []string{"JAVA_HOME=/usr/lib/jvm", "LOG_DIR=/var/log/connect"},
			want: map[string]string{"JAVA_HOME": "/usr/lib/jvm", "LOG_DIR": "/var/log/connect"},
		},
		{
			name: "empty value kept",
			vars: []string{"KAFKA_OPTS="},
			want: map[string]string{"KAFKA_OPTS": ""},
		},
		{
			name: "value with equals sign",
			vars: []string{"KAFKA_OPTS=-Djava.security.auth.login.config=/etc/connect/jaas.cfg"},
			want: map[string]string{"KAFKA_OPTS": "-Djava.security.auth.login.config=/etc/connect/jaas.cfg"},
		},
		{
			name: "blank and keyless lines dropped",
			vars: []string{"", "  ", "=orphan", "A=1"},
			want: map[string]string{"A": "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapEnv(tt.vars))
		})
	}
}

// TestSetEnvironmentMergesKeys tests that unrelated keys survive updates
func TestSetEnvironmentMergesKeys(t *testing.T) {
	p := NewProcess(testPaths(t))

	require.NoError(t, p.SetEnvironment([]string{"JAVA_HOME=/usr/lib/jvm", "LOG_DIR=/var/log/connect"}))
	require.NoError(t, p.SetEnvironment([]string{"LOG_DIR=/mnt/logs"}))

	lines, err := p.ReadLines(p.Paths().Env())
	require.NoError(t, err)

	env := MapEnv(lines)
	assert.Equal(t, "/usr/lib/jvm", env["JAVA_HOME"])
	assert.Equal(t, "/mnt/logs", env["LOG_DIR"])
}

// TestReadEnvSortedPairs tests the environment handed to the spawned process
func TestReadEnvSortedPairs(t *testing.T) {
	p := NewProcess(testPaths(t))

	require.NoError(t, p.SetEnvironment([]string{"LOG_DIR=/var/log/connect", "JAVA_HOME=/usr/lib/jvm"}))

	vars, err := p.readEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"JAVA_HOME=/usr/lib/jvm", "LOG_DIR=/var/log/connect"}, vars)
}

// TestReadEnvMissingFile tests that a worker without an env file gets none
func TestReadEnvMissingFile(t *testing.T) {
	p := NewProcess(testPaths(t))

	vars, err := p.readEnv()
	require.NoError(t, err)
	assert.Empty(t, vars)
}

// TestReadLinesMissingFile tests that an absent file reads as empty
func TestReadLinesMissingFile(t *testing.T) {
	p := NewProcess(testPaths(t))

	lines, err := p.ReadLines(p.Paths().WorkerProperties())
	require.NoError(t, err)
	assert.Empty(t, lines)
}

// TestWriteFileRoundTrip tests write then read through the supervisor
func TestWriteFileRoundTrip(t *testing.T) {
	p := NewProcess(testPaths(t))

	content := "group.id=connect-cluster\nrest.port=8083\n"
	require.NoError(t, p.WriteFile(p.Paths().WorkerProperties(), content))

	lines, err := p.ReadLines(p.Paths().WorkerProperties())
	require.NoError(t, err)
	assert.Equal(t, strings.Split(content, "\n"), lines)
}

// TestActiveWithoutProcess tests that a never-started worker is inactive
func TestActiveWithoutProcess(t *testing.T) {
	p := &Process{paths: testPaths(t)}
	p.mu.Lock()
	running := p.running()
	p.mu.Unlock()
	assert.False(t, running)
}
