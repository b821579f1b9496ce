package workload

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/herdops/herd/pkg/log"
)

const (
	// ServiceName is the distributed worker service this agent supervises
	ServiceName = "connect-distributed"

	// DefaultRESTPort is the worker's REST readiness port
	DefaultRESTPort = 8083
)

// Paths holds the fixed on-disk layout of the managed worker.
type Paths struct {
	ConfigDir string
	PluginDir string
	LogsDir   string
}

// DefaultPaths returns the conventional worker file layout.
func DefaultPaths() Paths {
	return Paths{
		ConfigDir: "/etc/connect",
		PluginDir: "/var/lib/connect/plugins",
		LogsDir:   "/var/log/connect",
	}
}

func (p Paths) WorkerProperties() string { return filepath.Join(p.ConfigDir, "connect-distributed.properties") }
func (p Paths) Env() string              { return filepath.Join(p.ConfigDir, "environment") }
func (p Paths) Passwords() string        { return filepath.Join(p.ConfigDir, "connect.password") }
func (p Paths) Certificate() string      { return filepath.Join(p.ConfigDir, "certificate.pem") }
func (p Paths) PrivateKey() string       { return filepath.Join(p.ConfigDir, "private.key") }
func (p Paths) CAChain() string          { return filepath.Join(p.ConfigDir, "ca.pem") }
func (p Paths) TruststorePassword() string {
	return filepath.Join(p.ConfigDir, "truststore.password")
}

// Supervisor is the narrow contract through which the operator touches
// the managed worker: process lifecycle plus file access. Everything
// else about the worker is opaque.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error

	// Active reports whether the worker process is running. Transient
	// probe failures fold into false after a short bounded retry.
	Active() bool

	// Available reports whether the process substrate can be reached at
	// all; when false, reconciliation defers to the next trigger.
	Available() bool

	// ReadLines returns the file's lines; a missing file reads as empty.
	ReadLines(path string) ([]string, error)
	WriteFile(path, content string) error

	// SetEnvironment merges KEY=VALUE vars into the environment file,
	// preserving unrelated keys.
	SetEnvironment(vars []string) error

	// CheckSocket reports whether a TCP socket accepts connections.
	CheckSocket(host string, port int) bool

	Paths() Paths
}

// Process supervises a locally spawned worker process.
type Process struct {
	paths   Paths
	command []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProcess creates a supervisor for the local worker binary.
func NewProcess(paths Paths) *Process {
	return &Process{
		paths: paths,
		command: []string{
			"/opt/kafka/bin/connect-distributed.sh",
			paths.WorkerProperties(),
		},
	}
}

// Start launches the worker with the current environment file contents.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running() {
		return nil
	}

	env, err := p.readEnv()
	if err != nil {
		return fmt.Errorf("failed to read environment file: %w", err)
	}

	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", ServiceName, err)
	}

	p.cmd = cmd
	p.exited = make(chan struct{})
	exited := p.exited

	logger := log.WithComponent("workload")
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug().Err(err).Msg("worker process exited")
		}
		close(exited)
	}()

	logger.Info().Int("pid", cmd.Process.Pid).Msg("worker started")
	return nil
}

// readEnv loads the environment file into KEY=VALUE pairs for the
// spawned process; an absent file reads as no extra environment.
func (p *Process) readEnv() ([]string, error) {
	lines, err := p.ReadLines(p.paths.Env())
	if err != nil {
		return nil, err
	}

	env := MapEnv(lines)
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	vars := make([]string, 0, len(env))
	for _, key := range keys {
		vars = append(vars, key+"="+env[key])
	}
	return vars, nil
}

// Stop terminates the worker process group, escalating to SIGKILL if it
// does not exit within the context deadline.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// Negative pid signals the whole process group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-exited
	}

	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()
	return nil
}

// Restart stops then starts the worker.
func (p *Process) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

// Active reports whether the worker process is running, retrying up to
// five times with a one second fixed wait to ride out startup races.
func (p *Process) Active() bool {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Second)
		}
		p.mu.Lock()
		running := p.running()
		p.mu.Unlock()
		if running {
			return true
		}
	}
	return false
}

// Available reports whether the local substrate is usable. For a local
// process supervisor that means the config dir exists and is writable.
func (p *Process) Available() bool {
	if err := os.MkdirAll(p.paths.ConfigDir, 0o755); err != nil {
		return false
	}
	return true
}

func (p *Process) running() bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// ReadLines reads the file at path line by line; absent files read empty.
func (p *Process) ReadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}

// WriteFile writes content to path, creating parent directories.
func (p *Process) WriteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o640)
}

// SetEnvironment merges the given KEY=VALUE vars into the environment
// file, keeping keys it does not mention.
func (p *Process) SetEnvironment(vars []string) error {
	current, err := p.ReadLines(p.paths.Env())
	if err != nil {
		return err
	}

	merged := MapEnv(current)
	for key, value := range MapEnv(vars) {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%s\n", key, merged[key])
	}
	return p.WriteFile(p.paths.Env(), b.String())
}

// CheckSocket reports whether an IPv4 socket accepts connections.
func (p *Process) CheckSocket(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Paths returns the worker's file layout.
func (p *Process) Paths() Paths {
	return p.paths
}

// MapEnv parses KEY=VALUE lines into a map. Keys without values are
// kept; lines without keys are dropped.
func MapEnv(vars []string) map[string]string {
	env := make(map[string]string, len(vars))
	for _, line := range vars {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		if key != "" {
			env[key] = value
		}
	}
	return env
}
