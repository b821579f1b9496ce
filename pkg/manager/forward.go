package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/herdops/herd/pkg/log"
)

// ForwardPath is the route every member serves forwarded commands on.
const ForwardPath = "/v1/apply"

var forwardClient = &http.Client{Timeout: applyTimeout}

// Applier commits forwarded commands on the leader.
type Applier interface {
	IsLeader() bool
	ApplyForwarded(cmd Command) error
}

// forward ships a command to the current leader's command endpoint.
func (m *Manager) forward(cmd Command) error {
	leader := m.LeaderAddr()
	if leader == "" {
		return fmt.Errorf("%w: no leader known", ErrNotLeader)
	}
	url, err := forwardURL(leader, m.forwardPort)
	if err != nil {
		return err
	}
	return forwardCommand(forwardClient, url, cmd)
}

// forwardURL maps the leader's raft address to its command endpoint.
// The endpoint port is shared cluster-wide, only the host varies.
func forwardURL(raftAddr string, port int) (string, error) {
	host, _, err := net.SplitHostPort(raftAddr)
	if err != nil {
		return "", fmt.Errorf("failed to parse leader address %q: %w", raftAddr, err)
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + ForwardPath, nil
}

func forwardCommand(client *http.Client, url string, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to forward %s: %w", cmd.Op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: leadership moved while forwarding %s", ErrNotLeader, cmd.Op)
	}
	return fmt.Errorf("leader rejected forwarded %s: %s", cmd.Op, strings.TrimSpace(string(msg)))
}

// NewForwardHandler serves the command endpoint: followers POST a
// Command here and the leader commits it through the replicated log.
func NewForwardHandler(applier Applier) http.Handler {
	logger := log.WithComponent("forward")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var cmd Command
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cmd); err != nil {
			http.Error(w, "malformed command", http.StatusBadRequest)
			return
		}

		if !applier.IsLeader() {
			http.Error(w, ErrNotLeader.Error(), http.StatusConflict)
			return
		}

		start := time.Now()
		if err := applier.ApplyForwarded(cmd); err != nil {
			logger.Warn().Err(err).Str("op", cmd.Op).Msg("forwarded command failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Debug().Str("op", cmd.Op).Dur("took", time.Since(start)).Msg("forwarded command applied")
		w.WriteHeader(http.StatusNoContent)
	})
}
