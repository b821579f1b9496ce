package auth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/workload"
)

// AdminUser authenticates integrators against the worker REST surface.
const AdminUser = "admin"

// Manager maintains the basic-auth credential store the worker's REST
// extension reads. Credentials live in the app scope of the peer state
// store; this manager only materializes them on disk.
type Manager struct {
	supervisor workload.Supervisor
}

// NewManager creates an auth manager over the given supervisor.
func NewManager(supervisor workload.Supervisor) *Manager {
	return &Manager{supervisor: supervisor}
}

// Enable writes the credential file consumed by the basic-auth REST
// extension. Must complete before the final configuration is rendered,
// otherwise the worker would restart pointing at absent credentials.
func (m *Manager) Enable(app *types.AppState) error {
	if app.AdminPassword == "" {
		return fmt.Errorf("admin password not yet set in app state")
	}

	content := strings.Join([]string{
		fmt.Sprintf("%s: %s", AdminUser, app.AdminPassword),
	}, "\n") + "\n"

	path := m.supervisor.Paths().Passwords()
	if err := m.supervisor.WriteFile(path, content); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	return nil
}

// GeneratePassword returns a fresh random secret. Called by the leader
// when bootstrapping app-scoped credentials.
func GeneratePassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
