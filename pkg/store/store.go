package store

import (
	"github.com/herdops/herd/pkg/types"
)

// Store defines the interface for the peer state store: a shared
// key-value namespace partitioned by ownership scope. Unit-scoped
// records are writable only by their owning unit and app-scoped records
// only by the leader; the store does not enforce this itself, callers
// honor it by contract.
type Store interface {
	// Unit scope
	PutUnit(unit *types.Unit) error
	GetUnit(id string) (*types.Unit, error)
	ListUnits() ([]*types.Unit, error)
	DeleteUnit(id string) error

	// Application scope
	PutApp(app *types.AppState) error
	GetApp() (*types.AppState, error)

	// Client relation snapshot (externally supplied, read-mostly)
	PutClient(client *types.ClientRelation) error
	GetClient() (*types.ClientRelation, error)

	// Restart lock record
	PutLock(lock *types.RestartLock) error
	GetLock() (*types.RestartLock, error)

	Close() error
}
