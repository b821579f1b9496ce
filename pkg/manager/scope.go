package manager

import (
	"github.com/herdops/herd/pkg/types"
)

// UnitScope narrows the manager to the view the reconciliation engine
// needs: the full cluster context plus writes to this unit's own keys.
// The unit-scoped write convention lives here; nothing outside the
// owning unit's agent holds a UnitScope for it.
type UnitScope struct {
	m       *Manager
	unitID  string
	appName string
}

// NewUnitScope creates the unit-scoped view for one unit.
func NewUnitScope(m *Manager, unitID, appName string) *UnitScope {
	return &UnitScope{m: m, unitID: unitID, appName: appName}
}

// Context returns the application-wide aggregate view.
func (s *UnitScope) Context() (*types.ClusterContext, error) {
	return s.m.Context(s.appName)
}

// Unit returns this unit's own replicated record.
func (s *UnitScope) Unit() (*types.Unit, error) {
	return s.m.GetUnit(s.unitID)
}

// SetShouldRestart flags or clears this unit's pending restart.
func (s *UnitScope) SetShouldRestart(value bool) error {
	return s.m.SetShouldRestart(s.unitID, value)
}

// ClearCertificate drops the cached issued certificate and marks the
// renewal as outstanding, so a repeated pass cannot re-request it.
func (s *UnitScope) ClearCertificate() error {
	unit, err := s.m.GetUnit(s.unitID)
	if err != nil {
		return err
	}
	if unit == nil || unit.TLS == nil {
		return nil
	}
	unit.TLS.Certificate = ""
	unit.TLS.SANs = nil
	unit.TLS.RenewalRequested = true
	return s.m.PutUnit(unit)
}
