package tlsmat

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"

	"github.com/herdops/herd/pkg/types"
	"github.com/herdops/herd/pkg/workload"
)

// Requester is the certificate-authority collaborator. The operator
// emits a renewal request with the unit's target SAN identity; the
// issued certificate arrives later as a certificate-available trigger.
type Requester interface {
	RequestRenewal(unitID string, sans []string) error
}

// Manager derives required SAN sets from the unit's network identity,
// detects SAN drift against the issued certificate, and applies TLS
// material to the worker's fixed file layout.
type Manager struct {
	supervisor workload.Supervisor
}

// NewManager creates a TLS material manager.
func NewManager(supervisor workload.Supervisor) *Manager {
	return &Manager{supervisor: supervisor}
}

// RequiredSANs returns the subject-alternative-names that must be
// present on the unit's certificate, derived from its current network
// identity.
func (m *Manager) RequiredSANs(unit *types.Unit) []string {
	sans := make([]string, 0, 3)
	if unit.Hostname != "" {
		sans = append(sans, unit.Hostname)
	}
	if unit.Address != "" && unit.Address != unit.Hostname {
		sans = append(sans, unit.Address)
	}
	if unit.ID != "" && unit.ID != unit.Hostname {
		sans = append(sans, unit.ID)
	}
	sort.Strings(sans)
	return sans
}

// AppliedSANs parses the issued certificate and returns its SAN set.
// An empty or unparseable certificate reads as no SANs.
func AppliedSANs(certPEM string) []string {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil
	}

	sans := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	sans = append(sans, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}
	sort.Strings(sans)
	return sans
}

// SANsChanged reports whether the unit's required SAN set differs from
// the SANs on its currently issued certificate. Units without an issued
// certificate report no change; first issuance goes through the normal
// certificate request path, not renewal.
func (m *Manager) SANsChanged(unit *types.Unit) bool {
	if unit.TLS == nil || unit.TLS.Certificate == "" {
		return false
	}

	required := m.RequiredSANs(unit)
	applied := AppliedSANs(unit.TLS.Certificate)

	if len(required) != len(applied) {
		return true
	}
	for i := range required {
		if required[i] != applied[i] {
			return true
		}
	}
	return false
}

// Configure writes the unit's TLS material to the worker's fixed paths:
// certificate, private key, CA chain and truststore password. Integrators
// read the truststore password from disk rather than over the wire.
func (m *Manager) Configure(unit *types.Unit) error {
	if unit.TLS == nil || !unit.TLS.Enabled {
		return nil
	}

	paths := m.supervisor.Paths()
	files := map[string]string{
		paths.Certificate():        unit.TLS.Certificate,
		paths.PrivateKey():         unit.TLS.PrivateKey,
		paths.CAChain():            unit.TLS.CAChain,
		paths.TruststorePassword(): unit.TLS.TruststorePass,
	}

	for path, content := range files {
		if content == "" {
			continue
		}
		if err := m.supervisor.WriteFile(path, content); err != nil {
			return fmt.Errorf("failed to write TLS material %s: %w", path, err)
		}
	}
	return nil
}
