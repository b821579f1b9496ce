package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes the worker's REST listener with a bare connect. It
// proves the process accepts connections without touching the REST
// resource tree, so it stays usable while authentication material is
// still converging on the unit.
type TCPChecker struct {
	// Address is the listener to dial (e.g., "127.0.0.1:8083")
	Address string

	// Timeout bounds each connect attempt (default: 2 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a checker for the given listener address.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 2 * time.Second,
	}
}

// Check dials the listener once and closes the connection.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	dialCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", t.Address)
	if err != nil {
		result.Message = fmt.Sprintf("listener %s unreachable: %v", t.Address, err)
		result.Duration = time.Since(start)
		return result
	}
	_ = conn.Close()

	result.Healthy = true
	result.Message = fmt.Sprintf("listener %s accepting connections", t.Address)
	result.Duration = time.Since(start)
	return result
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the per-connect timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
