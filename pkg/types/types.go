package types

import (
	"time"
)

// Unit represents one member of the managed worker cluster.
// Unit-scoped fields are writable only by the owning unit's agent;
// peers observe them read-only through the replicated state store.
type Unit struct {
	ID            string
	Hostname      string
	Address       string
	RESTPort      int
	ShouldRestart bool
	TLS           *TLSState
	Healthy       bool
	LastSeen      time.Time
	CreatedAt     time.Time
}

// TLSState holds the TLS material and identity claims for a unit.
type TLSState struct {
	Enabled     bool
	Certificate string   // PEM-encoded leaf certificate
	PrivateKey  string   // PEM-encoded private key
	CAChain     string   // PEM-encoded CA chain
	SANs        []string // subject-alternative-names on the issued certificate
	// RenewalRequested marks an outstanding certificate-renewal request;
	// cleared when a fresh certificate lands.
	RenewalRequested bool
	TruststorePass   string
}

// AppState holds the application-scoped fields of the peer state store.
// Mutated by the leader unit only, by interface contract.
type AppState struct {
	AdminPassword     string
	TLSEnabled        bool
	InternalTopics    InternalTopics
	ReplicationFactor int
}

// ClusterContext is the application-wide aggregate view: all units plus
// application-scoped state and the upstream client relation snapshot.
type ClusterContext struct {
	AppName string
	Units   []*Unit
	App     AppState
	Client  *ClientRelation
}

// Ready reports whether the external dependencies required before any
// restart are satisfied: peer membership known and client credentials
// present. A restart into a cluster that fails this check would come up
// broken, so callers must decline to act instead.
func (c *ClusterContext) Ready() bool {
	return len(c.Units) > 0 && c.Client.HasCredentials()
}

// Status computes the prioritized context condition from scratch.
func (c *ClusterContext) Status() Condition {
	if c.Client == nil || len(c.Client.BootstrapServers) == 0 {
		return StatusMissingClient
	}
	if !c.Client.HasCredentials() {
		return StatusNoCredentials
	}
	return StatusActive
}

// InternalTopics names the worker cluster's internal bookkeeping topics.
type InternalTopics struct {
	Offset string
	Config string
	Status string
}

// DefaultInternalTopics returns the conventional internal topic names.
func DefaultInternalTopics() InternalTopics {
	return InternalTopics{
		Offset: "connect-offset",
		Config: "connect-config",
		Status: "connect-status",
	}
}

// ClientRelation describes the upstream message-queue cluster this
// worker tier depends on. Externally supplied and read-only here;
// endpoints and credentials may rotate at any time.
type ClientRelation struct {
	BootstrapServers  []string
	Username          string
	Password          string
	CACert            string
	SecurityMechanism string
}

// HasCredentials reports whether the relation carries usable credentials.
func (c *ClientRelation) HasCredentials() bool {
	return c != nil && len(c.BootstrapServers) > 0 && c.Username != "" && c.Password != ""
}

// RestartLock is the cluster-singleton mutual-exclusion token gating
// sequential restarts. Holder is empty when the lock is free. Queue
// order is best-effort: it reflects commit order of acquire requests,
// not a strict fairness guarantee.
type RestartLock struct {
	Holder string
	Queue  []string
}

// Requested reports whether the unit currently holds or waits for the lock.
func (l *RestartLock) Requested(unitID string) bool {
	if l.Holder == unitID {
		return true
	}
	for _, id := range l.Queue {
		if id == unitID {
			return true
		}
	}
	return false
}

// ConditionLevel orders status conditions by severity. Lower is worse.
type ConditionLevel int

const (
	LevelBlocked ConditionLevel = iota
	LevelWaiting
	LevelMaintenance
	LevelActive
)

func (l ConditionLevel) String() string {
	switch l {
	case LevelBlocked:
		return "blocked"
	case LevelWaiting:
		return "waiting"
	case LevelMaintenance:
		return "maintenance"
	case LevelActive:
		return "active"
	}
	return "unknown"
}

// Condition is one entry in the prioritized unit status list.
type Condition struct {
	Level   ConditionLevel
	Message string
}

// Possible unit statuses, mirrored across status collection and logs.
var (
	StatusInstalling      = Condition{LevelMaintenance, "Installing worker"}
	StatusMissingClient   = Condition{LevelBlocked, "Application needs Kafka client relation"}
	StatusNoCredentials   = Condition{LevelWaiting, "Waiting for Kafka cluster credentials"}
	StatusServiceNotRun   = Condition{LevelBlocked, "Worker service is not running"}
	StatusNotListening    = Condition{LevelWaiting, "Worker REST endpoint not yet listening"}
	StatusDegradedRestart = Condition{LevelMaintenance, "Worker unhealthy after restart, retry pending"}
	StatusActive          = Condition{LevelActive, ""}
)

// WorstOf returns the highest-priority condition from the given list,
// recomputed fully on every status-collection event so status never
// reflects stale partial state. An empty list is active.
func WorstOf(conds []Condition) Condition {
	worst := StatusActive
	for _, c := range conds {
		if c.Level < worst.Level {
			worst = c
		}
	}
	return worst
}
