// Package model holds the data types shared across hacontrold's
// components, as described in spec §3 (Data Model). Nothing here owns
// mutable state — ClusterSnapshot, HealthResult and FenceHistoryEntry are
// immutable values passed between components over channels; only the
// supervisor owns the mutable NodeRuntimeState.
package model

import "time"

// Member describes one cluster node as seen by group-comms membership.
type Member struct {
	NodeID    int    `json:"nodeId"`
	Name      string `json:"name"`
	OverlayIP string `json:"overlayIp"`
	Online    bool   `json:"online"`
}

// ClusterSnapshot is the immutable value the Cluster Observer emits on
// every tick (§4.1). A node present in configuration but not observed
// online still appears, with Online=false.
type ClusterSnapshot struct {
	Quorate       bool     `json:"quorate"`
	ExpectedVotes int      `json:"expectedVotes"`
	TotalVotes    int      `json:"totalVotes"`
	Members       []Member `json:"members"`
	ObservedAt    time.Time `json:"observedAt"`
}

// OnlineMember looks up a member by name and reports whether it is online.
func (s ClusterSnapshot) OnlineMember(name string) (Member, bool) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, m.Online
		}
	}
	return Member{}, false
}

// VIP is a declared virtual IP resource (§3).
type VIP struct {
	Name      string `yaml:"name" json:"name"`
	IP        string `yaml:"ip" json:"ip"`     // "x.x.x.x" or "x.x.x.x/cidr" shorthand
	CIDR      int    `yaml:"cidr" json:"cidr"` // resolved prefix length
	Interface string `yaml:"interface" json:"interface"`
}

// HealthCheckSpec describes a probe attached to a service or standing alone.
type HealthCheckSpec struct {
	Name                   string `yaml:"name" json:"name"`
	Type                   string `yaml:"type" json:"type"` // http | tcp | systemd
	URL                    string `yaml:"url,omitempty" json:"url,omitempty"`
	Host                   string `yaml:"host,omitempty" json:"host,omitempty"`
	Port                   int    `yaml:"port,omitempty" json:"port,omitempty"`
	Unit                   string `yaml:"unit,omitempty" json:"unit,omitempty"`
	IntervalMs             int    `yaml:"intervalMs" json:"intervalMs"`
	TimeoutMs              int    `yaml:"timeoutMs" json:"timeoutMs"`
	FailuresBeforeUnhealthy int   `yaml:"failuresBeforeUnhealthy" json:"failuresBeforeUnhealthy"`
	SuccessesBeforeHealthy int    `yaml:"successesBeforeHealthy" json:"successesBeforeHealthy"`
	// Standalone marks a health check declared outside of any service —
	// standalone checks run on every node, not just the leader (§4.4).
	Standalone bool `yaml:"-" json:"standalone"`
}

// Service is a declared systemd-managed resource (§3).
type Service struct {
	Name      string           `yaml:"name" json:"name"`
	Unit      string           `yaml:"unit" json:"unit"`
	Healthcheck *HealthCheckSpec `yaml:"healthcheck,omitempty" json:"healthcheck,omitempty"`
}

// ConstraintKind distinguishes ordering from colocation constraints.
type ConstraintKind string

const (
	ConstraintOrder      ConstraintKind = "order"
	ConstraintColocation ConstraintKind = "colocation"
)

// Constraint names two declared resources and how they relate.
type Constraint struct {
	Kind  ConstraintKind `yaml:"kind" json:"kind"`
	First string         `yaml:"first" json:"first"` // order(first -> then)
	Then  string         `yaml:"then" json:"then"`
	A     string         `yaml:"a" json:"a"` // colocation(a, b)
	B     string         `yaml:"b" json:"b"`
}

// HealthResult is the per-target outcome of the Health Monitor's state
// machine (§3, §4.4).
type HealthResult struct {
	Name                 string    `json:"name"`
	Healthy              bool      `json:"healthy"`
	LastCheck            time.Time `json:"lastCheck"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastError            string    `json:"lastError,omitempty"`
}

// FenceAction identifies a power operation the coordinator can issue.
type FenceAction string

const (
	FenceActionPowerOff FenceAction = "power_off"
	FenceActionPowerOn  FenceAction = "power_on"
)

// FenceInitiator distinguishes automatic fences from operator-invoked ones.
type FenceInitiator string

const (
	InitiatedAutomatic FenceInitiator = "automatic"
	InitiatedManual    FenceInitiator = "manual"
)

// FenceHistoryEntry is one append-only record in the fence journal (§3).
type FenceHistoryEntry struct {
	ID          string         `json:"id"`
	Node        string         `json:"node"`
	Action      FenceAction    `json:"action"`
	Success     bool           `json:"success"`
	Reason      string         `json:"reason"`
	Timestamp   time.Time      `json:"timestamp"`
	DurationMs  int64          `json:"durationMs"`
	InitiatedBy FenceInitiator `json:"initiatedBy"`
}

// NodePhase is the Supervisor's state machine position (§4.8).
type NodePhase string

const (
	PhaseInitializing   NodePhase = "initializing"
	PhaseWaitingQuorum  NodePhase = "waiting-quorum"
	PhaseFollower       NodePhase = "follower"
	PhaseLeader         NodePhase = "leader"
	PhaseStandby        NodePhase = "standby"
	PhaseStopping       NodePhase = "stopping"
)
