package p2p

import (
	"sync"
	"time"

	"hacontrold/internal/mesh"
)

// NodeStateManager tracks the leader-authoritative node-state file's phase
// transitions (§6): initializing -> collecting on first peer add,
// -> propagating when propagation starts, -> active on completion;
// removing the last peer before propagation completes returns to
// initializing.
type NodeStateManager struct {
	mu    sync.Mutex
	state NodeStateFile
	store *Store
}

// NewNodeStateManager loads any persisted state, or starts fresh in phase
// "initializing" for clusterName/leaderNode/leaderIP.
func NewNodeStateManager(store *Store, clusterName, leaderNode, leaderIP string) *NodeStateManager {
	m := &NodeStateManager{store: store}
	if store != nil {
		if persisted, ok, err := store.LoadNodeState(); err == nil && ok {
			m.state = persisted
			return m
		}
	}
	m.state = NodeStateFile{
		Phase:       PhaseInitializing,
		ClusterName: clusterName,
		LeaderNode:  leaderNode,
		LeaderIP:    leaderIP,
		CreatedAt:   time.Now(),
	}
	m.persist()
	return m
}

func (m *NodeStateManager) persist() {
	if m.store != nil {
		m.store.PersistNodeState(m.state)
	}
}

// Snapshot returns a copy of the current node-state file.
func (m *NodeStateManager) Snapshot() NodeStateFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerAdded records a new peer and advances initializing->collecting on
// the first one.
func (m *NodeStateManager) PeerAdded(p mesh.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.Peers {
		if existing.Name == p.Name {
			return
		}
	}
	m.state.Peers = append(m.state.Peers, p)
	if m.state.Phase == PhaseInitializing {
		m.state.Phase = PhaseCollecting
	}
	m.persist()
}

// PeerRemoved drops a peer; if none remain and propagation never
// completed, the phase returns to initializing.
func (m *NodeStateManager) PeerRemoved(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var remaining []mesh.Peer
	for _, p := range m.state.Peers {
		if p.Name != name {
			remaining = append(remaining, p)
		}
	}
	m.state.Peers = remaining
	if len(remaining) == 0 && m.state.Phase != PhaseActive {
		m.state.Phase = PhaseInitializing
	}
	m.persist()
}

// PropagationStarted advances collecting->propagating.
func (m *NodeStateManager) PropagationStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == PhaseCollecting {
		m.state.Phase = PhasePropagating
	}
	m.persist()
}

// PropagationCompleted advances propagating->active and stamps
// PropagatedAt.
func (m *NodeStateManager) PropagationCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Phase = PhaseActive
	m.state.PropagatedAt = time.Now()
	m.persist()
}
