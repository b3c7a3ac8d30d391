// Package observer implements the Cluster Observer (spec §4.1): it samples
// the group-comms layer at a fixed interval and turns raw snapshots into
// typed events for the Supervisor, never blocking the caller and never
// throwing a probe failure across the component boundary.
package observer

import (
	"context"
	"log"
	"sync"
	"time"

	"hacontrold/internal/groupcomms"
	"hacontrold/internal/model"
)

// NodeStateChange is emitted when a member's online flag flips.
type NodeStateChange struct {
	Name           string
	Online         bool
	PreviousOnline bool
}

// Observer polls a groupcomms.Querier and emits poll/nodeStateChange/
// quorumChange events on typed channels. Back-pressure is latest-wins: a
// slow subscriber on Polls sees only the newest snapshot, never a queue.
type Observer struct {
	querier groupcomms.Querier

	pollCh      chan model.ClusterSnapshot
	nodeStateCh chan NodeStateChange
	quorumCh    chan bool

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	lastOnline map[string]bool
	lastQuorate bool
	haveLastQuorate bool

	// lastSnap is the last successful probe's snapshot, touched only by
	// tick; degrade starts from it when a probe fails.
	lastSnap model.ClusterSnapshot
}

// New constructs an Observer over the given Querier. Channel buffer sizes
// are small and deliberate: pollCh is size 1 with a drop-oldest writer so
// subscribers only ever see the latest tick (§9 "latest-wins").
func New(querier groupcomms.Querier) *Observer {
	return &Observer{
		querier:     querier,
		pollCh:      make(chan model.ClusterSnapshot, 1),
		nodeStateCh: make(chan NodeStateChange, 32),
		quorumCh:    make(chan bool, 8),
		lastOnline:  make(map[string]bool),
	}
}

// Polls returns the latest-wins snapshot channel.
func (o *Observer) Polls() <-chan model.ClusterSnapshot { return o.pollCh }

// NodeStateChanges returns the per-member online-flip channel, delivered in
// observation order for a given peer.
func (o *Observer) NodeStateChanges() <-chan NodeStateChange { return o.nodeStateCh }

// QuorumChanges returns the quorate-flip channel.
func (o *Observer) QuorumChanges() <-chan bool { return o.quorumCh }

// Start begins polling every intervalMs on its own goroutine. Idempotent:
// calling Start while already running is a no-op.
func (o *Observer) Start(intervalMs int) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	go o.loop(ctx, time.Duration(intervalMs)*time.Millisecond)
}

// Stop halts polling. Idempotent: calling Stop when not running is a no-op.
func (o *Observer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.cancel()
	o.running = false
}

func (o *Observer) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// probeTimeout bounds a single query so a hung probe cannot pile up ticks.
const probeTimeout = 1500 * time.Millisecond

func (o *Observer) tick(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	snap, err := o.querier.Query(qctx)
	if err != nil {
		log.Printf("observer: probe failed, treating all members offline: %v", err)
		snap = degrade(o.lastSnap)
	} else {
		o.lastSnap = snap
	}
	snap.ObservedAt = time.Now()

	o.emitNodeStateChanges(snap)
	o.emitQuorumChange(snap)
	o.emitPoll(snap)
}

// degrade marks every member of the last good snapshot offline, the local
// node included, and clears Quorate after a probe failure (§4.1 Failure).
func degrade(snap model.ClusterSnapshot) model.ClusterSnapshot {
	out := snap
	out.Quorate = false
	members := make([]model.Member, len(snap.Members))
	for i, m := range snap.Members {
		m.Online = false
		members[i] = m
	}
	out.Members = members
	return out
}

func (o *Observer) emitPoll(snap model.ClusterSnapshot) {
	select {
	case o.pollCh <- snap:
	default:
		// latest-wins: drain the stale value and replace it.
		select {
		case <-o.pollCh:
		default:
		}
		select {
		case o.pollCh <- snap:
		default:
		}
	}
}

func (o *Observer) emitNodeStateChanges(snap model.ClusterSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[string]bool, len(snap.Members))
	for _, m := range snap.Members {
		seen[m.Name] = true
		prev, known := o.lastOnline[m.Name]
		if (known && prev == m.Online) || (!known && !m.Online) {
			// Either a genuine no-op, or the first observation of a member
			// that's already offline: previousOnline would equal online
			// (both false), which §4.1 forbids ever emitting.
			o.lastOnline[m.Name] = m.Online
			continue
		}
		o.lastOnline[m.Name] = m.Online
		change := NodeStateChange{Name: m.Name, Online: m.Online, PreviousOnline: prev}
		select {
		case o.nodeStateCh <- change:
		default:
			log.Printf("observer: nodeStateChange channel full, dropping event for %s", m.Name)
		}
	}
}

func (o *Observer) emitQuorumChange(snap model.ClusterSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.haveLastQuorate && o.lastQuorate == snap.Quorate {
		return
	}
	o.haveLastQuorate = true
	o.lastQuorate = snap.Quorate
	select {
	case o.quorumCh <- snap.Quorate:
	default:
		log.Printf("observer: quorumChange channel full, dropping event")
	}
}
