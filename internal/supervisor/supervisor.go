// Package supervisor implements the Supervisor/daemon (spec §4.8): it owns
// the node runtime state machine, wires every other component, and is the
// single logical thread that mutates leadership/standby/grace state (§5).
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"hacontrold/internal/config"
	"hacontrold/internal/control"
	"hacontrold/internal/election"
	"hacontrold/internal/fence"
	"hacontrold/internal/health"
	"hacontrold/internal/model"
	"hacontrold/internal/observer"
	"hacontrold/internal/p2p"
	"hacontrold/internal/resources"
	"hacontrold/internal/systemdx"
)

// leaderSeizureThreshold is the "3 consecutive polls" constant from §4.8's
// derived rule.
const leaderSeizureThreshold = 3

// deadNodeBackupThreshold is the §4.5 "deadNodePolls[name] >= 2" backup
// scheduling threshold.
const deadNodeBackupThreshold = 2

// Supervisor wires the Cluster Observer, Election Module, Resource
// Activator, Health Monitor, Fence Coordinator and P2P/Control planes, and
// owns the node runtime state described in spec §3.
type Supervisor struct {
	localNodeID   int
	localNodeName string
	pidFile       string

	cfg *config.Config

	obs       *observer.Observer
	electionM *election.Manager
	activator *resources.Activator
	healthMon *health.Monitor
	fenceC    *fence.Coordinator
	p2pServer *p2p.Server
	ctrlSrv   *control.Server
	units     systemdx.UnitController

	// commands is the single-threaded actor queue: every mutation of
	// runtime state is a closure submitted here and drained by run(),
	// so no suspension ever happens while "holding" the state (§5).
	commands chan func()

	// mu guards the fields below. They are mutated on the actor loop, except
	// lastSnapshot, which MergeSnapshot also replaces from P2P handlers;
	// Status and fenceGates read them from other goroutines.
	mu sync.Mutex
	phase          model.NodePhase
	isLeader       bool
	inStandby      bool
	inStartupGrace bool
	pollsWithoutVIP int
	deadNodePolls  map[string]int
	daemonStart    time.Time
	quorate        bool
	lastSnapshot   model.ClusterSnapshot
	standbySet     map[string]bool
	coLocatedSpecs []model.HealthCheckSpec

	stopped chan struct{}
}

// Deps bundles every collaborator the Supervisor wires together.
type Deps struct {
	LocalNodeID   int
	LocalNodeName string
	PIDFile       string
	Config        *config.Config
	Observer      *observer.Observer
	Election      *election.Manager
	Activator     *resources.Activator
	Health        *health.Monitor
	Fence         *fence.Coordinator
	P2P           *p2p.Server
	Control       *control.Server
	Units         systemdx.UnitController
}

// New constructs a Supervisor in phase "initializing".
func New(d Deps) *Supervisor {
	sv := &Supervisor{
		localNodeID:   d.LocalNodeID,
		localNodeName: d.LocalNodeName,
		pidFile:       d.PIDFile,
		cfg:           d.Config,
		obs:           d.Observer,
		electionM:     d.Election,
		activator:     d.Activator,
		healthMon:     d.Health,
		fenceC:        d.Fence,
		p2pServer:     d.P2P,
		ctrlSrv:       d.Control,
		units:         d.Units,
		commands:      make(chan func(), 64),
		deadNodePolls: make(map[string]int),
		standbySet:    make(map[string]bool),
		phase:         model.PhaseInitializing,
		stopped:       make(chan struct{}),
	}
	sv.coLocatedSpecs = coLocatedSpecsOf(d.Config.Services)
	return sv
}

// loadConfig re-reads and validates the config file at path, used by the
// control-plane "reload" command.
func (sv *Supervisor) loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// Run is the Supervisor's main loop (§4.8, §5): it starts every subsystem,
// writes the PID file, then processes events until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	if err := sv.writePIDFile(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	defer os.Remove(sv.pidFile)

	sv.mu.Lock()
	sv.daemonStart = time.Now()
	sv.inStartupGrace = true
	sv.mu.Unlock()

	go sv.startupGraceTimer(ctx)

	sv.obs.Start(sv.cfg.Cluster.PollIntervalMs)
	defer sv.obs.Stop()

	// Standalone health checks run on every node regardless of leadership
	// (§4.4); co-located checks only start once this node becomes leader.
	sv.healthMon.Start(ctx, sv.cfg.HealthChecks)

	if sv.cfg.Cluster.QuorumRequired {
		sv.setPhase(model.PhaseWaitingQuorum)
	} else {
		sv.setPhase(model.PhaseFollower)
	}

	if sv.p2pServer != nil {
		go func() {
			if err := sv.p2pServer.ListenAndServe(); err != nil {
				log.Printf("supervisor: p2p server stopped: %v", err)
			}
		}()
		defer sv.p2pServer.Shutdown()
	}
	if sv.ctrlSrv != nil {
		go func() {
			if err := sv.ctrlSrv.ListenAndServe(); err != nil {
				log.Printf("supervisor: control server stopped: %v", err)
			}
		}()
		defer sv.ctrlSrv.Shutdown()
	}

	for {
		select {
		case <-ctx.Done():
			sv.gracefulStop(context.Background())
			close(sv.stopped)
			return nil
		case fn := <-sv.commands:
			fn()
		case snap := <-sv.obs.Polls():
			sv.onPoll(snap)
		case change := <-sv.obs.NodeStateChanges():
			sv.onNodeStateChange(change)
		case quorate := <-sv.obs.QuorumChanges():
			sv.onQuorumChange(quorate)
		case lc := <-sv.electionM.Changes():
			sv.onLeaderChange(lc)
		case hc := <-sv.healthMon.Changes():
			sv.onHealthChange(hc)
		case flip := <-sv.p2pFlips():
			sv.onPeerFlip(flip)
		}
	}
}

func (sv *Supervisor) p2pFlips() <-chan p2p.PeerFlip {
	if sv.p2pServer == nil {
		return nil
	}
	return sv.p2pServer.Flips()
}

func (sv *Supervisor) startupGraceTimer(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(sv.cfg.Stonith.StartupGracePeriodSec) * time.Second):
	}
	sv.enqueue(func() {
		sv.mu.Lock()
		sv.inStartupGrace = false
		sv.mu.Unlock()
	})
}

// enqueue submits fn to the single-threaded actor loop. Safe to call from
// any goroutine.
func (sv *Supervisor) enqueue(fn func()) {
	select {
	case sv.commands <- fn:
	case <-sv.stopped:
	}
}

func (sv *Supervisor) setPhase(p model.NodePhase) {
	sv.mu.Lock()
	prev := sv.phase
	sv.phase = p
	sv.mu.Unlock()
	if prev != p {
		log.Printf("supervisor: phase %s -> %s", prev, p)
	}
}

func (sv *Supervisor) writePIDFile() error {
	if sv.pidFile == "" {
		return nil
	}
	return os.WriteFile(sv.pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// Snapshot is the best-effort state the `status` control command reports
// (§7: "status always succeeds").
type Snapshot struct {
	Phase          model.NodePhase
	IsLeader       bool
	InStandby      bool
	InStartupGrace bool
	Quorate        bool
	Cluster        model.ClusterSnapshot
}

// Status returns a best-effort snapshot of runtime state.
func (sv *Supervisor) Status() Snapshot {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return Snapshot{
		Phase:          sv.phase,
		IsLeader:       sv.isLeader,
		InStandby:      sv.inStandby,
		InStartupGrace: sv.inStartupGrace,
		Quorate:        sv.quorate,
		Cluster:        sv.lastSnapshot,
	}
}
