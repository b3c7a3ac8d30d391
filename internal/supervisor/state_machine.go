package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"hacontrold/internal/config"
	"hacontrold/internal/election"
	"hacontrold/internal/fence"
	"hacontrold/internal/health"
	"hacontrold/internal/model"
	"hacontrold/internal/observer"
	"hacontrold/internal/p2p"
)

// onPoll runs on every Cluster Observer tick. It evaluates the election
// result, runs the VIP-absence watchdog, and the leader-seizure derived
// rule (§4.8).
func (sv *Supervisor) onPoll(snap model.ClusterSnapshot) {
	sv.mu.Lock()
	sv.lastSnapshot = snap
	sv.quorate = snap.Quorate
	standby := make(map[string]bool, len(sv.standbySet))
	for k, v := range sv.standbySet {
		standby[k] = v
	}
	isLeader := sv.isLeader
	inStandby := sv.inStandby
	inGrace := sv.inStartupGrace
	requireQuorum := sv.cfg.Cluster.QuorumRequired
	sv.mu.Unlock()

	res := sv.electionM.Evaluate(snap.Members, sv.localNodeID, standby, requireQuorum, snap.Quorate)

	sv.runWatchdog(isLeader)
	sv.runDeadNodeBackup(snap)
	sv.runLeaderSeizureRule(res, isLeader, inStandby, inGrace, snap.Quorate)
}

// runWatchdog retracts any locally-present VIP when this node is not
// leader (§4.8 follower entry, §3 invariant 3).
func (sv *Supervisor) runWatchdog(isLeader bool) {
	if isLeader {
		return
	}
	present, err := sv.activator.AnyVIPPresent()
	if err != nil {
		log.Printf("supervisor: watchdog: failed to check VIP presence: %v", err)
		return
	}
	if present {
		log.Printf("supervisor: watchdog: follower is holding a VIP, retracting immediately")
		sv.activator.DeactivateAll(context.Background())
	}
}

// runLeaderSeizureRule implements §4.8's recovery rule: force leadership
// after 3 consecutive polls with no VIP active anywhere, when not leader,
// not standby, not in startup grace, quorate, and election would choose
// this node. pollsWithoutVIP resets whenever a VIP is observed anywhere or
// election inhibits takeover (§9 Open Question resolution).
func (sv *Supervisor) runLeaderSeizureRule(res election.Result, isLeader, inStandby, inGrace, quorate bool) {
	localVIP, _ := sv.activator.AnyVIPPresent()
	remoteLeaderSeen := sv.anyPeerReportsLeader()
	vipObservedAnywhere := localVIP || remoteLeaderSeen

	electionInhibits := res.None || !res.IsLocalLeader

	sv.mu.Lock()
	defer sv.mu.Unlock()

	if vipObservedAnywhere || electionInhibits {
		sv.pollsWithoutVIP = 0
		return
	}
	if isLeader || inStandby || inGrace || !quorate {
		sv.pollsWithoutVIP = 0
		return
	}

	sv.pollsWithoutVIP++
	if sv.pollsWithoutVIP >= leaderSeizureThreshold {
		sv.pollsWithoutVIP = 0
		log.Printf("supervisor: forcing leadership seizure after %d polls with no VIP active anywhere", leaderSeizureThreshold)
		go sv.enqueue(func() { sv.becomeLeader() })
	}
}

func (sv *Supervisor) anyPeerReportsLeader() bool {
	if sv.p2pServer == nil {
		return false
	}
	for _, state := range sv.p2pServer.PeerStates() {
		if state.IsLeader {
			return true
		}
	}
	return false
}

// runDeadNodeBackup implements §4.5's backup scheduling path: nodes seen
// offline for 2+ consecutive polls without an already-pending timer are
// scheduled for fencing too, covering nodes offline before daemon start.
func (sv *Supervisor) runDeadNodeBackup(snap model.ClusterSnapshot) {
	for _, m := range snap.Members {
		if m.Name == sv.localNodeName {
			continue
		}
		sv.mu.Lock()
		if m.Online {
			sv.deadNodePolls[m.Name] = 0
			sv.mu.Unlock()
			continue
		}
		sv.deadNodePolls[m.Name]++
		count := sv.deadNodePolls[m.Name]
		sv.mu.Unlock()

		if count >= deadNodeBackupThreshold && !sv.fenceC.HasPending(m.Name) {
			sv.scheduleFence(m.Name)
		}
	}
}

// onNodeStateChange schedules or cancels a fence for a peer whose online
// flag flipped (§4.5 Scheduling protocol).
func (sv *Supervisor) onNodeStateChange(change observer.NodeStateChange) {
	if change.Name == sv.localNodeName {
		return
	}
	if !change.Online && change.PreviousOnline {
		sv.scheduleFence(change.Name)
		return
	}
	if change.Online {
		sv.fenceC.Cancel(change.Name)
		sv.mu.Lock()
		sv.deadNodePolls[change.Name] = 0
		sv.mu.Unlock()
	}
}

func (sv *Supervisor) scheduleFence(target string) {
	delay := time.Duration(sv.cfg.Stonith.FenceDelayOnNodeLeftSec) * time.Second
	sv.fenceC.Schedule(context.Background(), target, delay, sv.fenceGates())
}

func (sv *Supervisor) fenceGates() fence.Gates {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return fence.Gates{
		Enabled:              sv.cfg.Stonith.Enabled,
		RequireQuorum:        sv.cfg.Cluster.QuorumRequired,
		Quorate:              sv.quorate,
		DaemonStart:          sv.daemonStart,
		StartupGrace:         time.Duration(sv.cfg.Stonith.StartupGracePeriodSec) * time.Second,
		MinDelayBetweenFence: time.Duration(sv.cfg.Stonith.MinDelayBetweenFenceSec) * time.Second,
		MaxFencesPer5Min:     sv.cfg.Stonith.MaxFencesPer5Min,
		IsLeader:             sv.isLeader,
		NodeMapping:          sv.cfg.Stonith.NodeMapping,
	}
}

// onQuorumChange demotes an active leader immediately on quorum loss
// (§4.8 derived rule, §8 P3).
func (sv *Supervisor) onQuorumChange(quorate bool) {
	sv.mu.Lock()
	sv.quorate = quorate
	isLeader := sv.isLeader
	requireQuorum := sv.cfg.Cluster.QuorumRequired
	sv.mu.Unlock()

	if isLeader && requireQuorum && !quorate {
		log.Printf("supervisor: quorum lost, demoting immediately")
		sv.becomeFollower()
		sv.setPhase(model.PhaseWaitingQuorum)
	}
}

// onLeaderChange reacts to the Election Module's memoised leaderChange
// event.
func (sv *Supervisor) onLeaderChange(lc election.LeaderChange) {
	sv.mu.Lock()
	inStandby := sv.inStandby
	isLeader := sv.isLeader
	sv.mu.Unlock()

	if lc.IsLocal && !isLeader && !inStandby {
		sv.becomeLeader()
		return
	}
	if !lc.IsLocal && isLeader {
		sv.becomeFollower()
	}
}

// becomeLeader activates every declared resource and starts health
// monitoring for co-located services (§4.8 leader entry).
func (sv *Supervisor) becomeLeader() {
	sv.mu.Lock()
	sv.isLeader = true
	sv.mu.Unlock()
	sv.setPhase(model.PhaseLeader)

	result := sv.activator.ActivateAll(context.Background())
	if !result.Success {
		log.Printf("supervisor: activateAll reported errors: %v", result.Errors)
	}
	sv.healthMon.Start(context.Background(), sv.coLocatedHealthSpecs())
}

// becomeFollower deactivates every declared resource (if this node was
// leader) and stops co-located health probes (§4.8 leader exit).
func (sv *Supervisor) becomeFollower() {
	sv.mu.Lock()
	wasLeader := sv.isLeader
	sv.isLeader = false
	sv.mu.Unlock()

	if wasLeader {
		sv.activator.DeactivateAll(context.Background())
	}
	sv.healthMon.StopCoLocated()
	sv.setPhase(model.PhaseFollower)
}

// coLocatedHealthSpecs returns the non-standalone health specs declared on
// services, computed from the service set at construction and refreshed on
// every Reload.
func (sv *Supervisor) coLocatedHealthSpecs() []model.HealthCheckSpec {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return append([]model.HealthCheckSpec(nil), sv.coLocatedSpecs...)
}

// onHealthChange reacts to a health transition: an unhealthy co-located
// service is restarted once (§1 "health-driven restart/failover"); a
// standalone check only logs, since it has no associated service to act
// on.
func (sv *Supervisor) onHealthChange(c health.Change) {
	if c.Healthy {
		log.Printf("health: %s recovered", c.Name)
		return
	}
	log.Printf("health: %s unhealthy: %s", c.Name, c.Result.LastError)

	sv.mu.Lock()
	isLeader := sv.isLeader
	service := ""
	for _, s := range sv.cfg.Services {
		if s.Healthcheck != nil && s.Healthcheck.Name == c.Name {
			service = s.Name
			break
		}
	}
	sv.mu.Unlock()
	if !isLeader || service == "" {
		return
	}
	if err := sv.activator.RestartService(context.Background(), service); err != nil {
		log.Printf("supervisor: failed to restart unhealthy service %s: %v", service, err)
	}
}

// onPeerFlip logs remote leadership/standby changes observed via P2P
// polling (§4.6); it never itself mutates local runtime state — that is
// always driven by this node's own election evaluation against group-comms
// membership, per §5's ownership discipline.
func (sv *Supervisor) onPeerFlip(flip p2p.PeerFlip) {
	if flip.Unreachable {
		log.Printf("p2p: peer %s unreachable", flip.Peer)
		return
	}
	log.Printf("p2p: peer %s state: standby=%v isLeader=%v", flip.Peer, flip.State.Standby, flip.State.IsLeader)
}

// gracefulStop deactivates resources if leader, stops subsystems, and
// cancels every pending fence with reason "shutdown" (§4.8 stopping,
// §5 Cancellation).
func (sv *Supervisor) gracefulStop(ctx context.Context) {
	sv.setPhase(model.PhaseStopping)
	sv.mu.Lock()
	isLeader := sv.isLeader
	sv.mu.Unlock()

	if isLeader {
		sv.activator.DeactivateAll(ctx)
	}
	sv.healthMon.Stop()
	sv.fenceC.CancelAll("shutdown")
}

// SetStandby implements USR1/USR2 and the control-plane standby/unstandby
// commands. Idempotent: calling with the same value twice has the same
// effect as once (§8 round-trip property).
func (sv *Supervisor) SetStandby(standby bool) {
	sv.enqueueAndWait(func() {
		sv.mu.Lock()
		already := sv.inStandby == standby
		sv.inStandby = standby
		wasLeader := sv.isLeader
		sv.mu.Unlock()

		if already {
			return
		}
		if standby {
			if wasLeader {
				sv.becomeFollower()
			}
			sv.setPhase(model.PhaseStandby)
		} else {
			sv.setPhase(model.PhaseFollower)
		}
	})
}

// enqueueAndWait submits fn to the actor loop and blocks until it has run,
// used by synchronous control-plane commands.
func (sv *Supervisor) enqueueAndWait(fn func()) {
	done := make(chan struct{})
	sv.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-sv.stopped:
	}
}

// Failover moves leadership. If target is empty or names another node and
// this node is leader, it puts this node into standby and straight back
// out, stepping down so the election re-runs; the standby flag is not kept
// afterwards. If target is this node's name, it attempts a local
// leader-seizure that bypasses the poll-count gate but is refused while
// this node is in standby or lacks a required quorum.
func (sv *Supervisor) Failover(target string) error {
	sv.mu.Lock()
	isLeader := sv.isLeader
	sv.mu.Unlock()

	if target != sv.localNodeName {
		if isLeader {
			sv.SetStandby(true)
			sv.SetStandby(false)
		}
		return nil
	}
	var err error
	sv.enqueueAndWait(func() {
		sv.mu.Lock()
		blocked := sv.inStandby || (sv.cfg.Cluster.QuorumRequired && !sv.quorate)
		sv.mu.Unlock()
		if blocked {
			err = fmt.Errorf("supervisor: failover refused, node is in standby or not quorate")
			return
		}
		sv.becomeLeader()
	})
	return err
}

// Reload re-reads configuration: constraints/VIPs/services are swapped
// atomically on the Activator; the Health Monitor's probes are stopped and
// restarted on every reload, with co-located checks restarted only on the
// leader. Cluster identity is immutable (§4.8).
func (sv *Supervisor) Reload(newCfg *config.Config) error {
	if newCfg.Cluster.Name != sv.cfg.Cluster.Name {
		return fmt.Errorf("supervisor: reload refused, cluster.name is immutable")
	}
	if newCfg.Node.Name != sv.cfg.Node.Name {
		return fmt.Errorf("supervisor: reload refused, node.name is immutable")
	}

	sv.enqueueAndWait(func() {
		sv.activator.Replace(newCfg.VIPs, newCfg.Services, newCfg.Constraints)
		sv.mu.Lock()
		sv.coLocatedSpecs = coLocatedSpecsOf(newCfg.Services)
		standaloneSpecs := newCfg.HealthChecks
		isLeader := sv.isLeader
		sv.cfg = newCfg
		sv.mu.Unlock()

		sv.healthMon.Stop()
		sv.healthMon.Start(context.Background(), standaloneSpecs)
		if isLeader {
			sv.healthMon.Start(context.Background(), sv.coLocatedHealthSpecs())
		}
	})
	return nil
}

// MergeSnapshot implements the P2P Plane's mergeMembers callback (§4.6 step
// 5): it merges an incoming synced membership list against the locally
// observed one and, if accepted, adopts it as the best-effort cluster view
// until the next direct group-comms poll overwrites it.
func (sv *Supervisor) MergeSnapshot(incoming model.ClusterSnapshot) bool {
	sv.mu.Lock()
	kept, accepted := p2p.MergeMemberLists(sv.lastSnapshot, incoming)
	sv.lastSnapshot = kept
	sv.mu.Unlock()
	return accepted
}

func coLocatedSpecsOf(services []model.Service) []model.HealthCheckSpec {
	var specs []model.HealthCheckSpec
	for _, s := range services {
		if s.Healthcheck != nil {
			specs = append(specs, *s.Healthcheck)
		}
	}
	return specs
}
