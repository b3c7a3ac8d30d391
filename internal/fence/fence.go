// Package fence implements the Fence Coordinator (spec §4.5): decides
// whether to power off an absent peer under a set of safety gates, drives a
// pluggable STONITH driver, and journals every outcome to a bounded history
// file.
package fence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"hacontrold/internal/model"
)

// Driver is the capability interface STONITH drivers implement (§4.5, §9:
// "polymorphic STONITH drivers... a capability interface"). Destroy is
// optional; drivers that don't support it simply don't implement it and
// callers type-assert for it.
type Driver interface {
	Test(ctx context.Context) error
	Status(ctx context.Context, node string) (string, error) // "on" | "off" | "unknown"
	PowerOff(ctx context.Context, node string) error
	PowerOn(ctx context.Context, node string) error
}

// Destroyer is the optional extra capability some drivers support.
type Destroyer interface {
	Destroy(ctx context.Context, node string) error
}

// Gates bundles the external state the safety gates need to evaluate
// (§4.5 gates 1-7). The Coordinator itself holds no notion of quorum or
// leadership; the Supervisor supplies it per call.
type Gates struct {
	Enabled            bool
	RequireQuorum      bool
	Quorate            bool
	DaemonStart        time.Time
	StartupGrace       time.Duration
	MinDelayBetweenFence time.Duration
	MaxFencesPer5Min   int
	IsLeader           bool
	NodeMapping        map[string]string
}

// Coordinator schedules and executes fences.
type Coordinator struct {
	driver     Driver
	historyPath string
	maxHistory int

	mu      sync.Mutex
	history []model.FenceHistoryEntry
	pending map[string]*time.Timer
}

// New constructs a Coordinator, loading any existing history from
// historyPath. A corrupt history file resets to empty (§4.5 Persistence).
func New(driver Driver, historyPath string, maxHistory int) *Coordinator {
	c := &Coordinator{
		driver:      driver,
		historyPath: historyPath,
		maxHistory:  maxHistory,
		pending:     make(map[string]*time.Timer),
	}
	c.history = loadHistory(historyPath)
	return c
}

func loadHistory(path string) []model.FenceHistoryEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entries []model.FenceHistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Printf("fence: history file %s is corrupt, resetting to empty: %v", path, err)
		return nil
	}
	return entries
}

// History returns a snapshot copy of the fence journal.
func (c *Coordinator) History() []model.FenceHistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.FenceHistoryEntry, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Coordinator) appendHistory(entry model.FenceHistoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	c.mu.Lock()
	c.history = append(c.history, entry)
	if len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
	snapshot := make([]model.FenceHistoryEntry, len(c.history))
	copy(snapshot, c.history)
	path := c.historyPath
	c.mu.Unlock()

	if err := writeHistoryAtomic(path, snapshot); err != nil {
		log.Printf("fence: failed to persist history: %v", err)
	}
}

func writeHistoryAtomic(path string, entries []model.FenceHistoryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// recentPowerOffs counts power_off entries for every target within the
// last window, and the time since the most recent one for target (gates 4
// & 5).
func (c *Coordinator) recentPowerOffs(target string, window time.Duration) (count int, sinceLast time.Duration, any bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	sinceLast = window + time.Hour // sentinel "long ago"
	for _, e := range c.history {
		if e.Action != model.FenceActionPowerOff {
			continue
		}
		if now.Sub(e.Timestamp) > window {
			continue
		}
		count++
		if target != "" && e.Node == target {
			d := now.Sub(e.Timestamp)
			if d < sinceLast {
				sinceLast = d
				any = true
			}
		}
	}
	return count, sinceLast, any
}

// checkGates evaluates gates 1-7 for an automatic fence; manual fences
// bypass gates 3 and 5 per §4.5.
func (c *Coordinator) checkGates(g Gates, target string, manual bool) error {
	if !g.Enabled || c.driver == nil {
		return fmt.Errorf("fence: stonith not enabled or driver not initialised")
	}
	if g.RequireQuorum && !g.Quorate {
		return fmt.Errorf("fence: refused, not quorate")
	}
	if !manual {
		if time.Since(g.DaemonStart) < g.StartupGrace {
			return fmt.Errorf("fence: refused, within startup grace period")
		}
	}
	_, sinceLast, hadRecent := c.recentPowerOffs(target, g.MinDelayBetweenFence)
	if hadRecent && sinceLast < g.MinDelayBetweenFence {
		return fmt.Errorf("fence: refused, fenced %s too recently (minDelayBetweenFence)", target)
	}
	if !manual {
		count, _, _ := c.recentPowerOffs("", 5*time.Minute)
		if count >= g.MaxFencesPer5Min {
			return fmt.Errorf("storm")
		}
	}
	if !g.IsLeader {
		return fmt.Errorf("fence: refused, caller is not the elected leader")
	}
	if _, ok := g.NodeMapping[target]; !ok {
		return fmt.Errorf("fence: refused, no node-mapping entry for %s", target)
	}
	return nil
}

// Schedule arranges a fence of target after delay, cancellable by Cancel.
// Scheduling a second fence while one is pending for the same target is a
// no-op (§5 "idempotent per target").
func (c *Coordinator) Schedule(ctx context.Context, target string, delay time.Duration, g Gates) {
	c.mu.Lock()
	if _, pending := c.pending[target]; pending {
		c.mu.Unlock()
		return
	}
	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.pending, target)
		c.mu.Unlock()
		if err := c.Fence(ctx, target, g, model.InitiatedAutomatic); err != nil {
			log.Printf("fence: scheduled fence of %s failed: %v", target, err)
		}
	})
	c.pending[target] = timer
	c.mu.Unlock()
}

// Cancel stops a pending scheduled fence for target, if any (§4.5: "If that
// same node becomes online=true before the delay elapses, the scheduled
// fence is cancelled").
func (c *Coordinator) Cancel(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.pending[target]; ok {
		timer.Stop()
		delete(c.pending, target)
	}
}

// CancelAll cancels every pending fence, used on graceful stop with reason
// "shutdown" (§5).
func (c *Coordinator) CancelAll(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for target, timer := range c.pending {
		timer.Stop()
		delete(c.pending, target)
		log.Printf("fence: cancelled pending fence of %s: %s", target, reason)
	}
}

// HasPending reports whether a fence is currently scheduled for target.
func (c *Coordinator) HasPending(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[target]
	return ok
}

// statusPollBound is the maximum time Fence waits for driver.Status to
// report "off" before treating the fence as failed (§4.5).
const statusPollBound = 30 * time.Second
const statusPollInterval = 2 * time.Second

// Fence executes an immediate power-off of target, subject to the safety
// gates, and journals the outcome. Manual fences bypass gates 3 and 5.
func (c *Coordinator) Fence(ctx context.Context, target string, g Gates, initiator model.FenceInitiator) error {
	start := time.Now()
	manual := initiator == model.InitiatedManual

	if err := c.checkGates(g, target, manual); err != nil {
		c.appendHistory(model.FenceHistoryEntry{
			Node: target, Action: model.FenceActionPowerOff, Success: false,
			Reason: err.Error(), Timestamp: start, InitiatedBy: initiator,
		})
		return err
	}

	fctx, cancel := context.WithTimeout(ctx, statusPollBound+5*time.Second)
	defer cancel()

	if err := c.driver.PowerOff(fctx, target); err != nil {
		c.appendHistory(model.FenceHistoryEntry{
			Node: target, Action: model.FenceActionPowerOff, Success: false,
			Reason: fmt.Sprintf("driver error: %v", err), Timestamp: start,
			DurationMs: time.Since(start).Milliseconds(), InitiatedBy: initiator,
		})
		return fmt.Errorf("fence: powerOff(%s): %w", target, err)
	}

	deadline := time.Now().Add(statusPollBound)
	for {
		status, err := c.driver.Status(fctx, target)
		if err == nil && status == "off" {
			c.appendHistory(model.FenceHistoryEntry{
				Node: target, Action: model.FenceActionPowerOff, Success: true,
				Reason: "fenced", Timestamp: start,
				DurationMs: time.Since(start).Milliseconds(), InitiatedBy: initiator,
			})
			return nil
		}
		if time.Now().After(deadline) {
			c.appendHistory(model.FenceHistoryEntry{
				Node: target, Action: model.FenceActionPowerOff, Success: false,
				Reason: "timed out waiting for status=off", Timestamp: start,
				DurationMs: time.Since(start).Milliseconds(), InitiatedBy: initiator,
			})
			return fmt.Errorf("fence: %s did not reach status=off within %s", target, statusPollBound)
		}
		select {
		case <-fctx.Done():
			c.appendHistory(model.FenceHistoryEntry{
				Node: target, Action: model.FenceActionPowerOff, Success: false,
				Reason: fmt.Sprintf("cancelled waiting for status=off: %v", fctx.Err()), Timestamp: start,
				DurationMs: time.Since(start).Milliseconds(), InitiatedBy: initiator,
			})
			return fctx.Err()
		case <-time.After(statusPollInterval):
		}
	}
}

// Unfence powers a node back on; used by the control plane's
// stonith-unfence command (§4.7). It does not go through the automatic
// safety gates — it is always operator-invoked.
func (c *Coordinator) Unfence(ctx context.Context, target string) error {
	start := time.Now()
	err := c.driver.PowerOn(ctx, target)
	c.appendHistory(model.FenceHistoryEntry{
		Node: target, Action: model.FenceActionPowerOn, Success: err == nil,
		Reason:      reasonOf(err),
		Timestamp:   start,
		DurationMs:  time.Since(start).Milliseconds(),
		InitiatedBy: model.InitiatedManual,
	})
	return err
}

func reasonOf(err error) string {
	if err == nil {
		return "unfenced"
	}
	return err.Error()
}
