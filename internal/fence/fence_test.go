package fence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hacontrold/internal/model"
)

type fakeDriver struct {
	states map[string]string
	failOff map[string]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{states: map[string]string{}, failOff: map[string]bool{}}
}

func (d *fakeDriver) Test(ctx context.Context) error { return nil }

func (d *fakeDriver) Status(ctx context.Context, node string) (string, error) {
	if s, ok := d.states[node]; ok {
		return s, nil
	}
	return "on", nil
}

func (d *fakeDriver) PowerOff(ctx context.Context, node string) error {
	if d.failOff[node] {
		return errNotFenced
	}
	d.states[node] = "off"
	return nil
}

func (d *fakeDriver) PowerOn(ctx context.Context, node string) error {
	d.states[node] = "on"
	return nil
}

var errNotFenced = fenceErr("simulated driver failure")

type fenceErr string

func (e fenceErr) Error() string { return string(e) }

func baseGates() Gates {
	return Gates{
		Enabled:              true,
		RequireQuorum:        true,
		Quorate:              true,
		DaemonStart:          time.Now().Add(-1 * time.Hour),
		StartupGrace:         120 * time.Second,
		MinDelayBetweenFence: 60 * time.Second,
		MaxFencesPer5Min:     2,
		IsLeader:             true,
		NodeMapping:          map[string]string{"ns3": "vm-3"},
	}
}

func TestFence_SucceedsWhenAllGatesOpen(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)

	err := c.Fence(context.Background(), "ns3", baseGates(), model.InitiatedAutomatic)
	if err != nil {
		t.Fatalf("expected fence to succeed, got %v", err)
	}
	hist := c.History()
	if len(hist) != 1 || !hist[0].Success {
		t.Fatalf("expected one successful history entry, got %+v", hist)
	}
}

func TestFence_RefusedWithoutQuorum(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)

	g := baseGates()
	g.Quorate = false
	err := c.Fence(context.Background(), "ns3", g, model.InitiatedAutomatic)
	if err == nil {
		t.Fatal("expected fence to be refused without quorum")
	}
}

func TestFence_RefusedDuringStartupGrace(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)

	g := baseGates()
	g.DaemonStart = time.Now()
	g.StartupGrace = 120 * time.Second
	err := c.Fence(context.Background(), "ns3", g, model.InitiatedAutomatic)
	if err == nil {
		t.Fatal("expected fence to be refused during startup grace")
	}
}

func TestFence_ManualBypassesGracePeriod(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)

	g := baseGates()
	g.DaemonStart = time.Now() // inside grace
	err := c.Fence(context.Background(), "ns3", g, model.InitiatedManual)
	if err != nil {
		t.Fatalf("expected manual fence to bypass grace period, got %v", err)
	}
}

func TestFence_StormLimitRefusesThirdAutomaticFence(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)
	g := baseGates()
	g.NodeMapping = map[string]string{"ns3": "vm-3", "ns4": "vm-4", "ns5": "vm-5"}
	g.MinDelayBetweenFence = 0

	if err := c.Fence(context.Background(), "ns3", g, model.InitiatedAutomatic); err != nil {
		t.Fatalf("first fence should succeed: %v", err)
	}
	if err := c.Fence(context.Background(), "ns4", g, model.InitiatedAutomatic); err != nil {
		t.Fatalf("second fence should succeed: %v", err)
	}
	err := c.Fence(context.Background(), "ns5", g, model.InitiatedAutomatic)
	if err == nil {
		t.Fatal("expected third automatic fence within window to be refused (storm)")
	}

	// A manual fence still succeeds past the storm gate.
	if err := c.Fence(context.Background(), "ns5", g, model.InitiatedManual); err != nil {
		t.Fatalf("expected manual fence to bypass storm gate, got %v", err)
	}
}

func TestFence_RefusedWithoutNodeMapping(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)
	g := baseGates()
	err := c.Fence(context.Background(), "unmapped-node", g, model.InitiatedAutomatic)
	if err == nil {
		t.Fatal("expected fence to be refused without a node-mapping entry")
	}
}

func TestSchedule_CancelPreventsPowerOff(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)
	g := baseGates()

	c.Schedule(context.Background(), "ns3", 50*time.Millisecond, g)
	if !c.HasPending("ns3") {
		t.Fatal("expected a pending fence for ns3")
	}
	c.Cancel("ns3")
	time.Sleep(150 * time.Millisecond)

	if driver.states["ns3"] == "off" {
		t.Fatal("cancelled fence must never issue powerOff")
	}
}

func TestSchedule_SecondScheduleIsNoop(t *testing.T) {
	driver := newFakeDriver()
	c := New(driver, filepath.Join(t.TempDir(), "history.json"), 100)
	g := baseGates()

	c.Schedule(context.Background(), "ns3", time.Hour, g)
	c.Schedule(context.Background(), "ns3", time.Millisecond, g)
	time.Sleep(50 * time.Millisecond)

	if driver.states["ns3"] == "off" {
		t.Fatal("second Schedule call must not replace the first pending timer")
	}
	c.Cancel("ns3")
}

func TestHistory_LoadsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	driver := newFakeDriver()
	c1 := New(driver, path, 100)
	if err := c1.Fence(context.Background(), "ns3", baseGates(), model.InitiatedAutomatic); err != nil {
		t.Fatalf("fence failed: %v", err)
	}

	c2 := New(driver, path, 100)
	hist := c2.History()
	if len(hist) != 1 {
		t.Fatalf("expected history to survive restart, got %d entries", len(hist))
	}
}

func TestHistory_TruncatesToMax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	driver := newFakeDriver()
	c := New(driver, path, 2)
	g := baseGates()
	g.MinDelayBetweenFence = 0
	g.MaxFencesPer5Min = 100
	g.NodeMapping = map[string]string{"a": "a", "b": "b", "c": "c"}

	c.Fence(context.Background(), "a", g, model.InitiatedAutomatic)
	c.Fence(context.Background(), "b", g, model.InitiatedAutomatic)
	c.Fence(context.Background(), "c", g, model.InitiatedAutomatic)

	hist := c.History()
	if len(hist) != 2 {
		t.Fatalf("expected history truncated to 2 entries, got %d", len(hist))
	}
	if hist[0].Node != "b" || hist[1].Node != "c" {
		t.Fatalf("expected oldest entry discarded, got %+v", hist)
	}
}
