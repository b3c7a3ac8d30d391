// Package health implements the Health Monitor (spec §4.4): one
// independent periodic probe per service-health-spec and per standalone
// health-check declaration, with a per-target hysteresis state machine.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"hacontrold/internal/model"
	"hacontrold/internal/systemdx"
)

// Change is emitted exactly once per healthy/unhealthy edge (§4.4).
type Change struct {
	Name    string
	Healthy bool
	Result  model.HealthResult
}

// Monitor schedules and runs probes for a declared set of targets.
type Monitor struct {
	units systemdx.UnitController

	mu      sync.Mutex
	targets map[string]*target
	changes chan Change

	cancel context.CancelFunc
}

type target struct {
	spec   model.HealthCheckSpec
	result model.HealthResult
	cancel context.CancelFunc
}

// New constructs an empty Monitor.
func New(units systemdx.UnitController) *Monitor {
	return &Monitor{
		units:   units,
		targets: make(map[string]*target),
		changes: make(chan Change, 32),
	}
}

// Changes returns the healthChange event channel.
func (m *Monitor) Changes() <-chan Change { return m.changes }

// Start begins probing every given spec. Each target's probe schedule is
// independent. Standalone specs (spec.Standalone) always run; co-located
// service specs should only be passed in when this node is leader —
// the Supervisor decides that and calls Start/Stop accordingly (§4.4:
// "only the leader runs health probes for co-located services").
func (m *Monitor) Start(ctx context.Context, specs []model.HealthCheckSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, spec := range specs {
		if _, exists := m.targets[spec.Name]; exists {
			continue
		}
		tctx, cancel := context.WithCancel(ctx)
		t := &target{
			spec:   spec,
			result: model.HealthResult{Name: spec.Name, Healthy: true},
			cancel: cancel,
		}
		m.targets[spec.Name] = t
		go m.loop(tctx, t)
	}
}

// Stop cancels every scheduled probe and clears the target set, so a
// subsequent Start begins fresh (used by the Supervisor on every reload
// and on graceful stop; demotion uses StopCoLocated).
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		t.cancel()
	}
	m.targets = make(map[string]*target)
}

// StopCoLocated cancels only the non-standalone (co-located service)
// probes, leaving standalone checks — which run on every node regardless
// of leadership (§4.4) — untouched. Used when the Supervisor steps down
// from leader.
func (m *Monitor) StopCoLocated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, t := range m.targets {
		if t.spec.Standalone {
			continue
		}
		t.cancel()
		delete(m.targets, name)
	}
}

// Result returns the current HealthResult for name, if known.
func (m *Monitor) Result(name string) (model.HealthResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[name]
	if !ok {
		return model.HealthResult{}, false
	}
	return t.result, true
}

func (m *Monitor) loop(ctx context.Context, t *target) {
	interval := time.Duration(t.spec.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, t)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, t *target) {
	timeout := time.Duration(t.spec.TimeoutMs) * time.Millisecond
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := probe(pctx, m.units, t.spec)
	now := time.Now()

	m.mu.Lock()
	res := t.result
	res.LastCheck = now
	wasHealthy := res.Healthy
	var emit *Change

	if err == nil {
		res.ConsecutiveFailures = 0
		res.ConsecutiveSuccesses++
		res.LastError = ""
		if !wasHealthy && res.ConsecutiveSuccesses >= t.spec.SuccessesBeforeHealthy {
			res.Healthy = true
			emit = &Change{Name: t.spec.Name, Healthy: true, Result: res}
		}
	} else {
		res.ConsecutiveSuccesses = 0
		res.ConsecutiveFailures++
		res.LastError = err.Error()
		if wasHealthy && res.ConsecutiveFailures >= t.spec.FailuresBeforeUnhealthy {
			res.Healthy = false
			emit = &Change{Name: t.spec.Name, Healthy: false, Result: res}
		}
	}
	t.result = res
	m.mu.Unlock()

	if emit != nil {
		select {
		case m.changes <- *emit:
		default:
			log.Printf("health: changes channel full, dropping transition for %s", emit.Name)
		}
	}
}

// probe runs a single check according to spec.Type (§4.4).
func probe(ctx context.Context, units systemdx.UnitController, spec model.HealthCheckSpec) error {
	switch spec.Type {
	case "http":
		return probeHTTP(ctx, spec.URL)
	case "tcp":
		return probeTCP(ctx, spec.Host, spec.Port)
	case "systemd":
		return probeSystemd(ctx, units, spec.Unit)
	default:
		return fmt.Errorf("health: unknown probe type %q", spec.Type)
	}
}

func probeHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func probeTCP(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.Close()
}

func probeSystemd(ctx context.Context, units systemdx.UnitController, unit string) error {
	active, err := units.IsActive(ctx, unit)
	if err != nil {
		return fmt.Errorf("is-active %s: %w", unit, err)
	}
	if !active {
		return fmt.Errorf("unit %s is not active", unit)
	}
	return nil
}
