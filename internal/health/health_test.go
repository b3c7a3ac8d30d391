package health

import (
	"context"
	"testing"
	"time"

	"hacontrold/internal/model"
	"hacontrold/internal/systemdx"
)

func TestHysteresis_NoFlapOnSingleFailure(t *testing.T) {
	units := systemdx.NewFakeController()
	units.Start(context.Background(), "web.service")

	m := New(units)
	t0 := &target{
		spec:   model.HealthCheckSpec{Name: "web", Type: "systemd", Unit: "web.service", IntervalMs: 1000, TimeoutMs: 1000, FailuresBeforeUnhealthy: 3, SuccessesBeforeHealthy: 2},
		result: model.HealthResult{Name: "web", Healthy: true},
	}

	units.Stop(context.Background(), "web.service")
	m.probeOnce(context.Background(), t0)
	if !t0.result.Healthy {
		t.Fatal("single failure must not flip healthy->unhealthy; threshold is 3")
	}
	if t0.result.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", t0.result.ConsecutiveFailures)
	}

	m.probeOnce(context.Background(), t0)
	if !t0.result.Healthy {
		t.Fatal("second failure must still not flip, threshold is 3")
	}

	m.probeOnce(context.Background(), t0)
	if t0.result.Healthy {
		t.Fatal("third consecutive failure must flip to unhealthy")
	}
}

func TestHysteresis_RecoversAtSuccessThreshold(t *testing.T) {
	units := systemdx.NewFakeController()
	m := New(units)
	t0 := &target{
		spec: model.HealthCheckSpec{Name: "web", Type: "systemd", Unit: "web.service", IntervalMs: 1000, TimeoutMs: 1000, FailuresBeforeUnhealthy: 3, SuccessesBeforeHealthy: 2},
		result: model.HealthResult{Name: "web", Healthy: false, ConsecutiveFailures: 3},
	}

	units.Start(context.Background(), "web.service")
	m.probeOnce(context.Background(), t0)
	if t0.result.Healthy {
		t.Fatal("one success must not yet recover; threshold is 2")
	}
	m.probeOnce(context.Background(), t0)
	if !t0.result.Healthy {
		t.Fatal("second consecutive success must recover to healthy")
	}
}

func TestChanges_EmittedExactlyOncePerEdge(t *testing.T) {
	units := systemdx.NewFakeController()
	m := New(units)
	t0 := &target{
		spec:   model.HealthCheckSpec{Name: "web", Type: "systemd", Unit: "web.service", IntervalMs: 1000, TimeoutMs: 1000, FailuresBeforeUnhealthy: 1, SuccessesBeforeHealthy: 1},
		result: model.HealthResult{Name: "web", Healthy: true},
	}

	units.Stop(context.Background(), "web.service")
	m.probeOnce(context.Background(), t0)
	select {
	case c := <-m.changes:
		if c.Healthy {
			t.Fatal("expected unhealthy transition")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
	}

	// Repeating the same failing probe must not emit again.
	m.probeOnce(context.Background(), t0)
	select {
	case c := <-m.changes:
		t.Fatalf("unexpected duplicate change event: %+v", c)
	default:
	}
}
