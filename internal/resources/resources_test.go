package resources

import (
	"context"
	"sort"
	"testing"

	"hacontrold/internal/model"
	"hacontrold/internal/systemdx"
)

func TestTopoSort_OrderRespected(t *testing.T) {
	names := []string{"a", "b", "c"}
	constraints := []model.Constraint{
		{Kind: model.ConstraintOrder, First: "c", Then: "b"},
		{Kind: model.ConstraintOrder, First: "b", Then: "a"},
	}
	order := topoSort(names, constraints)
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if pos["c"] > pos["b"] || pos["b"] > pos["a"] {
		t.Errorf("expected c before b before a, got %v", order)
	}
}

func TestTopoSort_CycleAppendsRemainingInDeclarationOrder(t *testing.T) {
	names := []string{"a", "b", "c"}
	// a -> b -> a is a cycle; c has no constraints.
	constraints := []model.Constraint{
		{Kind: model.ConstraintOrder, First: "a", Then: "b"},
		{Kind: model.ConstraintOrder, First: "b", Then: "a"},
	}
	order := topoSort(names, constraints)

	if len(order) != len(names) {
		t.Fatalf("expected every resource exactly once, got %v", order)
	}
	seen := map[string]bool{}
	for _, n := range order {
		if seen[n] {
			t.Fatalf("resource %s appeared more than once in %v", n, order)
		}
		seen[n] = true
	}
	for _, n := range names {
		if !seen[n] {
			t.Fatalf("resource %s missing from order %v", n, order)
		}
	}
}

func TestTopoSort_EveryResourceExactlyOnce(t *testing.T) {
	names := []string{"vip1", "svc1", "svc2", "vip2"}
	constraints := []model.Constraint{
		{Kind: model.ConstraintOrder, First: "vip1", Then: "svc1"},
		{Kind: model.ConstraintColocation, A: "svc1", B: "svc2"},
	}
	order := topoSort(names, constraints)
	got := append([]string{}, order...)
	sort.Strings(got)
	want := append([]string{}, names...)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %d resources, got %d: %v", len(want), len(got), order)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("order %v does not contain exactly %v", order, names)
		}
	}
}

func TestActivateAll_Idempotent(t *testing.T) {
	units := systemdx.NewFakeController()
	vips := []model.VIP{} // avoid real netlink calls in this unit test
	services := []model.Service{{Name: "web", Unit: "web.service"}}
	a := New(vips, services, nil, units)

	r1 := a.ActivateAll(context.Background())
	if !r1.Success {
		t.Fatalf("expected success, got errors: %v", r1.Errors)
	}
	r2 := a.ActivateAll(context.Background())
	if !r2.Success {
		t.Fatalf("expected idempotent success, got errors: %v", r2.Errors)
	}
	active, _ := units.IsActive(context.Background(), "web.service")
	if !active {
		t.Fatal("expected web.service active after ActivateAll")
	}
}

func TestDeactivateAll_AbsentIsNoop(t *testing.T) {
	units := systemdx.NewFakeController()
	services := []model.Service{{Name: "web", Unit: "web.service"}}
	a := New(nil, services, nil, units)

	r := a.DeactivateAll(context.Background())
	if !r.Success {
		t.Fatalf("expected deactivating an absent service to succeed, got errors: %v", r.Errors)
	}
}
