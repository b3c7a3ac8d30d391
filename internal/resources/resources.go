// Package resources implements the Resource Activator (spec §4.3): applies
// and retracts the declared VIP and systemd-service set in topological
// order, idempotently, collecting every error without aborting early.
package resources

import (
	"context"
	"fmt"
	"log"

	"hacontrold/internal/model"
	"hacontrold/internal/netlinkx"
	"hacontrold/internal/systemdx"
)

// Result is what activateAll/deactivateAll return (§4.3: "{success, errors}").
type Result struct {
	Success bool
	Errors  []string
}

// Activator owns the declared resource set and applies it via netlinkx
// (VIPs) and systemdx (services).
type Activator struct {
	vips        []model.VIP
	services    []model.Service
	constraints []model.Constraint
	units       systemdx.UnitController

	startOrder []string // resource names, topologically sorted
}

// New constructs an Activator over a declared resource set, computing the
// start order once up front.
func New(vips []model.VIP, services []model.Service, constraints []model.Constraint, units systemdx.UnitController) *Activator {
	return &Activator{
		vips:        vips,
		services:    services,
		constraints: constraints,
		units:       units,
		startOrder:  topoSort(declarationOrder(vips, services), constraints),
	}
}

// Replace atomically swaps the declared set (used on reload, §4.8) and
// recomputes the start order.
func (a *Activator) Replace(vips []model.VIP, services []model.Service, constraints []model.Constraint) {
	a.vips = vips
	a.services = services
	a.constraints = constraints
	a.startOrder = topoSort(declarationOrder(vips, services), constraints)
}

// StartOrder exposes the computed topological order, for tests and status
// reporting.
func (a *Activator) StartOrder() []string {
	out := make([]string, len(a.startOrder))
	copy(out, a.startOrder)
	return out
}

func declarationOrder(vips []model.VIP, services []model.Service) []string {
	names := make([]string, 0, len(vips)+len(services))
	for _, v := range vips {
		names = append(names, v.Name)
	}
	for _, s := range services {
		names = append(names, s.Name)
	}
	return names
}

// topoSort is a Kahn's-algorithm topological sort over `order` constraints.
// Nodes on an unresolved cycle are appended, in declaration order, after
// everything that could be resolved (§4.3, §9: "cycle handling appends in
// declaration order — keep this explicit in tests").
func topoSort(names []string, constraints []model.Constraint) []string {
	indexOf := make(map[string]int, len(names))
	for i, n := range names {
		indexOf[n] = i
	}

	inDegree := make(map[string]int, len(names))
	edges := make(map[string][]string, len(names))
	for _, n := range names {
		inDegree[n] = 0
	}
	for _, c := range constraints {
		if c.Kind != model.ConstraintOrder {
			continue
		}
		if _, ok := indexOf[c.First]; !ok {
			continue
		}
		if _, ok := indexOf[c.Then]; !ok {
			continue
		}
		edges[c.First] = append(edges[c.First], c.Then)
		inDegree[c.Then]++
	}

	var ready []string
	for _, n := range names {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	// Stable order among simultaneously-ready nodes: declaration order.
	sortByDeclaration(ready, indexOf)

	var result []string
	visited := make(map[string]bool, len(names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		if visited[n] {
			continue
		}
		visited[n] = true
		result = append(result, n)

		var newlyReady []string
		for _, dep := range edges[n] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sortByDeclaration(newlyReady, indexOf)
		ready = append(ready, newlyReady...)
		sortByDeclaration(ready, indexOf)
	}

	if len(result) < len(names) {
		var remaining []string
		for _, n := range names {
			if !visited[n] {
				remaining = append(remaining, n)
			}
		}
		log.Printf("resources: order constraints contain a cycle; appending %d unresolved resource(s) in declaration order", len(remaining))
		result = append(result, remaining...)
	}
	return result
}

func sortByDeclaration(names []string, indexOf map[string]int) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && indexOf[names[j-1]] > indexOf[names[j]]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
}

func (a *Activator) vipByName(name string) (model.VIP, bool) {
	for _, v := range a.vips {
		if v.Name == name {
			return v, true
		}
	}
	return model.VIP{}, false
}

func (a *Activator) serviceByName(name string) (model.Service, bool) {
	for _, s := range a.services {
		if s.Name == name {
			return s, true
		}
	}
	return model.Service{}, false
}

// ActivateAll brings up every declared resource in topological order. It
// always attempts every resource, collecting errors rather than aborting
// (§4.3). Activating an already-active resource is a no-op success (§4.3
// idempotence).
func (a *Activator) ActivateAll(ctx context.Context) Result {
	var errs []string
	for _, name := range a.startOrder {
		if v, ok := a.vipByName(name); ok {
			if err := a.activateVIP(v); err != nil {
				errs = append(errs, err.Error())
			}
			continue
		}
		if s, ok := a.serviceByName(name); ok {
			if err := a.units.Start(ctx, s.Unit); err != nil {
				errs = append(errs, fmt.Sprintf("service %s: %v", s.Name, err))
			}
		}
	}
	return Result{Success: len(errs) == 0, Errors: errs}
}

// DeactivateAll tears down every declared resource in reverse topological
// order.
func (a *Activator) DeactivateAll(ctx context.Context) Result {
	var errs []string
	for i := len(a.startOrder) - 1; i >= 0; i-- {
		name := a.startOrder[i]
		if v, ok := a.vipByName(name); ok {
			if err := a.deactivateVIP(v); err != nil {
				errs = append(errs, err.Error())
			}
			continue
		}
		if s, ok := a.serviceByName(name); ok {
			if err := a.units.Stop(ctx, s.Unit); err != nil {
				errs = append(errs, fmt.Sprintf("service %s: %v", s.Name, err))
			}
		}
	}
	return Result{Success: len(errs) == 0, Errors: errs}
}

// RestartService is available for health-recovery (§4.3).
func (a *Activator) RestartService(ctx context.Context, name string) error {
	s, ok := a.serviceByName(name)
	if !ok {
		return fmt.Errorf("resources: unknown service %q", name)
	}
	return a.units.Restart(ctx, s.Unit)
}

// activateVIP adds ip/cidr to interface if absent, verifies by re-reading
// the interface, then emits three gratuitous ARP announcements. Failure to
// verify is fatal for that VIP (§4.3).
func (a *Activator) activateVIP(v model.VIP) error {
	if err := netlinkx.LinkSetUp(v.Interface); err != nil {
		return fmt.Errorf("vip %s: bring up %s: %w", v.Name, v.Interface, err)
	}
	present, err := netlinkx.HasAddr(v.Interface, v.IP, v.CIDR)
	if err != nil {
		return fmt.Errorf("vip %s: check presence: %w", v.Name, err)
	}
	if !present {
		cidr := fmt.Sprintf("%s/%d", v.IP, v.CIDR)
		if err := netlinkx.AddrAdd(v.Interface, cidr); err != nil {
			return fmt.Errorf("vip %s: add address: %w", v.Name, err)
		}
		present, err = netlinkx.HasAddr(v.Interface, v.IP, v.CIDR)
		if err != nil {
			return fmt.Errorf("vip %s: verify after add: %w", v.Name, err)
		}
		if !present {
			return fmt.Errorf("vip %s: address not present after add, refusing to proceed", v.Name)
		}
	}

	for i := 0; i < 3; i++ {
		if err := netlinkx.GratuitousARP(v.Interface, v.IP); err != nil {
			log.Printf("resources: vip %s: gratuitous ARP attempt %d failed: %v", v.Name, i+1, err)
		}
	}
	return nil
}

// deactivateVIP removes the address if present; absent is a no-op success
// (§4.3 idempotence).
func (a *Activator) deactivateVIP(v model.VIP) error {
	present, err := netlinkx.HasAddr(v.Interface, v.IP, v.CIDR)
	if err != nil {
		return fmt.Errorf("vip %s: check presence: %w", v.Name, err)
	}
	if !present {
		return nil
	}
	cidr := fmt.Sprintf("%s/%d", v.IP, v.CIDR)
	if err := netlinkx.AddrDel(v.Interface, cidr); err != nil {
		return fmt.Errorf("vip %s: delete address: %w", v.Name, err)
	}
	return nil
}

// AnyVIPPresent reports whether any declared VIP is currently present on
// this host, used by the Supervisor's watchdog (§4.8).
func (a *Activator) AnyVIPPresent() (bool, error) {
	for _, v := range a.vips {
		present, err := netlinkx.HasAddr(v.Interface, v.IP, v.CIDR)
		if err != nil {
			return false, err
		}
		if present {
			return true, nil
		}
	}
	return false, nil
}
