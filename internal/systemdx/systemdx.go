// Package systemdx is the external collaborator contract for the
// underlying systemd unit wrapper (spec §1: out of scope, specified only
// by the contract the core consumes). THE CORE — the Resource Activator
// and Health Monitor — only ever sees the UnitController interface.
package systemdx

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"hacontrold/internal/executil"
)

// UnitController starts, stops and probes systemd units.
type UnitController interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	IsActive(ctx context.Context, unit string) (bool, error)
}

// unitNamePattern whitelists the unit names systemctl will be invoked with,
// mirroring the teacher's command-whitelisting discipline (validate the
// argument shape before it ever reaches exec.Command).
var unitNamePattern = regexp.MustCompile(`^[a-zA-Z0-9@._-]+\.(service|socket|timer|mount)$`)

// ValidateUnitName rejects anything that isn't a plain systemd unit name,
// refusing shell metacharacters, paths, and unknown unit suffixes.
func ValidateUnitName(unit string) error {
	if !unitNamePattern.MatchString(unit) {
		return fmt.Errorf("systemdx: %q is not a whitelisted unit name", unit)
	}
	return nil
}

// SystemctlController is the default production UnitController, shelling
// out to systemctl with every argument validated first.
type SystemctlController struct{}

// Start runs `systemctl start UNIT`.
func (SystemctlController) Start(ctx context.Context, unit string) error {
	return run(ctx, "start", unit)
}

// Stop runs `systemctl stop UNIT`.
func (SystemctlController) Stop(ctx context.Context, unit string) error {
	return run(ctx, "stop", unit)
}

// Restart runs `systemctl restart UNIT`.
func (SystemctlController) Restart(ctx context.Context, unit string) error {
	return run(ctx, "restart", unit)
}

// IsActive runs `systemctl is-active UNIT`; success iff the output trims to
// exactly "active" (spec §4.4).
func (SystemctlController) IsActive(ctx context.Context, unit string) (bool, error) {
	if err := ValidateUnitName(unit); err != nil {
		return false, err
	}
	out, err := executil.Run(ctx, executil.TimeoutProbe, "systemctl", "is-active", unit)
	status := strings.TrimSpace(string(out))
	if status == "active" {
		return true, nil
	}
	if err != nil && status != "" {
		// is-active exits non-zero for every non-active state; that is
		// expected and not itself an error condition.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("systemdx: is-active %s: %w", unit, err)
	}
	return false, nil
}

func run(ctx context.Context, verb, unit string) error {
	if err := ValidateUnitName(unit); err != nil {
		return err
	}
	out, err := executil.Run(ctx, executil.TimeoutAction, "systemctl", verb, unit)
	if err != nil {
		return fmt.Errorf("systemdx: %s %s: %w: %s", verb, unit, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// FakeController is an in-memory UnitController for tests.
type FakeController struct {
	active map[string]bool
	// FailUnits, when non-nil, names units whose Start/Stop/Restart fail.
	FailUnits map[string]bool
}

// NewFakeController constructs an empty FakeController.
func NewFakeController() *FakeController {
	return &FakeController{active: make(map[string]bool)}
}

func (f *FakeController) Start(ctx context.Context, unit string) error {
	if f.FailUnits[unit] {
		return fmt.Errorf("systemdx: fake start failure for %s", unit)
	}
	f.active[unit] = true
	return nil
}

func (f *FakeController) Stop(ctx context.Context, unit string) error {
	if f.FailUnits[unit] {
		return fmt.Errorf("systemdx: fake stop failure for %s", unit)
	}
	f.active[unit] = false
	return nil
}

func (f *FakeController) Restart(ctx context.Context, unit string) error {
	return f.Start(ctx, unit)
}

func (f *FakeController) IsActive(ctx context.Context, unit string) (bool, error) {
	return f.active[unit], nil
}
