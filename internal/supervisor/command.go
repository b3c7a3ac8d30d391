package supervisor

import (
	"context"
	"fmt"
	"time"

	"hacontrold/internal/control"
	"hacontrold/internal/fence"
	"hacontrold/internal/model"
)

// Handler returns the control.Handler that dispatches every command from
// spec §4.7: status, health, resources, standby, unstandby, failover,
// reload, stonith-status, stonith-fence, stonith-unfence, stonith-history.
// Every command that mutates supervisor runtime state (standby, unstandby,
// failover, reload) is funnelled through enqueueAndWait so it runs on the
// single supervisor actor thread (§5); stonith-fence and stonith-unfence
// call the Fence Coordinator directly, which serialises on its own lock.
func (sv *Supervisor) Handler() control.Handler {
	return func(ctx context.Context, req control.Request) control.Response {
		switch req.Command {
		case "status":
			return sv.cmdStatus()
		case "health":
			return sv.cmdHealth()
		case "resources":
			return sv.cmdResources()
		case "standby":
			sv.SetStandby(true)
			return control.Response{Success: true, Message: "standby"}
		case "unstandby":
			sv.SetStandby(false)
			return control.Response{Success: true, Message: "unstandby"}
		case "failover":
			if err := sv.Failover(req.Target); err != nil {
				return control.Response{Success: false, Error: err.Error()}
			}
			return control.Response{Success: true, Message: "failover requested"}
		case "reload":
			return sv.cmdReload(req.Target)
		case "stonith-status":
			return sv.cmdStonithStatus()
		case "stonith-fence":
			return sv.cmdStonithFence(ctx, req.Node)
		case "stonith-unfence":
			return sv.cmdStonithUnfence(ctx, req.Node)
		case "stonith-history":
			return control.Response{Success: true, Data: sv.fenceC.History()}
		default:
			return control.Response{Success: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
		}
	}
}

func (sv *Supervisor) cmdStatus() control.Response {
	return control.Response{Success: true, Data: sv.Status()}
}

func (sv *Supervisor) cmdHealth() control.Response {
	sv.mu.Lock()
	specs := append([]model.HealthCheckSpec(nil), sv.coLocatedSpecs...)
	sv.mu.Unlock()

	results := make(map[string]model.HealthResult)
	for _, spec := range specs {
		if r, ok := sv.healthMon.Result(spec.Name); ok {
			results[spec.Name] = r
		}
	}
	return control.Response{Success: true, Data: results}
}

func (sv *Supervisor) cmdResources() control.Response {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return control.Response{Success: true, Data: sv.activator.StartOrder()}
}

func (sv *Supervisor) cmdReload(path string) control.Response {
	if path == "" {
		return control.Response{Success: false, Error: "reload requires a config path in target"}
	}
	newCfg, err := sv.loadConfig(path)
	if err != nil {
		return control.Response{Success: false, Error: err.Error()}
	}
	if err := sv.Reload(newCfg); err != nil {
		return control.Response{Success: false, Error: err.Error()}
	}
	return control.Response{Success: true, Message: "reloaded"}
}

func (sv *Supervisor) cmdStonithStatus() control.Response {
	sv.mu.Lock()
	g := sv.fenceGatesLocked()
	sv.mu.Unlock()
	return control.Response{Success: true, Data: g}
}

func (sv *Supervisor) cmdStonithFence(ctx context.Context, node string) control.Response {
	if node == "" {
		return control.Response{Success: false, Error: "stonith-fence requires a node"}
	}
	g := sv.fenceGates()
	err := sv.fenceC.Fence(ctx, node, g, model.InitiatedManual)
	if err != nil {
		return control.Response{Success: false, Error: err.Error()}
	}
	return control.Response{Success: true, Message: fmt.Sprintf("fenced %s", node)}
}

func (sv *Supervisor) cmdStonithUnfence(ctx context.Context, node string) control.Response {
	if node == "" {
		return control.Response{Success: false, Error: "stonith-unfence requires a node"}
	}
	if err := sv.fenceC.Unfence(ctx, node); err != nil {
		return control.Response{Success: false, Error: err.Error()}
	}
	return control.Response{Success: true, Message: fmt.Sprintf("unfenced %s", node)}
}

// fenceGatesLocked builds a Gates value; callers must hold sv.mu.
func (sv *Supervisor) fenceGatesLocked() fence.Gates {
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
