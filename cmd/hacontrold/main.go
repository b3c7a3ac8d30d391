// Command hacontrold is the HA controller daemon (spec §1, §4.8): it loads
// configuration, wires every component, and runs the Supervisor until
// signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hacontrold/internal/config"
	"hacontrold/internal/control"
	"hacontrold/internal/election"
	"hacontrold/internal/fence"
	"hacontrold/internal/groupcomms"
	"hacontrold/internal/health"
	"hacontrold/internal/mesh"
	"hacontrold/internal/model"
	"hacontrold/internal/observer"
	"hacontrold/internal/p2p"
	"hacontrold/internal/resources"
	"hacontrold/internal/supervisor"
	"hacontrold/internal/systemdx"
)

const Version = "1.0.0"

func main() {
	configPath := flag.String("config", "/etc/hacontrold/config.yaml", "Path to the cluster config file")
	socketPath := flag.String("socket", "/run/hacontrold/control.sock", "Control-plane UNIX socket path")
	pidFile := flag.String("pid-file", "/run/hacontrold/hacontrold.pid", "PID file path")
	nodeID := flag.Int("node-id", 0, "This node's corosync node ID")
	overlayIface := flag.String("overlay-iface", "wg0", "WireGuard overlay interface name")
	meshDBPath := flag.String("mesh-db", "/var/lib/hacontrold/mesh.db", "SQLite path for mesh peer/node-state persistence")
	fenceHistoryPath := flag.String("fence-history", "/var/lib/hacontrold/fence-history.json", "Fence history journal path")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("hacontrold", Version)
		return
	}
	if *nodeID == 0 {
		log.Fatalf("hacontrold: -node-id is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("hacontrold: failed to load config: %v", err)
	}

	for _, dir := range []string{filepath.Dir(*socketPath), filepath.Dir(*pidFile), filepath.Dir(*meshDBPath), filepath.Dir(*fenceHistoryPath)} {
		if dir == "." || dir == "/" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("hacontrold: failed to create %s: %v", dir, err)
		}
	}

	units := systemdx.SystemctlController{}
	querier := groupcomms.NewCorosyncQuerier(cfg.Node.Name)
	obs := observer.New(querier)
	electionM := election.NewManager()
	activator := resources.New(cfg.VIPs, cfg.Services, cfg.Constraints, units)
	healthMon := health.New(units)

	driver, err := buildFenceDriver(cfg.Stonith)
	if err != nil {
		log.Fatalf("hacontrold: failed to build fence driver: %v", err)
	}
	fenceC := fence.New(driver, *fenceHistoryPath, 500)

	store, err := p2p.NewStore(*meshDBPath)
	if err != nil {
		log.Fatalf("hacontrold: failed to open mesh store: %v", err)
	}

	overlay := mesh.NewWgOverlay(*overlayIface)
	var allowCIDRs []string
	if cfg.P2P.OverlayCIDR != "" {
		allowCIDRs = append(allowCIDRs, cfg.P2P.OverlayCIDR)
	}
	allow := p2p.NewAllowList(allowCIDRs)

	if cfg.Node.OverlayIP == "" {
		log.Fatalf("hacontrold: node.overlayIp is required; the P2P plane binds only to the overlay address")
	}
	listenAddr := fmt.Sprintf("%s:%d", cfg.Node.OverlayIP, cfg.P2P.Port)

	// sv is assigned once, right after the components below are built; the
	// handler closures only run once Run() starts serving, and the poller's
	// first tick comes a full poll interval after StartPolling, both after
	// that point.
	var sv *supervisor.Supervisor

	p2pServer := p2p.New(listenAddr, allow, cfg.P2P.SharedKey, overlay, store,
		func() p2p.LocalState {
			st := sv.Status()
			return p2p.LocalState{Name: cfg.Node.Name, Standby: st.InStandby, IsLeader: st.IsLeader}
		},
		func() model.ClusterSnapshot { return sv.Status().Cluster },
		func(incoming model.ClusterSnapshot) bool { return sv.MergeSnapshot(incoming) },
	)
	nodeState := p2p.NewNodeStateManager(store, cfg.Cluster.Name, cfg.Node.Name, cfg.Node.OverlayIP)
	p2pServer.SetNodeStateManager(nodeState)
	p2pServer.StartPolling(cfg.P2P.PollIntervalMs, func() map[string]string {
		snap := sv.Status().Cluster
		return p2pServer.OnlineEndpoints(func(name string) bool {
			_, online := snap.OnlineMember(name)
			return online
		})
	})

	ctrlSrv := control.New(*socketPath, func(ctx context.Context, req control.Request) control.Response {
		return sv.Handler()(ctx, req)
	})

	sv = supervisor.New(supervisor.Deps{
		LocalNodeID:   *nodeID,
		LocalNodeName: cfg.Node.Name,
		PIDFile:       *pidFile,
		Config:        cfg,
		Observer:      obs,
		Election:      electionM,
		Activator:     activator,
		Health:        healthMon,
		Fence:         fenceC,
		P2P:           p2pServer,
		Control:       ctrlSrv,
		Units:         units,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				cancel()
				return
			case syscall.SIGHUP:
				if newCfg, err := config.Load(*configPath); err != nil {
					log.Printf("hacontrold: reload failed: %v", err)
				} else if err := sv.Reload(newCfg); err != nil {
					log.Printf("hacontrold: reload refused: %v", err)
				}
			case syscall.SIGUSR1:
				sv.SetStandby(true)
			case syscall.SIGUSR2:
				sv.SetStandby(false)
			}
		}
	}()

	if err := sv.Run(ctx); err != nil {
		log.Fatalf("hacontrold: %v", err)
	}
}

func buildFenceDriver(st config.Stonith) (fence.Driver, error) {
	retry := fence.RetryPolicy{
		RetryCount: st.RetryCount,
		RetryDelay: time.Duration(st.RetryDelayMs) * time.Millisecond,
	}
	switch st.Driver {
	case "hypervisor":
		return fence.NewHypervisorDriver(st.Hypervisor.Endpoint, st.Hypervisor.APIKey, retry), nil
	case "http", "":
		return fence.NewHTTPTemplateDriver(st.HTTPTemplate.PowerOffURL, st.HTTPTemplate.PowerOnURL, st.HTTPTemplate.StatusURL, st.HTTPTemplate.Headers, retry), nil
	default:
		return nil, fmt.Errorf("unknown stonith driver %q", st.Driver)
	}
}
