// Package config loads and validates hacontrold's YAML configuration file
// (spec §6). Parsing itself is an ambient, out-of-core concern — the core
// components only ever see the validated Config value this package produces.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hacontrold/internal/model"
)

// Defaults per spec §6.
const (
	DefaultFailoverDelayMs         = 3000
	DefaultPollIntervalMs          = 2000
	DefaultFailuresBeforeUnhealthy = 3
	DefaultSuccessesBeforeHealthy  = 2
	DefaultStartupGracePeriod      = 120 * time.Second
	DefaultMinDelayBetweenFence    = 60 * time.Second
	DefaultMaxFencesPer5Min        = 2
	DefaultFenceDelayOnNodeLeft    = 10 * time.Second
	DefaultP2PPort                 = 7777
	DefaultKnockPort                = 51821
)

// Cluster holds cluster-wide identity and timing.
type Cluster struct {
	Name             string `yaml:"name"`
	QuorumRequired   bool   `yaml:"quorumRequired"`
	FailoverDelayMs  int    `yaml:"failoverDelayMs"`
	PollIntervalMs   int    `yaml:"pollIntervalMs"`
}

// Node holds this node's identity (immutable across reload, §4.8).
type Node struct {
	Name      string `yaml:"name"`
	Priority  int    `yaml:"priority"`
	OverlayIP string `yaml:"overlayIp"`
}

// P2P configures the P2P Plane's listener, polling cadence and auth (§4.6).
type P2P struct {
	Port           int    `yaml:"port"`
	SharedKey      string `yaml:"sharedKey"`
	OverlayCIDR    string `yaml:"overlayCidr"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
}

// Stonith holds fence-coordinator configuration (§4.5).
type Stonith struct {
	Enabled                bool              `yaml:"enabled"`
	Driver                 string            `yaml:"driver"` // "hypervisor" | "http"
	StartupGracePeriodSec  int               `yaml:"startupGracePeriod"`
	MinDelayBetweenFenceSec int              `yaml:"minDelayBetweenFence"`
	MaxFencesPer5Min       int               `yaml:"maxFencesPer5Min"`
	FenceDelayOnNodeLeftSec int              `yaml:"fenceDelayOnNodeLeft"`
	NodeMapping            map[string]string `yaml:"nodeMapping"` // node name -> driver target id
	HTTPTemplate           HTTPDriverConfig  `yaml:"httpTemplate"`
	Hypervisor             HypervisorDriverConfig `yaml:"hypervisor"`
	RetryCount             int               `yaml:"retryCount"`
	RetryDelayMs           int               `yaml:"retryDelayMs"`
}

// HTTPDriverConfig configures the generic HTTP-template fence driver.
type HTTPDriverConfig struct {
	PowerOffURL string            `yaml:"powerOffUrl"`
	PowerOnURL  string            `yaml:"powerOnUrl"`
	StatusURL   string            `yaml:"statusUrl"`
	Headers     map[string]string `yaml:"headers"`
}

// HypervisorDriverConfig configures the hypervisor-API fence driver.
type HypervisorDriverConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"apiKey"`
}

// Logging configures the ambient log level.
type Logging struct {
	Level string `yaml:"level"`
}

// Config is the fully validated, defaulted in-memory configuration.
type Config struct {
	Cluster      Cluster                  `yaml:"cluster"`
	Node         Node                     `yaml:"node"`
	VIPs         []model.VIP              `yaml:"vips"`
	Services     []model.Service          `yaml:"services"`
	HealthChecks []model.HealthCheckSpec  `yaml:"healthChecks"`
	Constraints  []model.Constraint       `yaml:"constraints"`
	Stonith      Stonith                  `yaml:"stonith"`
	P2P          P2P                      `yaml:"p2p"`
	Logging      Logging                  `yaml:"logging"`
}

// rawHealthCheck lets intervalMs/timeoutMs OR interval/timeout (seconds) be
// given in the YAML, per spec §6 ("may be given in seconds; the canonical
// internal unit is milliseconds").
type rawHealthCheck struct {
	Name                    string `yaml:"name"`
	Type                    string `yaml:"type"`
	URL                     string `yaml:"url"`
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	Unit                    string `yaml:"unit"`
	IntervalMs              int    `yaml:"intervalMs"`
	TimeoutMs               int    `yaml:"timeoutMs"`
	Interval                float64 `yaml:"interval"`
	Timeout                 float64 `yaml:"timeout"`
	FailuresBeforeUnhealthy int    `yaml:"failuresBeforeUnhealthy"`
	SuccessesBeforeHealthy  int    `yaml:"successesBeforeHealthy"`
}

type rawService struct {
	Name        string          `yaml:"name"`
	Unit        string          `yaml:"unit"`
	Healthcheck *rawHealthCheck `yaml:"healthcheck"`
}

type rawFile struct {
	Cluster      Cluster          `yaml:"cluster"`
	Node         Node             `yaml:"node"`
	VIPs         []model.VIP      `yaml:"vips"`
	Services     []rawService     `yaml:"services"`
	HealthChecks []rawHealthCheck `yaml:"healthChecks"`
	Constraints  []model.Constraint `yaml:"constraints"`
	Stonith      Stonith          `yaml:"stonith"`
	P2P          P2P              `yaml:"p2p"`
	Logging      Logging          `yaml:"logging"`
}

// Load reads, parses, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load's in-memory counterpart, exported for tests.
func Parse(data []byte) (*Config, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Cluster:     raw.Cluster,
		Node:        raw.Node,
		VIPs:        raw.VIPs,
		Constraints: raw.Constraints,
		Stonith:     raw.Stonith,
		P2P:         raw.P2P,
		Logging:     raw.Logging,
	}

	if cfg.Cluster.Name == "" {
		return nil, fmt.Errorf("configuration: cluster.name is required")
	}
	if cfg.Node.Name == "" {
		return nil, fmt.Errorf("configuration: node.name is required")
	}

	if cfg.Cluster.FailoverDelayMs == 0 {
		cfg.Cluster.FailoverDelayMs = DefaultFailoverDelayMs
	}
	if cfg.Cluster.PollIntervalMs == 0 {
		cfg.Cluster.PollIntervalMs = DefaultPollIntervalMs
	}

	if cfg.Stonith.StartupGracePeriodSec == 0 {
		cfg.Stonith.StartupGracePeriodSec = int(DefaultStartupGracePeriod.Seconds())
	}
	if cfg.Stonith.MinDelayBetweenFenceSec == 0 {
		cfg.Stonith.MinDelayBetweenFenceSec = int(DefaultMinDelayBetweenFence.Seconds())
	}
	if cfg.Stonith.MaxFencesPer5Min == 0 {
		cfg.Stonith.MaxFencesPer5Min = DefaultMaxFencesPer5Min
	}
	if cfg.Stonith.FenceDelayOnNodeLeftSec == 0 {
		cfg.Stonith.FenceDelayOnNodeLeftSec = int(DefaultFenceDelayOnNodeLeft.Seconds())
	}

	if cfg.P2P.Port == 0 {
		cfg.P2P.Port = DefaultP2PPort
	}
	if cfg.P2P.PollIntervalMs == 0 {
		cfg.P2P.PollIntervalMs = cfg.Cluster.PollIntervalMs
	}

	// Resolve VIP CIDR shorthand: ip="10.0.0.5/20" with no explicit cidr
	// yields cidr=20 (§8 boundary test).
	for i := range cfg.VIPs {
		v := &cfg.VIPs[i]
		if v.Name == "" {
			return nil, fmt.Errorf("configuration: vip at index %d missing name", i)
		}
		if strings.Contains(v.IP, "/") {
			ip, ipnet, err := net.ParseCIDR(v.IP)
			if err != nil {
				return nil, fmt.Errorf("configuration: vip %s has invalid ip %q: %w", v.Name, v.IP, err)
			}
			ones, _ := ipnet.Mask.Size()
			v.IP = ip.String()
			if v.CIDR == 0 {
				v.CIDR = ones
			}
		}
		if v.CIDR == 0 {
			return nil, fmt.Errorf("configuration: vip %s has no cidr and none could be inferred", v.Name)
		}
		if v.Interface == "" {
			return nil, fmt.Errorf("configuration: vip %s missing interface", v.Name)
		}
	}

	for _, s := range raw.Services {
		svc := model.Service{Name: s.Name, Unit: s.Unit}
		if s.Healthcheck != nil {
			hc, err := resolveHealthCheck(*s.Healthcheck, false)
			if err != nil {
				return nil, fmt.Errorf("configuration: service %s: %w", s.Name, err)
			}
			svc.Healthcheck = hc
		}
		cfg.Services = append(cfg.Services, svc)
	}

	for _, h := range raw.HealthChecks {
		hc, err := resolveHealthCheck(h, true)
		if err != nil {
			return nil, fmt.Errorf("configuration: healthCheck %s: %w", h.Name, err)
		}
		cfg.HealthChecks = append(cfg.HealthChecks, *hc)
	}

	declared := map[string]bool{}
	for _, v := range cfg.VIPs {
		declared[v.Name] = true
	}
	for _, s := range cfg.Services {
		declared[s.Name] = true
	}
	for _, c := range cfg.Constraints {
		switch c.Kind {
		case model.ConstraintOrder:
			if !declared[c.First] || !declared[c.Then] {
				return nil, fmt.Errorf("configuration: order constraint references undeclared resource %q/%q", c.First, c.Then)
			}
		case model.ConstraintColocation:
			if !declared[c.A] || !declared[c.B] {
				return nil, fmt.Errorf("configuration: colocation constraint references undeclared resource %q/%q", c.A, c.B)
			}
		default:
			return nil, fmt.Errorf("configuration: unknown constraint kind %q", c.Kind)
		}
	}

	return cfg, nil
}

// resolveHealthCheck normalizes interval/timeout (seconds, float, legacy) or
// intervalMs/timeoutMs (canonical) into milliseconds, applies hysteresis
// defaults, and rejects intervalMs=0 (§8 boundary test: "rejected at load").
func resolveHealthCheck(h rawHealthCheck, standalone bool) (*model.HealthCheckSpec, error) {
	if h.Name == "" {
		return nil, fmt.Errorf("health check missing name")
	}
	switch h.Type {
	case "http", "tcp", "systemd":
	default:
		return nil, fmt.Errorf("health check %s has unknown type %q", h.Name, h.Type)
	}

	intervalMs := h.IntervalMs
	if intervalMs == 0 && h.Interval != 0 {
		intervalMs = int(h.Interval * 1000)
	}
	timeoutMs := h.TimeoutMs
	if timeoutMs == 0 && h.Timeout != 0 {
		timeoutMs = int(h.Timeout * 1000)
	}
	if intervalMs <= 0 {
		return nil, fmt.Errorf("health check %s: intervalMs must be > 0", h.Name)
	}
	if timeoutMs <= 0 {
		timeoutMs = intervalMs
	}

	failures := h.FailuresBeforeUnhealthy
	if failures == 0 {
		failures = DefaultFailuresBeforeUnhealthy
	}
	successes := h.SuccessesBeforeHealthy
	if successes == 0 {
		successes = DefaultSuccessesBeforeHealthy
	}

	return &model.HealthCheckSpec{
		Name:                    h.Name,
		Type:                    h.Type,
		URL:                     h.URL,
		Host:                    h.Host,
		Port:                    h.Port,
		Unit:                    h.Unit,
		IntervalMs:              intervalMs,
		TimeoutMs:               timeoutMs,
		FailuresBeforeUnhealthy: failures,
		SuccessesBeforeHealthy:  successes,
		Standalone:              standalone,
	}, nil
}

// ParsePort is a small helper for flags that accept "host:port" or a bare
// port; it returns the port number.
func ParsePort(s string) (int, error) {
	if _, port, err := net.SplitHostPort(s); err == nil {
		s = port
	}
	return strconv.Atoi(s)
}
