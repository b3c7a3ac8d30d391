package config

import "testing"

func validYAML() string {
	return `
cluster:
  name: cluster1
  quorumRequired: true
node:
  name: node1
vips:
  - name: vip1
    ip: "10.0.0.5/24"
    interface: eth0
`
}

func TestParse_CIDRShorthandResolves(t *testing.T) {
	cfg, err := Parse([]byte(validYAML()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.VIPs) != 1 {
		t.Fatalf("expected 1 vip, got %d", len(cfg.VIPs))
	}
	v := cfg.VIPs[0]
	if v.IP != "10.0.0.5" {
		t.Errorf("expected ip 10.0.0.5, got %s", v.IP)
	}
	if v.CIDR != 24 {
		t.Errorf("expected cidr 24, got %d", v.CIDR)
	}
}

func TestParse_ExplicitCIDRNotOverridden(t *testing.T) {
	data := `
cluster:
  name: c1
node:
  name: n1
vips:
  - name: vip1
    ip: "10.0.0.5/24"
    cidr: 16
    interface: eth0
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VIPs[0].CIDR != 16 {
		t.Errorf("expected explicit cidr 16 to be preserved, got %d", cfg.VIPs[0].CIDR)
	}
}

func TestParse_HealthCheckIntervalMsZeroRejected(t *testing.T) {
	data := `
cluster:
  name: c1
node:
  name: n1
healthChecks:
  - name: hc1
    type: tcp
    host: 127.0.0.1
    port: 80
    intervalMs: 0
`
	_, err := Parse([]byte(data))
	if err == nil {
		t.Fatalf("expected error for intervalMs=0, got nil")
	}
}

func TestParse_SecondsFormConvertedToMs(t *testing.T) {
	data := `
cluster:
  name: c1
node:
  name: n1
healthChecks:
  - name: hc1
    type: tcp
    host: 127.0.0.1
    port: 80
    interval: 2.5
    timeout: 1
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hc := cfg.HealthChecks[0]
	if hc.IntervalMs != 2500 {
		t.Errorf("expected intervalMs 2500, got %d", hc.IntervalMs)
	}
	if hc.TimeoutMs != 1000 {
		t.Errorf("expected timeoutMs 1000, got %d", hc.TimeoutMs)
	}
	if !hc.Standalone {
		t.Errorf("expected top-level health check to be marked standalone")
	}
}

func TestParse_DanglingOrderConstraintRejected(t *testing.T) {
	data := `
cluster:
  name: c1
node:
  name: n1
vips:
  - name: vip1
    ip: "10.0.0.5/24"
    interface: eth0
constraints:
  - kind: order
    first: vip1
    then: does-not-exist
`
	_, err := Parse([]byte(data))
	if err == nil {
		t.Fatalf("expected error for dangling constraint reference, got nil")
	}
}

func TestParse_DanglingColocationConstraintRejected(t *testing.T) {
	data := `
cluster:
  name: c1
node:
  name: n1
constraints:
  - kind: colocation
    a: missing1
    b: missing2
`
	_, err := Parse([]byte(data))
	if err == nil {
		t.Fatalf("expected error for dangling colocation reference, got nil")
	}
}

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte(validYAML()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cluster.FailoverDelayMs != DefaultFailoverDelayMs {
		t.Errorf("expected default failoverDelayMs, got %d", cfg.Cluster.FailoverDelayMs)
	}
	if cfg.Cluster.PollIntervalMs != DefaultPollIntervalMs {
		t.Errorf("expected default pollIntervalMs, got %d", cfg.Cluster.PollIntervalMs)
	}
	if cfg.P2P.Port != DefaultP2PPort {
		t.Errorf("expected default p2p port, got %d", cfg.P2P.Port)
	}
}

func TestParse_MissingClusterNameRejected(t *testing.T) {
	_, err := Parse([]byte("node:\n  name: n1\n"))
	if err == nil {
		t.Fatalf("expected error for missing cluster.name")
	}
}
