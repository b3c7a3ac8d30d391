// Package mesh is the external collaborator contract for the underlying
// WireGuard interface wrapper (spec §1: key generation, wg command
// execution, interface lifecycle — out of scope, specified only by the
// contract THE CORE's P2P Plane consumes).
package mesh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hacontrold/internal/executil"
)

// Peer describes one overlay mesh member (§4.6 "/add-peer", "/mesh-peers").
type Peer struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Endpoint  string `json:"endpoint"`
	OverlayIP string `json:"overlayIp"`
}

// Overlay is the narrow interface the P2P Plane uses to manage the
// WireGuard mesh; the concrete implementation shells out to `wg`.
type Overlay interface {
	// EnsurePeer adds or updates p as a WireGuard peer on the local
	// interface.
	EnsurePeer(ctx context.Context, p Peer) error
	// HandshakeSince reports how long it has been since the last
	// successful handshake with the peer identified by key (the WireGuard
	// public key for WgOverlay), or an error if never observed.
	HandshakeSince(ctx context.Context, key string) (time.Duration, error)
}

// WgOverlay is the production Overlay, backed by `wg`.
type WgOverlay struct {
	Interface string
}

// NewWgOverlay constructs a WgOverlay bound to the named WireGuard
// interface (e.g. "wg0").
func NewWgOverlay(iface string) *WgOverlay {
	return &WgOverlay{Interface: iface}
}

// EnsurePeer runs `wg set IFACE peer PUBKEY endpoint ENDPOINT
// allowed-ips OVERLAYIP/32`.
func (w *WgOverlay) EnsurePeer(ctx context.Context, p Peer) error {
	allowedIPs := p.OverlayIP + "/32"
	_, err := executil.Run(ctx, executil.TimeoutAction, "wg", "set", w.Interface,
		"peer", p.PublicKey, "endpoint", p.Endpoint, "allowed-ips", allowedIPs, "persistent-keepalive", "25")
	if err != nil {
		return fmt.Errorf("mesh: wg set peer %s: %w", p.Name, err)
	}
	return nil
}

// HandshakeSince parses `wg show IFACE latest-handshakes` and returns the
// age of the most recent handshake with the peer whose public key equals
// pubkey; `wg show` reports public keys, not names, so callers pass the
// peer's PublicKey.
func (w *WgOverlay) HandshakeSince(ctx context.Context, pubkey string) (time.Duration, error) {
	out, err := executil.Run(ctx, executil.TimeoutProbe, "wg", "show", w.Interface, "latest-handshakes")
	if err != nil {
		return 0, fmt.Errorf("mesh: wg show latest-handshakes: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != pubkey {
			continue
		}
		var epoch int64
		if _, err := fmt.Sscanf(fields[1], "%d", &epoch); err != nil {
			return 0, fmt.Errorf("mesh: parse handshake timestamp: %w", err)
		}
		if epoch == 0 {
			return 0, fmt.Errorf("mesh: no handshake observed yet with %s", pubkey)
		}
		return time.Since(time.Unix(epoch, 0)), nil
	}
	return 0, fmt.Errorf("mesh: peer %s not found in wg show output", pubkey)
}

// StaticOverlay is a fixed-response Overlay for tests.
type StaticOverlay struct {
	Handshakes map[string]time.Duration
	Peers      []Peer
}

func (o *StaticOverlay) EnsurePeer(ctx context.Context, p Peer) error {
	o.Peers = append(o.Peers, p)
	return nil
}

func (o *StaticOverlay) HandshakeSince(ctx context.Context, name string) (time.Duration, error) {
	d, ok := o.Handshakes[name]
	if !ok {
		return 0, fmt.Errorf("mesh: no handshake recorded for %s", name)
	}
	return d, nil
}
