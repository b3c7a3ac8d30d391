package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"hacontrold/internal/mesh"
	"hacontrold/internal/model"
)

func timeoutCtx(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// postJSON POSTs v to url and decodes the response into out (if non-nil).
func (s *Server) postJSON(ctx context.Context, url string, v interface{}, out interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Server) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("p2p: GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// waitForHandshake blocks until overlay.HandshakeSince(pubkey) succeeds or
// bound elapses, then returns regardless (§4.6: "or fall back to P's
// public endpoint").
func (s *Server) waitForHandshake(ctx context.Context, pubkey string, bound time.Duration) {
	deadline := time.Now().Add(bound)
	for time.Now().Before(deadline) {
		if _, err := s.overlay.HandshakeSince(ctx, pubkey); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// propagateNewPeer runs the propagation protocol (§4.6 steps 2-4) after a
// new peer N has been registered locally (step 1, done by the caller).
func (s *Server) propagateNewPeer(n mesh.Peer) {
	ctx, cancel := timeoutCtx(60 * time.Second)
	defer cancel()

	if s.nodeState != nil {
		s.nodeState.PropagationStarted()
		defer s.nodeState.PropagationCompleted()
	}

	s.mu.RLock()
	existing := make([]mesh.Peer, 0, len(s.peers))
	for name, p := range s.peers {
		if name == n.Name {
			continue
		}
		existing = append(existing, p)
	}
	s.mu.RUnlock()

	// Step 2: tell every existing peer P about N.
	for _, p := range existing {
		s.waitForHandshake(ctx, p.PublicKey, 15*time.Second)
		s.sendAddPeer(ctx, p.Endpoint, n)
	}

	// Step 3: tell N about every existing peer.
	s.waitForHandshake(ctx, n.PublicKey, 30*time.Second)
	for _, p := range existing {
		s.sendAddPeer(ctx, n.Endpoint, p)
	}

	// Step 4: synchronously push the full member list to every existing peer.
	snap := s.members()
	for _, p := range existing {
		s.sendSyncCorosync(ctx, p.Endpoint, snap)
	}
}

func (s *Server) sendAddPeer(ctx context.Context, endpoint string, p mesh.Peer) {
	req := addPeerRequest{Peer: p, AuthKey: s.sharedKey, Propagated: true}
	url := "http://" + endpoint + "/add-peer"
	if err := s.postJSON(ctx, url, req, nil); err != nil {
		log.Printf("p2p: propagate add-peer %s to %s failed: %v", p.Name, endpoint, err)
	}
}

func (s *Server) sendSyncCorosync(ctx context.Context, endpoint string, snap model.ClusterSnapshot) {
	url := fmt.Sprintf("http://%s/sync-corosync?authKey=%s", endpoint, s.sharedKey)
	if err := s.postJSON(ctx, url, snap, nil); err != nil {
		log.Printf("p2p: sync-corosync to %s failed: %v", endpoint, err)
	}
}

// StartPolling begins the background poller (§4.6: every pollIntervalMs,
// fetch /state from every currently-online peer with a 2s per-request
// timeout). onlinePeers is re-evaluated every tick so newly added or
// departed peers are picked up without a restart.
func (s *Server) StartPolling(intervalMs int, onlinePeers func() map[string]string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	go func() {
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		lastState := make(map[string]LocalState)
		unreachable := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollOnce(ctx, onlinePeers(), lastState, unreachable)
			}
		}
	}()
}

func (s *Server) pollOnce(parent context.Context, peers map[string]string, lastState map[string]LocalState, unreachable map[string]bool) {
	for name, endpoint := range peers {
		pctx, cancel := context.WithTimeout(parent, 2*time.Second)
		var state LocalState
		url := "http://" + endpoint + "/state"
		err := s.getJSON(pctx, url, &state)
		cancel()

		if err != nil {
			s.peerStatesMu.Lock()
			delete(s.peerStates, name)
			s.peerStatesMu.Unlock()
			if unreachable[name] {
				continue // already reported; only emit on the edge (§4.6)
			}
			unreachable[name] = true
			select {
			case s.flips <- PeerFlip{Peer: name, Unreachable: true}:
			default:
			}
			continue
		}
		delete(unreachable, name)

		s.peerStatesMu.Lock()
		s.peerStates[name] = state
		s.peerStatesMu.Unlock()

		prev, known := lastState[name]
		if known && prev.Standby == state.Standby && prev.IsLeader == state.IsLeader {
			continue
		}
		lastState[name] = state
		select {
		case s.flips <- PeerFlip{Peer: name, State: state}:
		default:
			log.Printf("p2p: flips channel full, dropping event for %s", name)
		}
	}
}
