// Package p2p implements the P2P Plane (spec §4.6): an HTTP server bound
// to the overlay interface that distributes mesh-peer and membership
// configuration, plus the client-side polling and propagation protocol
// that drives convergence.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"hacontrold/internal/mesh"
	"hacontrold/internal/model"
)

// LocalState is what GET /state reports about this node.
type LocalState struct {
	Name      string    `json:"name"`
	Standby   bool      `json:"standby"`
	IsLeader  bool      `json:"isLeader"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerFlip is delivered to the Supervisor when a polled peer's standby or
// isLeader flips, or when a peer becomes unreachable (§4.6 polling).
type PeerFlip struct {
	Peer        string
	Unreachable bool
	State       LocalState
}

// Server is the P2P Plane: HTTP endpoints plus the background poller.
type Server struct {
	httpServer *http.Server
	router     *mux.Router

	allow     *AllowList
	sharedKey string
	overlay   mesh.Overlay
	store     *Store
	client    *http.Client

	localState   func() LocalState
	members      func() model.ClusterSnapshot
	mergeMembers func(model.ClusterSnapshot) bool

	mu    sync.RWMutex
	peers map[string]mesh.Peer

	flips chan PeerFlip

	pollCancel func()

	nodeState *NodeStateManager

	peerStatesMu sync.RWMutex
	peerStates   map[string]LocalState
}

// SetNodeStateManager attaches the node-state phase tracker (§6); wired
// separately from New because it needs the cluster/leader identity the
// Supervisor only knows after config load.
func (s *Server) SetNodeStateManager(m *NodeStateManager) { s.nodeState = m }

// New constructs a Server bound to listenAddr (the overlay interface
// address, never the public interface, per §4.6). localState, members and
// mergeMembers are callbacks into the Supervisor's authoritative state.
func New(listenAddr string, allow *AllowList, sharedKey string, overlay mesh.Overlay, store *Store,
	localState func() LocalState, members func() model.ClusterSnapshot, mergeMembers func(model.ClusterSnapshot) bool) *Server {

	s := &Server{
		allow:        allow,
		sharedKey:    sharedKey,
		overlay:      overlay,
		store:        store,
		client:       &http.Client{Timeout: 2 * time.Second},
		localState:   localState,
		members:      members,
		mergeMembers: mergeMembers,
		peers:        make(map[string]mesh.Peer),
		flips:        make(chan PeerFlip, 32),
		peerStates:   make(map[string]LocalState),
	}

	if store != nil {
		if persisted, err := store.LoadPeers(); err == nil {
			for _, p := range persisted {
				s.peers[p.Name] = p
			}
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/add-peer", s.handleAddPeer).Methods(http.MethodPost)
	r.HandleFunc("/corosync-nodes", s.handleCorosyncNodes).Methods(http.MethodGet)
	r.HandleFunc("/mesh-peers", s.handleMeshPeers).Methods(http.MethodGet)
	r.HandleFunc("/sync-corosync", s.handleSyncCorosync).Methods(http.MethodPost)
	s.router = r
	s.httpServer = &http.Server{Addr: listenAddr, Handler: r}

	return s
}

// Flips returns the peer-state-change event channel (§4.6 "a local
// callback fires when any remote standby or isLeader flips").
func (s *Server) Flips() <-chan PeerFlip { return s.flips }

// OnlineEndpoints returns name -> endpoint for every known mesh peer that
// online reports as online, for use as the background poller's peer set.
func (s *Server) OnlineEndpoints(online func(name string) bool) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.peers))
	for name, p := range s.peers {
		if online(name) {
			out[name] = p.Endpoint
		}
	}
	return out
}

// PeerStates returns the latest known LocalState for every currently
// reachable polled peer, used by the Supervisor's leader-seizure rule to
// judge whether a VIP/leader is observed anywhere in the cluster.
func (s *Server) PeerStates() map[string]LocalState {
	s.peerStatesMu.RLock()
	defer s.peerStatesMu.RUnlock()
	out := make(map[string]LocalState, len(s.peerStates))
	for k, v := range s.peerStates {
		out[k] = v
	}
	return out
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and any background poller.
func (s *Server) Shutdown() error {
	if s.pollCancel != nil {
		s.pollCancel()
	}
	ctx, cancel := timeoutCtx(5 * time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// requestIP extracts the remote source IP, stripping the port.
func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// deny404 refuses an unauthorised request without disclosing the endpoint
// exists (§4.6: "Unauthorised requests return 404").
func deny404(w http.ResponseWriter) {
	http.NotFound(w, &http.Request{})
}

func (s *Server) requireAllowListed(w http.ResponseWriter, r *http.Request) bool {
	if !s.allow.Allowed(requestIP(r)) {
		deny404(w)
		return false
	}
	return true
}

func (s *Server) requireSharedKeyQuery(w http.ResponseWriter, r *http.Request) bool {
	key := r.URL.Query().Get("authKey")
	if key == "" || key != s.sharedKey {
		deny404(w)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.requireAllowListed(w, r) {
		return
	}
	state := s.localState()
	state.Timestamp = time.Now()
	writeJSON(w, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireAllowListed(w, r) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// addPeerRequest is the /add-peer body: a mesh.Peer plus the shared key
// and the propagated flag that stops propagation loops (§4.6).
type addPeerRequest struct {
	mesh.Peer
	AuthKey     string `json:"authKey"`
	Propagated  bool   `json:"propagated"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	if !s.requireAllowListed(w, r) {
		return
	}
	var req addPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		deny404(w)
		return
	}
	if req.AuthKey == "" || req.AuthKey != s.sharedKey {
		deny404(w)
		return
	}

	if err := s.registerPeer(r.Context(), req.Peer); err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	if !req.Propagated {
		go s.propagateNewPeer(req.Peer)
	}
	writeJSON(w, map[string]interface{}{"success": true})
}

// registerPeer adds p locally: delegates to the mesh wrapper, persists it,
// and admits its overlay IP (§4.6 propagation step 1).
func (s *Server) registerPeer(ctx context.Context, p mesh.Peer) error {
	if err := s.overlay.EnsurePeer(ctx, p); err != nil {
		return fmt.Errorf("p2p: ensure peer %s: %w", p.Name, err)
	}
	s.mu.Lock()
	s.peers[p.Name] = p
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.PersistPeer(p); err != nil {
			log.Printf("p2p: failed to persist peer %s: %v", p.Name, err)
		}
	}
	s.allow.AddPermanent(p.OverlayIP + "/32")
	if s.nodeState != nil {
		s.nodeState.PeerAdded(p)
	}
	return nil
}

func (s *Server) handleCorosyncNodes(w http.ResponseWriter, r *http.Request) {
	if !s.requireSharedKeyQuery(w, r) {
		return
	}
	writeJSON(w, s.members())
}

func (s *Server) handleMeshPeers(w http.ResponseWriter, r *http.Request) {
	if !s.requireSharedKeyQuery(w, r) {
		return
	}
	s.mu.RLock()
	peers := make([]mesh.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	writeJSON(w, peers)
}

func (s *Server) handleSyncCorosync(w http.ResponseWriter, r *http.Request) {
	if !s.requireSharedKeyQuery(w, r) {
		return
	}
	var incoming model.ClusterSnapshot
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		deny404(w)
		return
	}
	accepted := s.mergeMembers(incoming)
	writeJSON(w, map[string]interface{}{"success": true, "accepted": accepted})
}
