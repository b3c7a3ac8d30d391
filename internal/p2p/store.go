package p2p

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hacontrold/internal/mesh"
)

// Phase is the node-state file's phase (§6).
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseCollecting   Phase = "collecting"
	PhasePropagating  Phase = "propagating"
	PhaseActive       Phase = "active"
)

// NodeStateFile is the leader-authoritative overlay state (§6).
type NodeStateFile struct {
	Phase        Phase       `json:"phase"`
	ClusterName  string      `json:"clusterName"`
	LeaderNode   string      `json:"leaderNode"`
	LeaderIP     string      `json:"leaderIp"`
	Peers        []mesh.Peer `json:"peers"`
	CreatedAt    time.Time   `json:"createdAt"`
	PropagatedAt time.Time   `json:"propagatedAt,omitempty"`
}

// Store persists the mesh peer list and node-state file to SQLite,
// adapted from the teacher's ha.Manager ensureSchema/persistNode/
// loadPersistedNodes pattern.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite-backed store at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("p2p: open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS mesh_peers (
			name        TEXT PRIMARY KEY,
			public_key  TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			overlay_ip  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS node_state (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			phase         TEXT NOT NULL,
			cluster_name  TEXT NOT NULL DEFAULT '',
			leader_node   TEXT NOT NULL DEFAULT '',
			leader_ip     TEXT NOT NULL DEFAULT '',
			peers_json    TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL,
			propagated_at TEXT
		);
	`)
	return err
}

// PersistPeer upserts a mesh peer row.
func (s *Store) PersistPeer(p mesh.Peer) error {
	_, err := s.db.Exec(`
		INSERT INTO mesh_peers (name, public_key, endpoint, overlay_ip)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			public_key=excluded.public_key, endpoint=excluded.endpoint, overlay_ip=excluded.overlay_ip
	`, p.Name, p.PublicKey, p.Endpoint, p.OverlayIP)
	return err
}

// LoadPeers returns every persisted mesh peer.
func (s *Store) LoadPeers() ([]mesh.Peer, error) {
	rows, err := s.db.Query(`SELECT name, public_key, endpoint, overlay_ip FROM mesh_peers`)
	if err != nil {
		return nil, fmt.Errorf("p2p: load peers: %w", err)
	}
	defer rows.Close()
	var peers []mesh.Peer
	for rows.Next() {
		var p mesh.Peer
		if err := rows.Scan(&p.Name, &p.PublicKey, &p.Endpoint, &p.OverlayIP); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// PersistNodeState upserts the single node-state row.
func (s *Store) PersistNodeState(ns NodeStateFile) error {
	peersJSON, err := json.Marshal(ns.Peers)
	if err != nil {
		return err
	}
	var propagatedAt interface{}
	if !ns.PropagatedAt.IsZero() {
		propagatedAt = ns.PropagatedAt.Format(time.RFC3339)
	}
	_, err = s.db.Exec(`
		INSERT INTO node_state (id, phase, cluster_name, leader_node, leader_ip, peers_json, created_at, propagated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase=excluded.phase, cluster_name=excluded.cluster_name, leader_node=excluded.leader_node,
			leader_ip=excluded.leader_ip, peers_json=excluded.peers_json, propagated_at=excluded.propagated_at
	`, string(ns.Phase), ns.ClusterName, ns.LeaderNode, ns.LeaderIP, string(peersJSON),
		ns.CreatedAt.Format(time.RFC3339), propagatedAt)
	return err
}

// LoadNodeState returns the persisted node-state row, or the zero value
// with ok=false if none exists yet.
func (s *Store) LoadNodeState() (NodeStateFile, bool, error) {
	row := s.db.QueryRow(`SELECT phase, cluster_name, leader_node, leader_ip, peers_json, created_at, propagated_at FROM node_state WHERE id = 1`)
	var ns NodeStateFile
	var phase, createdAt string
	var propagatedAt sql.NullString
	var peersJSON string
	if err := row.Scan(&phase, &ns.ClusterName, &ns.LeaderNode, &ns.LeaderIP, &peersJSON, &createdAt, &propagatedAt); err != nil {
		if err == sql.ErrNoRows {
			return NodeStateFile{}, false, nil
		}
		return NodeStateFile{}, false, err
	}
	ns.Phase = Phase(phase)
	ns.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if propagatedAt.Valid {
		ns.PropagatedAt, _ = time.Parse(time.RFC3339, propagatedAt.String)
	}
	if err := json.Unmarshal([]byte(peersJSON), &ns.Peers); err != nil {
		return NodeStateFile{}, false, err
	}
	return ns, true, nil
}
