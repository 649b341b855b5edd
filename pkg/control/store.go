// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package control

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS agents (
	node_id        TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	ip             TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL,
	config_json    TEXT NOT NULL,
	is_active      INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     TEXT,
	node_id       TEXT,
	protocol      TEXT,
	attacker_ip   TEXT,
	request_data  TEXT,
	response_data TEXT,
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_node ON logs(node_id);
`

// offlineAfter is how long an agent may go without a heartbeat before the
// registry reports it offline.
const offlineAfter = 30 * time.Second

// Agent liveness strings, computed from last_heartbeat at read time.
const (
	agentOnline  = "Online"
	agentOffline = "Offline"
)

// ErrUnknownAgent is returned for node ids the registry has never seen.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrNodeIDTaken is returned when a rename targets an id that already
// exists.
var ErrNodeIDTaken = errors.New("New Node ID already exists")

// Registry is the server-side store of agents and their uploaded logs.
type Registry struct {
	db  *sql.DB
	clk clock.Clock
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock substitutes the wall clock, for liveness tests.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clk = c
	}
}

// OpenRegistry creates or opens the registry database at path.
func OpenRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}
	// sqlite allows one writer; a single pooled connection avoids busy errors
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry schema: %w", err)
	}

	r := &Registry{db: db, clk: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) now() string {
	return r.clk.Now().UTC().Format(time.RFC3339Nano)
}

// Register inserts or overwrites an agent. The active flag of an existing
// row survives re-registration; new agents start active.
func (r *Registry) Register(nodeID, name, ip string, configJSON []byte) error {
	if len(configJSON) == 0 {
		configJSON = defaultAgentConfig(nodeID)
	}
	active := 1
	var prev int
	err := r.db.QueryRow(`SELECT is_active FROM agents WHERE node_id = ?`, nodeID).Scan(&prev)
	switch {
	case err == nil:
		active = prev
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("registering agent %s: %w", nodeID, err)
	}
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO agents (node_id, name, ip, last_heartbeat, config_json, is_active) VALUES (?, ?, ?, ?, ?, ?)`,
		nodeID, name, ip, r.now(), string(configJSON), active,
	)
	if err != nil {
		return fmt.Errorf("registering agent %s: %w", nodeID, err)
	}
	return nil
}

// Touch records a heartbeat: last-seen moves to now and the reported IP is
// stored.
func (r *Registry) Touch(nodeID, ip string) error {
	res, err := r.db.Exec(`UPDATE agents SET last_heartbeat = ?, ip = ? WHERE node_id = ?`, r.now(), ip, nodeID)
	if err != nil {
		return fmt.Errorf("updating heartbeat for %s: %w", nodeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownAgent
	}
	return nil
}

// Get returns one agent with its liveness computed.
func (r *Registry) Get(nodeID string) (*Agent, error) {
	row := r.db.QueryRow(
		`SELECT node_id, name, ip, last_heartbeat, config_json, is_active FROM agents WHERE node_id = ?`, nodeID)
	ag, err := r.scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", nodeID, err)
	}
	return ag, nil
}

// All returns every agent ordered by node id, liveness computed.
func (r *Registry) All() ([]Agent, error) {
	rows, err := r.db.Query(
		`SELECT node_id, name, ip, last_heartbeat, config_json, is_active FROM agents ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		ag, err := r.scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("listing agents: %w", err)
		}
		agents = append(agents, *ag)
	}
	return agents, rows.Err()
}

func (r *Registry) scanAgent(scan func(...interface{}) error) (*Agent, error) {
	var ag Agent
	var active int
	if err := scan(&ag.NodeID, &ag.Name, &ag.IP, &ag.LastSeen, &ag.ConfigJSON, &active); err != nil {
		return nil, err
	}
	ag.IsActive = active != 0
	ag.Status = agentOffline
	if t, err := time.Parse(time.RFC3339Nano, ag.LastSeen); err == nil {
		if r.clk.Now().Sub(t) <= offlineAfter {
			ag.Status = agentOnline
		}
	}
	return &ag, nil
}

// SetConfig replaces an agent's config blob, and its display name when name
// is non-empty.
func (r *Registry) SetConfig(nodeID string, configJSON []byte, name string) error {
	var res sql.Result
	var err error
	if name != "" {
		res, err = r.db.Exec(`UPDATE agents SET config_json = ?, name = ? WHERE node_id = ?`,
			string(configJSON), name, nodeID)
	} else {
		res, err = r.db.Exec(`UPDATE agents SET config_json = ? WHERE node_id = ?`,
			string(configJSON), nodeID)
	}
	if err != nil {
		return fmt.Errorf("updating config for %s: %w", nodeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownAgent
	}
	return nil
}

// SetActive flips the start/stop switch for an agent.
func (r *Registry) SetActive(nodeID string, active bool) error {
	val := 0
	if active {
		val = 1
	}
	_, err := r.db.Exec(`UPDATE agents SET is_active = ? WHERE node_id = ?`, val, nodeID)
	if err != nil {
		return fmt.Errorf("toggling agent %s: %w", nodeID, err)
	}
	return nil
}

// Delete removes an agent. Its logs are kept.
func (r *Registry) Delete(nodeID string) error {
	_, err := r.db.Exec(`DELETE FROM agents WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", nodeID, err)
	}
	return nil
}

// Rename moves an agent to a new node id, re-keying its uploaded logs so
// history follows the agent. Fails with ErrNodeIDTaken when the target id
// exists.
func (r *Registry) Rename(oldID, newID string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("renaming agent %s: %w", oldID, err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(`SELECT 1 FROM agents WHERE node_id = ?`, newID).Scan(&one)
	switch {
	case err == nil:
		return ErrNodeIDTaken
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("renaming agent %s: %w", oldID, err)
	}

	res, err := tx.Exec(`UPDATE agents SET node_id = ? WHERE node_id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("renaming agent %s: %w", oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownAgent
	}
	if _, err := tx.Exec(`UPDATE logs SET node_id = ? WHERE node_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("re-keying logs for %s: %w", oldID, err)
	}
	return tx.Commit()
}

// FindByOriginalID looks for an agent whose config records originalID as the
// identity it was renamed from. Used by the adoption probe on heartbeats
// from unknown ids.
func (r *Registry) FindByOriginalID(originalID string) (*Agent, error) {
	if originalID == "" {
		return nil, ErrUnknownAgent
	}
	agents, err := r.All()
	if err != nil {
		return nil, err
	}
	for i := range agents {
		var probe struct {
			OriginalID string `json:"original_id"`
		}
		if err := json.Unmarshal([]byte(agents[i].ConfigJSON), &probe); err != nil {
			continue
		}
		if probe.OriginalID == originalID {
			return &agents[i], nil
		}
	}
	return nil, ErrUnknownAgent
}

// InsertLogs persists a batch of uploaded records under nodeID and returns
// how many were stored. Records missing a timestamp get the arrival time.
func (r *Registry) InsertLogs(nodeID string, logs []LogRecord) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("inserting logs for %s: %w", nodeID, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO logs (timestamp, node_id, protocol, attacker_ip, request_data, response_data, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("inserting logs for %s: %w", nodeID, err)
	}
	defer stmt.Close()

	count := 0
	for _, rec := range logs {
		ts := rec.Timestamp
		if ts == "" {
			ts = r.now()
		}
		meta := "{}"
		if rec.Metadata != nil {
			raw, err := json.Marshal(rec.Metadata)
			if err != nil {
				return count, fmt.Errorf("encoding log metadata: %w", err)
			}
			meta = string(raw)
		}
		if _, err := stmt.Exec(ts, nodeID, rec.Protocol, rec.AttackerIP, rec.Request, rec.Response, meta); err != nil {
			return count, fmt.Errorf("inserting logs for %s: %w", nodeID, err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("inserting logs for %s: %w", nodeID, err)
	}
	return count, nil
}

// RecentLogs returns the newest stored records, newest first.
func (r *Registry) RecentLogs(limit int) ([]StoredLog, error) {
	rows, err := r.db.Query(
		`SELECT id, timestamp, node_id, protocol, attacker_ip, request_data, response_data, metadata FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	defer rows.Close()

	var logs []StoredLog
	for rows.Next() {
		var l StoredLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.NodeID, &l.Protocol, &l.AttackerIP, &l.Request, &l.Response, &l.Metadata); err != nil {
			return nil, fmt.Errorf("listing logs: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// defaultAgentConfig is the empty device list a manually added or
// auto-registered agent starts with.
func defaultAgentConfig(nodeID string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"node_id":    nodeID,
		"server_url": "http://localhost:8000",
		"plcs":       []interface{}{},
	})
	return raw
}
