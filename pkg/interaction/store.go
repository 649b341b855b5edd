// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package interaction persists attacker interactions in a local SQLite
// queue. Protocol handlers append records before their response goes out on
// the wire; the agent sync loop drains the oldest unuploaded records and
// marks them once the server acknowledges receipt. The store outlives device
// restarts within a process.
package interaction

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS interactions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   TEXT NOT NULL,
	attacker_ip TEXT NOT NULL,
	protocol    TEXT NOT NULL,
	request     TEXT NOT NULL,
	response    TEXT NOT NULL,
	metadata    TEXT NOT NULL,
	uploaded    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_interactions_uploaded ON interactions(uploaded, id);
`

// Record is one attacker interaction: both raw frames plus the
// protocol-specific metadata the handler extracted while parsing.
type Record struct {
	ID         int64
	Timestamp  time.Time
	AttackerIP string
	Protocol   string
	Request    []byte
	Response   []byte
	Metadata   map[string]interface{}
}

// wireRecord is the JSON shape shipped to the server's /api/logs endpoint.
type wireRecord struct {
	Timestamp  string                 `json:"timestamp"`
	AttackerIP string                 `json:"attacker_ip"`
	Protocol   string                 `json:"protocol"`
	Request    string                 `json:"request_data"`
	Response   string                 `json:"response_data"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// MarshalJSON encodes the raw frames as hex and the timestamp as RFC 3339
// UTC, the shape the upload endpoint expects.
func (r Record) MarshalJSON() ([]byte, error) {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return json.Marshal(wireRecord{
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		AttackerIP: r.AttackerIP,
		Protocol:   r.Protocol,
		Request:    hex.EncodeToString(r.Request),
		Response:   hex.EncodeToString(r.Response),
		Metadata:   meta,
	})
}

// Recorder is the narrow interface protocol handlers log through.
type Recorder interface {
	Record(*Record) error
}

// Store is the SQLite-backed interaction queue.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// StoreOption configures a Store at open time.
type StoreOption func(*Store)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clk = c }
}

// Open creates or opens the interaction database at path. Records already
// present from an earlier run are marked uploaded so a restart never replays
// an old backlog at the server.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening interaction db: %w", err)
	}
	// sqlite allows one writer; a single pooled connection avoids busy errors
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating interaction schema: %w", err)
	}
	if _, err := db.Exec(`UPDATE interactions SET uploaded = 1 WHERE uploaded = 0`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sealing interaction backlog: %w", err)
	}

	s := &Store{db: db, clk: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one interaction with uploaded=false. The record's ID and
// Timestamp fields are filled in.
func (s *Store) Record(rec *Record) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding interaction metadata: %w", err)
	}

	rec.Timestamp = s.clk.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO interactions (timestamp, attacker_ip, protocol, request, response, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.AttackerIP,
		rec.Protocol,
		hex.EncodeToString(rec.Request),
		hex.EncodeToString(rec.Response),
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// PendingBatch returns up to limit of the oldest unuploaded records, in
// insertion order.
func (s *Store) PendingBatch(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, attacker_ip, protocol, request, response, metadata
		 FROM interactions WHERE uploaded = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending interactions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                Record
			ts, reqHex, resHex string
			metaJSON           string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.AttackerIP, &rec.Protocol, &reqHex, &resHex, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning interaction row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Request, _ = hex.DecodeString(reqHex)
		rec.Response, _ = hex.DecodeString(resHex)
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			rec.Metadata = map[string]interface{}{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkUploaded flags the given records as acknowledged by the server. The
// transition is one-way.
func (s *Store) MarkUploaded(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(
		`UPDATE interactions SET uploaded = 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("marking interactions uploaded: %w", err)
	}
	return nil
}

// Pending returns the number of records still waiting for upload.
func (s *Store) Pending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM interactions WHERE uploaded = 0`).Scan(&n)
	return n, err
}
