// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package control implements the HTTP control plane shared by the central
// server and the agents: agent registry, heartbeat/adoption protocol,
// config distribution, and interaction log collection.
package control

import (
	"encoding/json"
)

// Heartbeat statuses.
const (
	// StatusOK acknowledges a heartbeat from a known agent.
	StatusOK = "ok"
	// StatusRegistered acknowledges the first heartbeat of an unknown agent.
	StatusRegistered = "registered"
	// StatusAdopted tells an agent running under a stale identity which id
	// replaced it.
	StatusAdopted = "adopted"
	// StatusError reports an operator mistake in dashboard calls.
	StatusError = "error"
	// StatusReceived acknowledges a persisted log batch.
	StatusReceived = "received"
)

// Commands an agent can receive in a heartbeat response.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// HeartbeatRequest is what an agent reports every sync tick. Config carries
// the agent's full local config so the server can adopt it on first sync.
type HeartbeatRequest struct {
	NodeID string          `json:"node_id"`
	IP     string          `json:"ip,omitempty"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// HeartbeatResponse carries the command the agent must apply. NewNodeID is
// only set with StatusAdopted.
type HeartbeatResponse struct {
	Status    string `json:"status"`
	Command   string `json:"command"`
	NewNodeID string `json:"new_node_id,omitempty"`
}

// LogRecord is one uploaded interaction record: hex-encoded frames plus the
// metadata the protocol handler extracted, exactly as the agent's local
// store serializes them.
type LogRecord struct {
	Timestamp  string                 `json:"timestamp"`
	AttackerIP string                 `json:"attacker_ip"`
	Protocol   string                 `json:"protocol"`
	Request    string                 `json:"request_data"`
	Response   string                 `json:"response_data"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// LogBatch is the body of a bulk log upload.
type LogBatch struct {
	NodeID string      `json:"node_id"`
	Logs   []LogRecord `json:"logs"`
}

// UploadResponse acknowledges a log batch; Count is how many records were
// persisted.
type UploadResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Agent is the registry view of one agent. LastSeen is RFC 3339; Status is
// computed from it at read time and never stored.
type Agent struct {
	NodeID     string `json:"node_id"`
	Name       string `json:"name"`
	IP         string `json:"ip"`
	LastSeen   string `json:"last_heartbeat"`
	Status     string `json:"status"`
	IsActive   bool   `json:"is_active"`
	ConfigJSON string `json:"config_json"`
}

// StoredLog is one server-side log row, Metadata kept as the JSON string it
// was stored with.
type StoredLog struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"timestamp"`
	NodeID     string `json:"node_id"`
	Protocol   string `json:"protocol"`
	AttackerIP string `json:"attacker_ip"`
	Request    string `json:"request_data"`
	Response   string `json:"response_data"`
	Metadata   string `json:"metadata"`
}

// StatusResponse is the generic acknowledgement for dashboard mutations.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ToggleResponse echoes the new active flag.
type ToggleResponse struct {
	Status   string `json:"status"`
	IsActive bool   `json:"is_active"`
}

// UpdateConfigRequest edits one agent from the dashboard. Setting NewNodeID
// renames the agent; its uploaded logs follow the new id and the old id is
// kept inside the config blob so a still-running agent can be adopted.
type UpdateConfigRequest struct {
	NodeID    string          `json:"node_id"`
	NewNodeID string          `json:"new_node_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Config    json.RawMessage `json:"config"`
}

// UpdateConfigResponse reports the outcome of an agent edit.
type UpdateConfigResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	NewNodeID string `json:"new_node_id,omitempty"`
}
