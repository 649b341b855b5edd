// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DataDog/gridmimic/pkg/config"
	"github.com/DataDog/gridmimic/pkg/interaction"
	"github.com/DataDog/gridmimic/pkg/util/log"
)

// requestTimeout bounds every control-plane round trip so a hung server
// cannot stall the agent's sync loop.
const requestTimeout = 2 * time.Second

// ErrNoConfig is returned by FetchConfig when the server does not know the
// agent.
var ErrNoConfig = errors.New("no server-side config for agent")

// Directive is the outcome of one heartbeat, dispatched exhaustively by the
// agent's sync loop.
type Directive int

const (
	// DirectiveStart tells the agent to run its configured devices.
	DirectiveStart Directive = iota
	// DirectiveStop tells the agent to stop all devices.
	DirectiveStop
	// DirectiveAdopted tells the agent its identity was renamed server-side;
	// the new id accompanies it.
	DirectiveAdopted
	// DirectiveUnreachable marks a failed round trip. The agent applies its
	// safety policy instead of a server command.
	DirectiveUnreachable
)

// String returns the directive name for logs.
func (d Directive) String() string {
	switch d {
	case DirectiveStart:
		return "start"
	case DirectiveStop:
		return "stop"
	case DirectiveAdopted:
		return "adopted"
	case DirectiveUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("directive(%d)", int(d))
	}
}

// Heartbeat is the decoded outcome of one sync round trip. Registered marks
// the round trip that auto-registered the agent; the server holds only an
// empty placeholder config at that point.
type Heartbeat struct {
	Directive  Directive
	NewNodeID  string
	Registered bool
}

// Client talks to the control plane on behalf of an agent.
type Client struct {
	serverURL string
	client    *http.Client
}

// NewClient returns a client for the control plane at serverURL.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: requestTimeout},
	}
}

// Heartbeat reports the agent's state and returns the server's directive.
// Transport failures map to DirectiveUnreachable so callers handle them with
// the same dispatch as server commands.
func (c *Client) Heartbeat(hb HeartbeatRequest) Heartbeat {
	body, err := json.Marshal(hb)
	if err != nil {
		log.Errorf("encoding heartbeat: %v", err)
		return Heartbeat{Directive: DirectiveUnreachable}
	}
	req, err := http.NewRequest(http.MethodPost, c.serverURL+"/api/heartbeat", bytes.NewReader(body))
	if err != nil {
		return Heartbeat{Directive: DirectiveUnreachable}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		log.Debugf("heartbeat failed: %v", err)
		return Heartbeat{Directive: DirectiveUnreachable}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Debugf("heartbeat rejected with status %d", resp.StatusCode)
		return Heartbeat{Directive: DirectiveUnreachable}
	}
	var response HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		log.Debugf("undecodable heartbeat response: %v", err)
		return Heartbeat{Directive: DirectiveUnreachable}
	}
	registered := response.Status == StatusRegistered
	switch {
	case response.Status == StatusAdopted && response.NewNodeID != "":
		return Heartbeat{Directive: DirectiveAdopted, NewNodeID: response.NewNodeID}
	case response.Command == CommandStop:
		return Heartbeat{Directive: DirectiveStop, Registered: registered}
	default:
		return Heartbeat{Directive: DirectiveStart, Registered: registered}
	}
}

// FetchConfig retrieves and normalizes the server-side config for nodeID.
// ErrNoConfig means the server does not know the agent yet.
func (c *Client) FetchConfig(nodeID string) (*config.ClientConfig, error) {
	req, err := http.NewRequest(http.MethodGet, c.serverURL+"/api/config/"+url.PathEscape(nodeID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoConfig
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config fetch: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return config.ParseServerConfig(raw)
}

// UploadLogs ships one batch of interaction records. Only a 200 counts as an
// acknowledgement; the returned count is how many records the server said it
// persisted.
func (c *Client) UploadLogs(nodeID string, records []interaction.Record) (int, error) {
	body, err := json.Marshal(struct {
		NodeID string               `json:"node_id"`
		Logs   []interaction.Record `json:"logs"`
	}{NodeID: nodeID, Logs: records})
	if err != nil {
		return 0, fmt.Errorf("encoding log batch: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.serverURL+"/api/logs", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("log upload: unexpected status %d", resp.StatusCode)
	}
	count := len(records)
	var response UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err == nil {
		count = response.Count
	}
	return count, nil
}
