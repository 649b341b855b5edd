// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/DataDog/gridmimic/pkg/profile"
	"github.com/DataDog/gridmimic/pkg/util/log"
)

// Server exposes the control-plane API.
type Server struct {
	registry *Registry
	profiles *profile.Store
	server   *http.Server
	listener net.Listener
}

// NewServer builds the API server around a registry and a profile
// directory. Start binds addr.
func NewServer(addr string, registry *Registry, profiles *profile.Store) *Server {
	s := &Server{
		registry: registry,
		profiles: profiles,
		server:   &http.Server{Addr: addr},
	}
	s.server.Handler = s.handler()
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("binding control plane: %w", err)
	}
	s.listener = listener
	log.Infof("control plane listening on %s", listener.Addr())
	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Infof("control plane stopped: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address. Useful for tests that bind port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/heartbeat", s.heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/config/{node_id}", s.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/logs", s.uploadLogs).Methods(http.MethodPost)
	r.HandleFunc("/api/logs/recent", s.recentLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/agents", s.listAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/agents", s.addAgent).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{node_id}/toggle", s.toggleAgent).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{node_id}", s.deleteAgent).Methods(http.MethodDelete)
	r.HandleFunc("/api/update_agent_config", s.updateAgentConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/profiles", s.listProfiles).Methods(http.MethodGet)
	r.HandleFunc("/api/profiles/{name}", s.getProfile).Methods(http.MethodGet)
	return r
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var request HeartbeatRequest
	var response HeartbeatResponse
	defer func() {
		_ = json.NewEncoder(w).Encode(response)
	}()
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.NodeID == "" {
		w.WriteHeader(http.StatusBadRequest)
		response = HeartbeatResponse{Status: StatusError, Command: CommandStop}
		return
	}

	ag, err := s.registry.Get(request.NodeID)
	switch {
	case errors.Is(err, ErrUnknownAgent):
		if adopter, aerr := s.registry.FindByOriginalID(request.NodeID); aerr == nil {
			log.Infof("heartbeat from renamed agent %s, adopting as %s", request.NodeID, adopter.NodeID)
			response = HeartbeatResponse{Status: StatusAdopted, Command: CommandStop, NewNodeID: adopter.NodeID}
			return
		}
		name := fmt.Sprintf("Pending (%s)", request.NodeID)
		if rerr := s.registry.Register(request.NodeID, name, request.IP, nil); rerr != nil {
			log.Errorf("could not register agent %s: %v", request.NodeID, rerr)
			w.WriteHeader(http.StatusInternalServerError)
			response = HeartbeatResponse{Status: StatusError, Command: CommandStop}
			return
		}
		log.Infof("auto-registered agent %s", request.NodeID)
		response = HeartbeatResponse{Status: StatusRegistered, Command: CommandStart}
	case err != nil:
		log.Errorf("heartbeat lookup for %s: %v", request.NodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		response = HeartbeatResponse{Status: StatusError, Command: CommandStop}
	default:
		if !hasDevices([]byte(ag.ConfigJSON)) && hasDevices(request.Config) {
			log.Infof("adopting config reported by agent %s", request.NodeID)
			if cerr := s.registry.SetConfig(request.NodeID, request.Config, ""); cerr != nil {
				log.Warnf("could not adopt config from %s: %v", request.NodeID, cerr)
			}
		}
		if terr := s.registry.Touch(request.NodeID, request.IP); terr != nil {
			log.Warnf("could not update heartbeat for %s: %v", request.NodeID, terr)
		}
		command := CommandStart
		if !ag.IsActive {
			command = CommandStop
		}
		response = HeartbeatResponse{Status: StatusOK, Command: command}
	}
}

// hasDevices reports whether a config blob declares at least one PLC.
func hasDevices(raw []byte) bool {
	var probe struct {
		PLCs []json.RawMessage `json:"plcs"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.PLCs) > 0
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	w.Header().Set("Content-Type", "application/json")

	ag, err := s.registry.Get(nodeID)
	if errors.Is(err, ErrUnknownAgent) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusError, Message: "Agent not found. Please register manually."})
		return
	}
	if err != nil {
		log.Errorf("config lookup for %s: %v", nodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusError, Message: err.Error()})
		return
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(ag.ConfigJSON), &doc); err != nil {
		log.Errorf("stored config for %s is not an object: %v", nodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusError, Message: "stored config is corrupt"})
		return
	}
	doc["name"] = ag.Name
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) uploadLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var request LogBatch
	var response UploadResponse
	defer func() {
		_ = json.NewEncoder(w).Encode(response)
	}()
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		response = UploadResponse{Status: StatusError}
		return
	}
	count, err := s.registry.InsertLogs(request.NodeID, request.Logs)
	if err != nil {
		log.Errorf("persisting %d logs from %s: %v", len(request.Logs), request.NodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		response = UploadResponse{Status: StatusError, Count: count}
		return
	}
	response = UploadResponse{Status: StatusReceived, Count: count}
}

func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := s.registry.RecentLogs(limit)
	if err != nil {
		log.Errorf("listing recent logs: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusError, Message: err.Error()})
		return
	}
	if logs == nil {
		logs = []StoredLog{}
	}
	_ = json.NewEncoder(w).Encode(logs)
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	agents, err := s.registry.All()
	if err != nil {
		log.Errorf("listing agents: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusError, Message: err.Error()})
		return
	}
	if agents == nil {
		agents = []Agent{}
	}
	_ = json.NewEncoder(w).Encode(agents)
}

// addAgent registers an agent from the dashboard form. An unparseable
// config_json field falls back to an empty device list.
func (s *Server) addAgent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var response StatusResponse
	defer func() {
		_ = json.NewEncoder(w).Encode(response)
	}()
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		response = StatusResponse{Status: StatusError, Message: err.Error()}
		return
	}
	nodeID := r.FormValue("node_id")
	name := r.FormValue("name")
	if nodeID == "" || name == "" {
		w.WriteHeader(http.StatusBadRequest)
		response = StatusResponse{Status: StatusError, Message: "node_id and name are required"}
		return
	}
	ip := r.FormValue("ip")
	if ip == "" {
		ip = "0.0.0.0"
	}
	var configJSON []byte
	if raw := r.FormValue("config_json"); json.Valid([]byte(raw)) {
		configJSON = []byte(raw)
	}
	if err := s.registry.Register(nodeID, name, ip, configJSON); err != nil {
		log.Errorf("adding agent %s: %v", nodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		response = StatusResponse{Status: StatusError, Message: err.Error()}
		return
	}
	response = StatusResponse{Status: "added"}
}

func (s *Server) toggleAgent(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	w.Header().Set("Content-Type", "application/json")
	var request struct {
		IsActive *bool `json:"is_active"`
	}
	var response ToggleResponse
	defer func() {
		_ = json.NewEncoder(w).Encode(response)
	}()
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			response = ToggleResponse{Status: StatusError}
			return
		}
	}
	active := true
	if request.IsActive != nil {
		active = *request.IsActive
	}
	if err := s.registry.SetActive(nodeID, active); err != nil {
		log.Errorf("toggling agent %s: %v", nodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		response = ToggleResponse{Status: StatusError}
		return
	}
	response = ToggleResponse{Status: "toggled", IsActive: active}
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	w.Header().Set("Content-Type", "application/json")
	var response StatusResponse
	defer func() {
		_ = json.NewEncoder(w).Encode(response)
	}()
	if err := s.registry.Delete(nodeID); err != nil {
		log.Errorf("deleting agent %s: %v", nodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		response = StatusResponse{Status: StatusError, Message: err.Error()}
		return
	}
	response = StatusResponse{Status: "deleted"}
}

// updateAgentConfig edits an agent from the dashboard: config, display
// name, and optionally the node id itself. Renames re-key uploaded logs and
// leave the old id inside the config blob so a still-running agent under
// the old identity gets adopted on its next heartbeat.
func (s *Server) updateAgentConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var request UpdateConfigRequest
	var response UpdateConfigResponse
	defer func() {
		_ = json.NewEncoder(w).Encode(response)
	}()
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		response = UpdateConfigResponse{Status: StatusError, Message: err.Error()}
		return
	}
	if request.NodeID == "" || len(request.Config) == 0 {
		response = UpdateConfigResponse{Status: StatusError, Message: "node_id and config are required"}
		return
	}
	if _, err := s.registry.Get(request.NodeID); err != nil {
		response = UpdateConfigResponse{Status: StatusError, Message: "agent not found"}
		return
	}

	targetID := request.NodeID
	if request.NewNodeID != "" && request.NewNodeID != request.NodeID {
		err := s.registry.Rename(request.NodeID, request.NewNodeID)
		if errors.Is(err, ErrNodeIDTaken) {
			response = UpdateConfigResponse{Status: StatusError, Message: err.Error()}
			return
		}
		if err != nil {
			log.Errorf("renaming agent %s: %v", request.NodeID, err)
			w.WriteHeader(http.StatusInternalServerError)
			response = UpdateConfigResponse{Status: StatusError, Message: err.Error()}
			return
		}
		log.Infof("renamed agent %s to %s", request.NodeID, request.NewNodeID)
		targetID = request.NewNodeID
	}

	blob, err := rewriteConfigIdentity(request.Config, targetID, request.NodeID)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		response = UpdateConfigResponse{Status: StatusError, Message: err.Error()}
		return
	}
	if err := s.registry.SetConfig(targetID, blob, request.Name); err != nil {
		log.Errorf("updating config for %s: %v", targetID, err)
		w.WriteHeader(http.StatusInternalServerError)
		response = UpdateConfigResponse{Status: StatusError, Message: err.Error()}
		return
	}
	response = UpdateConfigResponse{Status: "updated"}
	if targetID != request.NodeID {
		response.NewNodeID = targetID
	}
}

// rewriteConfigIdentity pins the blob's node_id to newID and, on a rename,
// records the old id so the adoption probe can find it.
func rewriteConfigIdentity(raw json.RawMessage, newID, oldID string) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config must be a JSON object: %w", err)
	}
	doc["node_id"] = newID
	if newID != oldID {
		doc["original_id"] = oldID
	}
	return json.Marshal(doc)
}

func (s *Server) listProfiles(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	metas := s.profiles.List()
	if metas == nil {
		metas = []profile.Meta{}
	}
	_ = json.NewEncoder(w).Encode(metas)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	w.Header().Set("Content-Type", "application/json")
	p, err := s.profiles.Get(name)
	if errors.Is(err, profile.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusError, Message: "profile not found"})
		return
	}
	if err != nil {
		log.Errorf("loading profile %s: %v", name, err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusError, Message: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(p)
}
