// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/DataDog/gridmimic/pkg/profile"
	"github.com/DataDog/gridmimic/pkg/util/log"
)

// DefaultFileName is the agent config file looked up beside the binary when
// no --config flag is given.
const DefaultFileName = "client_config.json"

// DefaultServerURL is the control plane a fresh agent reports to.
const DefaultServerURL = "http://localhost:8000"

// ClientConfig is the agent's on-disk configuration. The control plane ships
// the same document over /api/config/{node_id}, possibly with extra
// bookkeeping keys that the typed decode drops.
type ClientConfig struct {
	ServerURL string      `json:"server_url"`
	NodeID    string      `json:"node_id"`
	PLCs      []PLCConfig `json:"plcs"`
}

// PLCConfig describes one emulated PLC listener.
type PLCConfig struct {
	Type       string              `json:"type"`
	Enabled    bool                `json:"enabled"`
	Port       int                 `json:"port"`
	Model      string              `json:"model,omitempty"`
	Vendor     string              `json:"vendor,omitempty"`
	Revision   string              `json:"revision,omitempty"`
	Devices    []UnitConfig        `json:"devices,omitempty"`
	Simulation *profile.Simulation `json:"simulation,omitempty"`
}

// UnitConfig binds one Modbus unit id to a device model behind a shared
// listener (gateway mode).
type UnitConfig struct {
	UnitID int    `json:"unit_id"`
	Model  string `json:"model,omitempty"`
}

// Default returns the configuration a fresh agent starts from: one Modbus
// and one S7comm listener on the unprivileged development ports.
func Default() *ClientConfig {
	return &ClientConfig{
		ServerURL: DefaultServerURL,
		PLCs: []PLCConfig{
			{Type: "modbus", Enabled: true, Port: 5020, Model: "Simulated Modbus Device"},
			{Type: "s7comm", Enabled: true, Port: 1020, Model: "S7-300"},
		},
	}
}

// Load reads the agent config from path. A missing file yields the default
// config; an unreadable or malformed file is logged and also yields the
// default. A missing node_id is generated and persisted back to path so the
// identity survives restarts.
func Load(path string) (*ClientConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Infof("no config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if jerr := json.Unmarshal(raw, cfg); jerr != nil {
			log.Warnf("could not parse %s (%v), using defaults", path, jerr)
			cfg = Default()
		}
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
		log.Infof("generated node id %s", cfg.NodeID)
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes the config back to path, pretty-printed so operators can edit
// it by hand.
func (c *ClientConfig) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks every PLC entry, collecting all problems instead of
// stopping at the first.
func (c *ClientConfig) Validate() error {
	var errs *multierror.Error
	for i, plc := range c.PLCs {
		if plc.Type != "modbus" && plc.Type != "s7comm" {
			errs = multierror.Append(errs, fmt.Errorf("plc %d: unknown type %q", i, plc.Type))
		}
		if plc.Port < 1 || plc.Port > 65535 {
			errs = multierror.Append(errs, fmt.Errorf("plc %d: port %d out of range", i, plc.Port))
		}
		for _, dev := range plc.Devices {
			if dev.UnitID < 0 || dev.UnitID > 255 {
				errs = multierror.Append(errs, fmt.Errorf("plc %d: unit id %d out of range", i, dev.UnitID))
			}
		}
		if plc.Simulation == nil {
			continue
		}
		if err := profile.ValidateModbus(&plc.Simulation.ModbusSection); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("plc %d: %w", i, err))
		}
		if err := profile.ValidateS7(&plc.Simulation.S7Section); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("plc %d: %w", i, err))
		}
	}
	return errs.ErrorOrNil()
}

// ParseServerConfig normalizes a config document received from the control
// plane into a typed config: keys starting with "_" are dropped, loosely
// typed fields (ports, enabled flags, addresses) are coerced, and the result
// is validated. Documents that survive none of that return an error and the
// caller keeps its previous config.
func ParseServerConfig(raw []byte) (*ClientConfig, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	stripMetaKeys(doc)
	coercePLCs(doc["plcs"])
	clean, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	cfg := &ClientConfig{}
	if err := json.Unmarshal(clean, cfg); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CanonicalPLCs renders a device list in a stable form for change detection.
// Struct fields marshal in declaration order and maps sort their keys, so
// equal configs always render identically.
func CanonicalPLCs(plcs []PLCConfig) string {
	raw, err := json.Marshal(plcs)
	if err != nil {
		return ""
	}
	return string(raw)
}

// stripMetaKeys removes every key starting with "_" anywhere in the
// document. Operators use those for comments.
func stripMetaKeys(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		for k, child := range node {
			if strings.HasPrefix(k, "_") {
				delete(node, k)
				continue
			}
			stripMetaKeys(child)
		}
	case []interface{}:
		for _, child := range node {
			stripMetaKeys(child)
		}
	}
}

// coercePLCs fixes up loosely typed fields inside a raw plcs array so the
// typed decode accepts documents hand-edited on the dashboard.
func coercePLCs(v interface{}) {
	plcs, ok := v.([]interface{})
	if !ok {
		return
	}
	for _, e := range plcs {
		plc, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if port, ok := coerceInt(plc["port"]); ok {
			plc["port"] = port
		}
		if enabled, ok := coerceBool(plc["enabled"]); ok {
			plc["enabled"] = enabled
		}
		if devices, ok := plc["devices"].([]interface{}); ok {
			for _, d := range devices {
				if dev, ok := d.(map[string]interface{}); ok {
					if id, ok := coerceInt(dev["unit_id"]); ok {
						dev["unit_id"] = id
					}
				}
			}
		}
		if sim, ok := plc["simulation"].(map[string]interface{}); ok {
			for _, section := range []string{"holding_registers", "input_registers", "coils", "discrete_inputs"} {
				entries, ok := sim[section].([]interface{})
				if !ok {
					continue
				}
				for _, e := range entries {
					if entry, ok := e.(map[string]interface{}); ok {
						if addr, ok := coerceInt(entry["address"]); ok {
							entry["address"] = addr
						}
					}
				}
			}
		}
	}
}

func coerceInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func coerceBool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}
