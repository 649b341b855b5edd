// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_missingFileGeneratesIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_config.json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	require.Len(t, cfg.PLCs, 2)
	assert.Equal(t, "modbus", cfg.PLCs[0].Type)
	assert.Equal(t, 5020, cfg.PLCs[0].Port)
	assert.Equal(t, "s7comm", cfg.PLCs[1].Type)
	assert.Equal(t, 1020, cfg.PLCs[1].Port)
	assert.NotEmpty(t, cfg.NodeID)

	// The generated identity must be persisted.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.NodeID, reloaded.NodeID)
}

func Test_Load_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_config.json")
	cfg := &ClientConfig{
		ServerURL: "http://10.0.0.5:8000",
		NodeID:    "factory-7",
		PLCs: []PLCConfig{
			{Type: "modbus", Enabled: true, Port: 5020, Devices: []UnitConfig{{UnitID: 1, Model: "PM5300"}}},
		},
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func Test_Load_badJSONFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.NotEmpty(t, cfg.NodeID)
}

func Test_ParseServerConfig_stripsAndCoerces(t *testing.T) {
	raw := []byte(`{
        "_comment": "edited on the dashboard",
        "server_url": "http://192.168.1.10:8000",
        "node_id": "plant-3",
        "original_id": "old-plant-3",
        "plcs": [
            {
                "_note": "public line",
                "type": "modbus",
                "enabled": 1,
                "port": "5020",
                "devices": [{"unit_id": "2", "model": "PM5300"}],
                "simulation": {
                    "holding_registers": [
                        {"address": "3000", "type": "float32", "wave": "sine", "min": 210, "max": 230, "period": 60}
                    ]
                }
            },
            {"type": "s7comm", "enabled": "true", "port": 1020.0, "model": "S7-1200"}
        ]
    }`)

	cfg, err := ParseServerConfig(raw)
	require.NoError(t, err)

	assert.Equal(t, "plant-3", cfg.NodeID)
	require.Len(t, cfg.PLCs, 2)

	mb := cfg.PLCs[0]
	assert.True(t, mb.Enabled)
	assert.Equal(t, 5020, mb.Port)
	require.Len(t, mb.Devices, 1)
	assert.Equal(t, 2, mb.Devices[0].UnitID)
	require.NotNil(t, mb.Simulation)
	require.Len(t, mb.Simulation.HoldingRegisters, 1)
	assert.Equal(t, 3000, mb.Simulation.HoldingRegisters[0].Address)

	s7 := cfg.PLCs[1]
	assert.True(t, s7.Enabled)
	assert.Equal(t, 1020, s7.Port)
	assert.Equal(t, "S7-1200", s7.Model)
}

func Test_ParseServerConfig_rejectsBadEntries(t *testing.T) {
	for name, raw := range map[string]string{
		"port out of range": `{"node_id":"n","plcs":[{"type":"modbus","enabled":true,"port":70000}]}`,
		"unknown type":      `{"node_id":"n","plcs":[{"type":"profinet","enabled":true,"port":5020}]}`,
		"not json":          `{"node_id":`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseServerConfig([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func Test_Validate_collectsAllErrors(t *testing.T) {
	cfg := &ClientConfig{
		NodeID: "n",
		PLCs: []PLCConfig{
			{Type: "profinet", Port: 0},
			{Type: "modbus", Port: 5020, Devices: []UnitConfig{{UnitID: 300}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
	assert.Contains(t, err.Error(), "port 0 out of range")
	assert.Contains(t, err.Error(), "unit id 300 out of range")
}

func Test_CanonicalPLCs_stableAcrossEquivalentDocs(t *testing.T) {
	// Same device list arriving with fields in different order must compare
	// equal after the typed decode.
	a := []byte(`{"plcs":[{"port":5020,"type":"modbus","enabled":true}]}`)
	b := []byte(`{"plcs":[{"enabled":true,"type":"modbus","port":5020}]}`)

	var ca, cb ClientConfig
	require.NoError(t, json.Unmarshal(a, &ca))
	require.NoError(t, json.Unmarshal(b, &cb))

	assert.Equal(t, CanonicalPLCs(ca.PLCs), CanonicalPLCs(cb.PLCs))

	cb.PLCs[0].Port = 5021
	assert.NotEqual(t, CanonicalPLCs(ca.PLCs), CanonicalPLCs(cb.PLCs))
}
