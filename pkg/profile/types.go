// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package profile

import (
	"github.com/DataDog/gridmimic/pkg/waveform"
)

// DefaultName is the profile a device falls back to when its simulation
// config names no profile and declares no entries of its own.
const DefaultName = "water_treatment"

// Entry binds one Modbus address to a waveform spec.
type Entry struct {
	Address       int `json:"address" yaml:"address"`
	waveform.Spec `yaml:",inline"`
}

// ModbusSection describes the Modbus data surface of a profile: one entry per
// simulated register or bit, plus an optional named post-hook run after each
// simulation tick.
type ModbusSection struct {
	HoldingRegisters []Entry `json:"holding_registers,omitempty" yaml:"holding_registers,omitempty"`
	InputRegisters   []Entry `json:"input_registers,omitempty" yaml:"input_registers,omitempty"`
	Coils            []Entry `json:"coils,omitempty" yaml:"coils,omitempty"`
	DiscreteInputs   []Entry `json:"discrete_inputs,omitempty" yaml:"discrete_inputs,omitempty"`
	PostHook         string  `json:"post_hook,omitempty" yaml:"post_hook,omitempty"`
}

// Empty reports whether the section declares no entries at all.
func (m *ModbusSection) Empty() bool {
	if m == nil {
		return true
	}
	return len(m.HoldingRegisters) == 0 && len(m.InputRegisters) == 0 &&
		len(m.Coils) == 0 && len(m.DiscreteInputs) == 0
}

// S7Section describes the S7 data surface of a profile. Outer keys are
// decimal DB numbers, inner keys byte offsets; both are strings because JSON
// objects only key on strings.
type S7Section struct {
	DB map[string]map[string]waveform.Spec `json:"db,omitempty" yaml:"db,omitempty"`
	M  map[string]waveform.Spec            `json:"m,omitempty" yaml:"m,omitempty"`
	I  map[string]waveform.Spec            `json:"i,omitempty" yaml:"i,omitempty"`
	Q  map[string]waveform.Spec            `json:"q,omitempty" yaml:"q,omitempty"`
}

// Empty reports whether the section declares no entries at all.
func (s *S7Section) Empty() bool {
	if s == nil {
		return true
	}
	return len(s.DB) == 0 && len(s.M) == 0 && len(s.I) == 0 && len(s.Q) == 0
}

// Profile is one named device description loaded from the profile directory.
type Profile struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Author      string         `json:"author,omitempty" yaml:"author,omitempty"`
	Modbus      *ModbusSection `json:"modbus,omitempty" yaml:"modbus,omitempty"`
	S7          *S7Section     `json:"s7,omitempty" yaml:"s7,omitempty"`
}

// Type summarizes which protocol surfaces the profile covers, for directory
// listings.
func (p *Profile) Type() string {
	switch {
	case !p.Modbus.Empty() && !p.S7.Empty():
		return "modbus+s7comm"
	case !p.S7.Empty():
		return "s7comm"
	default:
		return "modbus"
	}
}

// Meta is the directory-listing view of a profile.
type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author,omitempty"`
	Version     string `json:"version,omitempty"`
	Type        string `json:"type"`
}

// Simulation is the per-device simulation block of an agent config: a profile
// reference, inline entries overlaying it, or both.
type Simulation struct {
	Profile       string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ModbusSection `yaml:",inline"`
	S7Section     `yaml:",inline"`
}

// HasCustom reports whether the block declares any inline entries of its own,
// for either protocol.
func (s *Simulation) HasCustom() bool {
	if s == nil {
		return false
	}
	return !s.ModbusSection.Empty() || !s.S7Section.Empty()
}
