// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package s7comm

// Model is the static identity of an emulated Siemens CPU. Its fields feed
// the SZL responses and the connect-time slot check.
type Model struct {
	Name       string
	OrderCode  string
	ModuleName string
	MaxPDU     uint16
	SystemName string
	Serial     string
	PlantID    string
	OEMID      string
	Location   string
	Slots      []int
}

// SlotValid reports whether a client may connect through the given rack
// slot.
func (m *Model) SlotValid(slot int) bool {
	for _, s := range m.Slots {
		if s == slot {
			return true
		}
	}
	return false
}

// DefaultModel is assumed when the device config names no known CPU.
const DefaultModel = "S7-300"

var models = map[string]*Model{
	"S7-300": {
		Name:       "S7-300",
		OrderCode:  "6ES7 315-2AG10-0AB0",
		ModuleName: "CPU 315-2 DP",
		MaxPDU:     240,
		SystemName: "S7-300 Station",
		Serial:     "S C-C2UR28922013",
		PlantID:    "Factory_Main_Unit",
		OEMID:      "Siemens",
		Location:   "Rack 0 Slot 2",
		Slots:      []int{2},
	},
	"S7-1200": {
		Name:       "S7-1200",
		OrderCode:  "6ES7 214-1AG40-0XB0",
		ModuleName: "CPU 1214C",
		MaxPDU:     480,
		SystemName: "S7-1200 Station",
		Serial:     "S C-C2UR28922014",
		PlantID:    "Plant_Unit_1200",
		OEMID:      "Siemens",
		Location:   "Rack 0 Slot 1",
		Slots:      []int{1},
	},
	"S7-1500": {
		Name:       "S7-1500",
		OrderCode:  "6ES7 511-1AK01-0AB0",
		ModuleName: "CPU 1511-1 PN",
		MaxPDU:     960,
		SystemName: "S7-1500 Station",
		Serial:     "S C-C2UR28922015",
		PlantID:    "Plant_Unit_1500",
		OEMID:      "Siemens",
		Location:   "Rack 0 Slot 1",
		Slots:      []int{1},
	},
}

// ModelFor resolves a configured model name, falling back to the S7-300.
func ModelFor(name string) *Model {
	if m, ok := models[name]; ok {
		return m
	}
	return models[DefaultModel]
}
