// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package simulator

import (
	"math"

	"github.com/DataDog/gridmimic/pkg/device"
)

// Register map of the emulated Schneider PM5300 power meter.
const (
	pm5300HookName = "pm5300_command"

	pm5300CommandRegister = 5000
	pm5300StatusRegister  = 5002
	pm5300ResetEnergyCode = 2020

	pm5300CTPrimaryRegister = 2012 // float32 pair 2012-2013

	pm5300EnergyLow  = 3200
	pm5300EnergyHigh = 3201

	pm5300VoltageFirst = 3020 // three float32 pairs, 3020-3025
	pm5300VoltageLast  = 3025

	pm5300ResetCoil = 0
)

// float32 pairs carrying the three phase currents.
var pm5300CurrentRegisters = []uint16{3000, 3002, 3004}

func init() {
	RegisterPostHook(pm5300HookName, pm5300Command)
}

// pm5300Command emulates the PM5300 operator command surface: register 5000
// takes command codes, coil 0 resets the min/max voltage block, and the CT
// primary rating at 2012-2013 rescales the phase currents the simulator just
// produced. Runs inside the tick critical section, so scaling applies to
// fresh values and never compounds across ticks.
func pm5300Command(s *device.State) {
	if s.Holding[pm5300CommandRegister] == pm5300ResetEnergyCode {
		s.Holding[pm5300EnergyLow] = 0
		s.Holding[pm5300EnergyHigh] = 0
		s.Holding[pm5300CommandRegister] = 0
		s.Holding[pm5300StatusRegister] = 0
	}

	if s.Coils[pm5300ResetCoil] {
		for addr := uint16(pm5300VoltageFirst); addr <= pm5300VoltageLast; addr++ {
			s.Holding[addr] = 0
		}
	}

	ct := s.Float32At(device.HoldingRegisters, pm5300CTPrimaryRegister)
	if ct <= 0 || math.IsNaN(float64(ct)) {
		ct = 100.0
		s.SetFloat32(device.HoldingRegisters, pm5300CTPrimaryRegister, ct)
	}
	if ct != 100.0 {
		scale := ct / 100.0
		for _, addr := range pm5300CurrentRegisters {
			v := s.Float32At(device.HoldingRegisters, addr)
			s.SetFloat32(device.HoldingRegisters, addr, v*scale)
		}
	}
}
