// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DataDog/gridmimic/pkg/config"
	"github.com/DataDog/gridmimic/pkg/device"
	"github.com/DataDog/gridmimic/pkg/emulator/modbus"
	"github.com/DataDog/gridmimic/pkg/emulator/s7comm"
	"github.com/DataDog/gridmimic/pkg/interaction"
	"github.com/DataDog/gridmimic/pkg/profile"
	"github.com/DataDog/gridmimic/pkg/simulator"
	"github.com/DataDog/gridmimic/pkg/util/log"
)

// listener is the lifecycle every protocol emulator exposes.
type listener interface {
	Start() error
	Stop()
	Addr() string
}

// runningPLC couples one listener with the engines feeding its device
// memory.
type runningPLC struct {
	plcType string
	server  listener
	engines []*simulator.Engine
}

// deviceManager owns the lifecycle of every emulated device of one agent.
// All devices start and stop together; a partial start never survives.
type deviceManager struct {
	profiles *profile.Store
	rec      interaction.Recorder

	mu      sync.Mutex
	running []runningPLC
}

func newDeviceManager(profiles *profile.Store, rec interaction.Recorder) *deviceManager {
	return &deviceManager{profiles: profiles, rec: rec}
}

// StartAll builds and starts every enabled PLC in plcs. Invalid simulation
// entries fail before anything binds; a bind failure rolls back the
// listeners already started.
func (m *deviceManager) StartAll(plcs []config.PLCConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.running) > 0 {
		return errors.New("devices already running")
	}

	built, err := m.build(plcs)
	if err != nil {
		return err
	}
	if len(built) == 0 {
		return errors.New("no enabled devices in config")
	}

	started := make([]runningPLC, 0, len(built))
	for _, plc := range built {
		if err := plc.server.Start(); err != nil {
			for _, s := range started {
				s.server.Stop()
			}
			return fmt.Errorf("starting %s listener: %w", plc.plcType, err)
		}
		log.Infof("%s device listening on %s", plc.plcType, plc.server.Addr())
		started = append(started, plc)
	}
	for _, plc := range started {
		for _, eng := range plc.engines {
			eng.Start()
		}
	}
	m.running = started
	return nil
}

func (m *deviceManager) build(plcs []config.PLCConfig) ([]runningPLC, error) {
	var built []runningPLC
	for i, plc := range plcs {
		if !plc.Enabled {
			log.Debugf("plc %d (%s) is disabled, skipping", i, plc.Type)
			continue
		}
		switch plc.Type {
		case "modbus":
			units := make(map[byte]*modbus.Unit)
			var engines []*simulator.Engine
			devs := plc.Devices
			if len(devs) == 0 {
				devs = []config.UnitConfig{{UnitID: 1, Model: plc.Model}}
			}
			for _, dev := range devs {
				img := device.NewImage()
				model := dev.Model
				if model == "" {
					model = plc.Model
				}
				if model == "" {
					model = "Simulated Modbus Device"
				}
				units[byte(dev.UnitID)] = &modbus.Unit{Image: img, Model: model}
				eng, err := simulator.New(img, plc.Simulation, m.profiles)
				if err != nil {
					return nil, fmt.Errorf("plc %d: %w", i, err)
				}
				engines = append(engines, eng)
			}
			srv := modbus.New(modbus.Config{
				Port:     plc.Port,
				Vendor:   plc.Vendor,
				Revision: plc.Revision,
				Units:    units,
			}, m.rec)
			built = append(built, runningPLC{plcType: plc.Type, server: srv, engines: engines})
		case "s7comm":
			img := device.NewImage()
			eng, err := simulator.New(img, plc.Simulation, m.profiles)
			if err != nil {
				return nil, fmt.Errorf("plc %d: %w", i, err)
			}
			srv := s7comm.New(s7comm.Config{
				Port:  plc.Port,
				Model: plc.Model,
				Image: img,
			}, m.rec)
			built = append(built, runningPLC{plcType: plc.Type, server: srv, engines: []*simulator.Engine{eng}})
		default:
			log.Errorf("unknown plc type %q, skipping", plc.Type)
		}
	}
	return built, nil
}

// StopAll stops every engine and listener. Idempotent.
func (m *deviceManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, plc := range m.running {
		for _, eng := range plc.engines {
			eng.Stop()
		}
		plc.server.Stop()
	}
	m.running = nil
}

// Running reports whether any device is up.
func (m *deviceManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running) > 0
}

// Addrs returns the bound address of every running listener.
func (m *deviceManager) Addrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.running))
	for _, plc := range m.running {
		addrs = append(addrs, plc.server.Addr())
	}
	return addrs
}
