// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package simulator drives the process values of one emulated device. An
// Engine resolves the device's simulation config against the profile store
// once at construction, then ticks at 1 Hz, evaluating every waveform and
// publishing the whole batch into the memory image as one critical section.
package simulator

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/DataDog/gridmimic/pkg/device"
	"github.com/DataDog/gridmimic/pkg/profile"
	"github.com/DataDog/gridmimic/pkg/util/log"
	"github.com/DataDog/gridmimic/pkg/waveform"
)

const tickInterval = time.Second

type mbKey struct {
	area device.ModbusArea
	addr uint16
}

type s7Key struct {
	area byte
	db   int
	off  int
}

type mbEntry struct {
	area device.ModbusArea
	addr uint16
	spec waveform.Spec

	prev    float64
	written bool
}

type s7Entry struct {
	area byte
	db   int
	off  int
	spec waveform.Spec

	prev    float64
	written bool
}

// Engine generates process values for a single device. Create one with New,
// drive it with Start and Stop. The zero value is not usable.
type Engine struct {
	img  *device.Image
	clk  clock.Clock
	src  waveform.Source
	hook PostHook

	modbus []*mbEntry
	s7     []*s7Entry

	startTime time.Time
	running   *atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// WithRandom substitutes the random source shared by the waveform
// evaluators, for tests.
func WithRandom(src waveform.Source) Option {
	return func(e *Engine) { e.src = src }
}

// New resolves the effective simulation spec for one device and returns an
// engine ready to start. Resolution order: the profile named in sim, else the
// default profile when sim declares no entries of its own; inline sim entries
// then overlay the profile per address. A bad profile name, invalid inline
// entries or an unknown post-hook fail construction.
func New(img *device.Image, sim *profile.Simulation, store *profile.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		img:     img,
		clk:     clock.New(),
		src:     waveform.DefaultSource,
		running: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(e)
	}

	if sim != nil {
		if err := profile.ValidateModbus(&sim.ModbusSection); err != nil {
			return nil, fmt.Errorf("invalid simulation entries: %w", err)
		}
		if err := profile.ValidateS7(&sim.S7Section); err != nil {
			return nil, fmt.Errorf("invalid simulation entries: %w", err)
		}
	}

	mbSpecs := make(map[mbKey]waveform.Spec)
	s7Specs := make(map[s7Key]waveform.Spec)
	hookName := ""

	name := ""
	switch {
	case sim != nil && sim.Profile != "":
		name = sim.Profile
	case !sim.HasCustom() && store != nil && store.Has(profile.DefaultName):
		name = profile.DefaultName
	}
	if name != "" {
		if store == nil {
			return nil, fmt.Errorf("profile %q requested but no profile store is configured", name)
		}
		prof, err := store.Get(name)
		if err != nil {
			return nil, fmt.Errorf("loading profile %q: %w", name, err)
		}
		collectModbus(mbSpecs, prof.Modbus)
		if err := collectS7(s7Specs, prof.S7); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		if prof.Modbus != nil {
			hookName = prof.Modbus.PostHook
		}
	}
	if sim != nil {
		collectModbus(mbSpecs, &sim.ModbusSection)
		if err := collectS7(s7Specs, &sim.S7Section); err != nil {
			return nil, err
		}
		if sim.PostHook != "" {
			hookName = sim.PostHook
		}
	}

	// Older configs never named the hook; declaring the PM5300 command
	// register was the trigger.
	if hookName == "" {
		if _, ok := mbSpecs[mbKey{device.HoldingRegisters, pm5300CommandRegister}]; ok {
			hookName = pm5300HookName
			log.Debugf("holding register %d declared, attaching legacy %q post-hook", pm5300CommandRegister, pm5300HookName)
		}
	}
	if hookName != "" {
		fn, ok := lookupPostHook(hookName)
		if !ok {
			return nil, fmt.Errorf("unknown post_hook %q", hookName)
		}
		e.hook = fn
	}

	e.modbus = buildModbusEntries(mbSpecs)
	e.s7 = buildS7Entries(s7Specs)
	e.startTime = e.clk.Now()

	log.Debugf("simulation resolved: profile=%q modbus_entries=%d s7_entries=%d hook=%q",
		name, len(e.modbus), len(e.s7), hookName)
	return e, nil
}

// Start launches the tick loop. The first tick runs immediately so device
// memory is populated before the protocol listener accepts its first
// connection. Starting a running engine is a no-op.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run()
}

// Stop terminates the tick loop and waits for it to exit. Stopping a stopped
// engine is a no-op.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

// Running reports whether the tick loop is live.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) run() {
	defer close(e.doneCh)
	ticker := e.clk.Ticker(tickInterval)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

// tick evaluates every entry at the current elapsed time and publishes the
// results, plus any post-hook effects, in a single image critical section.
func (e *Engine) tick() {
	t := e.clk.Now().Sub(e.startTime).Seconds()
	e.img.Update(func(s *device.State) {
		for _, ent := range e.modbus {
			v, err := waveform.Evaluate(&ent.spec, t, ent.prev, e.src)
			if err != nil {
				continue
			}
			if v.Hold && ent.written {
				continue
			}
			storeModbus(s, ent, v)
			ent.prev = v.Float
			ent.written = true
		}
		for _, ent := range e.s7 {
			v, err := waveform.Evaluate(&ent.spec, t, ent.prev, e.src)
			if err != nil {
				continue
			}
			if v.Hold && ent.written {
				continue
			}
			s.S7Write(ent.area, ent.db, ent.off, s7Bytes(&ent.spec, v))
			ent.prev = v.Float
			ent.written = true
		}
		if e.hook != nil {
			e.hook(s)
		}
	})
}

func storeModbus(s *device.State, ent *mbEntry, v waveform.Value) {
	switch ent.area {
	case device.Coils, device.DiscreteInputs:
		s.SetBit(ent.area, ent.addr, v.Bool)
		return
	}
	switch ent.spec.Type {
	case waveform.TypeFloat32:
		s.SetFloat32(ent.area, ent.addr, float32(v.Float))
	case waveform.TypeString:
		s.SetString(ent.area, ent.addr, v.Str, ent.spec.Length)
	default:
		s.SetRegister(ent.area, ent.addr, uint16(int64(v.Float)))
	}
}

// s7Bytes encodes an evaluated value big-endian at the width of the entry's
// declared type. INT and WORD are the 2-byte default.
func s7Bytes(spec *waveform.Spec, v waveform.Value) []byte {
	switch spec.Type {
	case waveform.TypeS7DInt:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(v.Float)))
		return buf
	case waveform.TypeS7DWord:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int64(v.Float)))
		return buf
	case waveform.TypeS7Real:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v.Float)))
		return buf
	case waveform.TypeS7Byte:
		return []byte{byte(int64(v.Float))}
	default:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int64(v.Float)))
		return buf
	}
}

func collectModbus(dst map[mbKey]waveform.Spec, sec *profile.ModbusSection) {
	if sec == nil {
		return
	}
	lists := []struct {
		area    device.ModbusArea
		entries []profile.Entry
	}{
		{device.HoldingRegisters, sec.HoldingRegisters},
		{device.InputRegisters, sec.InputRegisters},
		{device.Coils, sec.Coils},
		{device.DiscreteInputs, sec.DiscreteInputs},
	}
	for _, l := range lists {
		for _, ent := range l.entries {
			dst[mbKey{l.area, uint16(ent.Address)}] = ent.Spec
		}
	}
}

func collectS7(dst map[s7Key]waveform.Spec, sec *profile.S7Section) error {
	if sec == nil {
		return nil
	}
	for dbKey, offsets := range sec.DB {
		db, err := profile.ParseOffset(dbKey)
		if err != nil {
			return err
		}
		for offKey, spec := range offsets {
			off, err := profile.ParseOffset(offKey)
			if err != nil {
				return err
			}
			dst[s7Key{device.S7AreaDB, db, off}] = spec
		}
	}
	areas := []struct {
		code    byte
		entries map[string]waveform.Spec
	}{
		{device.S7AreaM, sec.M},
		{device.S7AreaI, sec.I},
		{device.S7AreaQ, sec.Q},
	}
	for _, a := range areas {
		for offKey, spec := range a.entries {
			off, err := profile.ParseOffset(offKey)
			if err != nil {
				return err
			}
			dst[s7Key{a.code, 0, off}] = spec
		}
	}
	return nil
}

func buildModbusEntries(specs map[mbKey]waveform.Spec) []*mbEntry {
	keys := make([]mbKey, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].area != keys[j].area {
			return keys[i].area < keys[j].area
		}
		return keys[i].addr < keys[j].addr
	})
	out := make([]*mbEntry, 0, len(keys))
	for _, k := range keys {
		spec := specs[k]
		out = append(out, &mbEntry{
			area: k.area,
			addr: k.addr,
			spec: spec,
			prev: waveform.WalkInitial(&spec),
		})
	}
	return out
}

func buildS7Entries(specs map[s7Key]waveform.Spec) []*s7Entry {
	keys := make([]s7Key, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].area != keys[j].area {
			return keys[i].area < keys[j].area
		}
		if keys[i].db != keys[j].db {
			return keys[i].db < keys[j].db
		}
		return keys[i].off < keys[j].off
	})
	out := make([]*s7Entry, 0, len(keys))
	for _, k := range keys {
		spec := specs[k]
		out = append(out, &s7Entry{
			area: k.area,
			db:   k.db,
			off:  k.off,
			spec: spec,
			prev: waveform.WalkInitial(&spec),
		})
	}
	return out
}
