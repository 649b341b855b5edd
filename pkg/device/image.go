// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package device holds the in-process memory of one emulated PLC. An Image is
// mutated by exactly two writers, the simulation tick and the protocol
// handlers, and a single mutex per device serializes them. Images of
// different devices are independent.
package device

import (
	"encoding/binary"
	"math"
	"sync"
)

// ModbusArea selects one of the four Modbus data tables.
type ModbusArea int

const (
	HoldingRegisters ModbusArea = iota
	InputRegisters
	Coils
	DiscreteInputs
)

// S7 area codes as they appear on the wire.
const (
	S7AreaI  byte = 0x81
	S7AreaQ  byte = 0x82
	S7AreaM  byte = 0x83
	S7AreaDB byte = 0x84
)

// s7FixedSize is the size of the M, I and Q areas. DBs grow on demand.
const s7FixedSize = 65536

// State is the raw memory of one device. Protocol handlers and the simulator
// never touch it directly; they go through Image accessors or an
// Image.Update critical section.
type State struct {
	Holding  map[uint16]uint16
	Input    map[uint16]uint16
	Coils    map[uint16]bool
	Discrete map[uint16]bool

	DB map[int][]byte
	M  []byte
	I  []byte
	Q  []byte
}

// Image is the concurrency-safe view of one device's memory.
type Image struct {
	mu    sync.Mutex
	state State
}

// NewImage returns an empty memory image. Unwritten registers and coils read
// as zero and false; M, I and Q are zeroed fixed-size buffers.
func NewImage() *Image {
	return &Image{
		state: State{
			Holding:  make(map[uint16]uint16),
			Input:    make(map[uint16]uint16),
			Coils:    make(map[uint16]bool),
			Discrete: make(map[uint16]bool),
			DB:       make(map[int][]byte),
			M:        make([]byte, s7FixedSize),
			I:        make([]byte, s7FixedSize),
			Q:        make([]byte, s7FixedSize),
		},
	}
}

// Update runs fn inside the device critical section. The simulation engine
// publishes a whole tick's worth of writes through one Update call so
// protocol readers never observe half a tick.
func (img *Image) Update(fn func(*State)) {
	img.mu.Lock()
	defer img.mu.Unlock()
	fn(&img.state)
}

// ReadRegisters returns qty register values starting at start.
func (img *Image) ReadRegisters(area ModbusArea, start, qty uint16) []uint16 {
	img.mu.Lock()
	defer img.mu.Unlock()

	table := img.state.registers(area)
	out := make([]uint16, qty)
	if table == nil {
		return out
	}
	for i := uint16(0); i < qty; i++ {
		out[i] = table[start+i]
	}
	return out
}

// ReadBits returns qty coil or discrete-input values starting at start.
func (img *Image) ReadBits(area ModbusArea, start, qty uint16) []bool {
	img.mu.Lock()
	defer img.mu.Unlock()

	table := img.state.bits(area)
	out := make([]bool, qty)
	if table == nil {
		return out
	}
	for i := uint16(0); i < qty; i++ {
		out[i] = table[start+i]
	}
	return out
}

// WriteRegister sets a single register.
func (img *Image) WriteRegister(area ModbusArea, addr, value uint16) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if table := img.state.registers(area); table != nil {
		table[addr] = value
	}
}

// WriteRegisters sets consecutive registers starting at start.
func (img *Image) WriteRegisters(area ModbusArea, start uint16, values []uint16) {
	img.mu.Lock()
	defer img.mu.Unlock()
	table := img.state.registers(area)
	if table == nil {
		return
	}
	for i, v := range values {
		table[start+uint16(i)] = v
	}
}

// WriteBit sets a single coil or discrete input.
func (img *Image) WriteBit(area ModbusArea, addr uint16, value bool) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if table := img.state.bits(area); table != nil {
		table[addr] = value
	}
}

// WriteBits sets consecutive bits starting at start.
func (img *Image) WriteBits(area ModbusArea, start uint16, values []bool) {
	img.mu.Lock()
	defer img.mu.Unlock()
	table := img.state.bits(area)
	if table == nil {
		return
	}
	for i, v := range values {
		table[start+uint16(i)] = v
	}
}

// S7Read returns n bytes from an S7 area. Reads past the end of a buffer, or
// from a DB that does not exist, come back zero-filled: the honeypot never
// reports an addressing fault for reads.
func (img *Image) S7Read(area byte, db, start, n int) []byte {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.state.S7Read(area, db, start, n)
}

// S7Write stores data into an S7 area. DB buffers grow to fit; writes past
// the end of the fixed M, I and Q areas are silently truncated.
func (img *Image) S7Write(area byte, db, start int, data []byte) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.state.S7Write(area, db, start, data)
}

func (s *State) registers(area ModbusArea) map[uint16]uint16 {
	switch area {
	case HoldingRegisters:
		return s.Holding
	case InputRegisters:
		return s.Input
	}
	return nil
}

func (s *State) bits(area ModbusArea) map[uint16]bool {
	switch area {
	case Coils:
		return s.Coils
	case DiscreteInputs:
		return s.Discrete
	}
	return nil
}

// SetRegister is the lock-free variant used inside Update critical sections.
func (s *State) SetRegister(area ModbusArea, addr, value uint16) {
	if table := s.registers(area); table != nil {
		table[addr] = value
	}
}

// SetBit is the lock-free variant used inside Update critical sections.
func (s *State) SetBit(area ModbusArea, addr uint16, value bool) {
	if table := s.bits(area); table != nil {
		table[addr] = value
	}
}

// S7Read is the lock-free variant used inside Update critical sections.
func (s *State) S7Read(area byte, db, start, n int) []byte {
	out := make([]byte, n)
	if start < 0 || n <= 0 {
		return out
	}
	var buf []byte
	switch area {
	case S7AreaDB:
		buf = s.DB[db]
	case S7AreaM:
		buf = s.M
	case S7AreaI:
		buf = s.I
	case S7AreaQ:
		buf = s.Q
	default:
		return out
	}
	if start < len(buf) {
		copy(out, buf[start:])
	}
	return out
}

// S7Write is the lock-free variant used inside Update critical sections.
func (s *State) S7Write(area byte, db, start int, data []byte) {
	if start < 0 || len(data) == 0 {
		return
	}
	switch area {
	case S7AreaDB:
		buf := s.DB[db]
		if need := start + len(data); need > len(buf) {
			grown := make([]byte, need)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[start:], data)
		s.DB[db] = buf
	case S7AreaM:
		truncCopy(s.M, start, data)
	case S7AreaI:
		truncCopy(s.I, start, data)
	case S7AreaQ:
		truncCopy(s.Q, start, data)
	}
}

func truncCopy(buf []byte, start int, data []byte) {
	if start >= len(buf) {
		return
	}
	copy(buf[start:], data)
}

// Float32At decodes the big-endian IEEE-754 value stored across the register
// pair at addr and addr+1.
func (s *State) Float32At(area ModbusArea, addr uint16) float32 {
	table := s.registers(area)
	if table == nil {
		return 0
	}
	bits := uint32(table[addr])<<16 | uint32(table[addr+1])
	return math.Float32frombits(bits)
}

// SetFloat32 stores v big-endian across the register pair at addr and addr+1.
// Both halves land in the same critical section the caller already holds.
func (s *State) SetFloat32(area ModbusArea, addr uint16, v float32) {
	table := s.registers(area)
	if table == nil {
		return
	}
	bits := math.Float32bits(v)
	table[addr] = uint16(bits >> 16)
	table[addr+1] = uint16(bits & 0xFFFF)
}

// SetString packs an ASCII string big-endian into length consecutive
// registers, padded with zero bytes or truncated to fit.
func (s *State) SetString(area ModbusArea, addr uint16, value string, length int) {
	table := s.registers(area)
	if table == nil || length <= 0 {
		return
	}
	raw := make([]byte, length*2)
	copy(raw, value)
	for i := 0; i < length; i++ {
		table[addr+uint16(i)] = binary.BigEndian.Uint16(raw[i*2:])
	}
}
