// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package modbus emulates a Modbus/TCP device, optionally fronting several
// logical units behind one port (gateway mode). Handlers read and write the
// per-unit memory image and record every request/response pair before the
// response leaves the process.
package modbus

import (
	"encoding/binary"
	"encoding/hex"
	"net"
	"time"

	"github.com/DataDog/gridmimic/pkg/device"
	"github.com/DataDog/gridmimic/pkg/emulator"
	"github.com/DataDog/gridmimic/pkg/interaction"
	"github.com/DataDog/gridmimic/pkg/util/log"
)

// Unit is one logical device reachable through the gateway.
type Unit struct {
	Image *device.Image
	Model string
}

// Config describes one Modbus listener.
type Config struct {
	Port     int
	Vendor   string
	Revision string
	Units    map[byte]*Unit
}

// Server is a Modbus/TCP emulator bound to one port.
type Server struct {
	vendor   string
	revision string
	units    map[byte]*Unit
	rec      interaction.Recorder
	tcp      *emulator.Server
}

// New builds a server from config. Identity fields fall back to the
// Schneider defaults the profiles assume.
func New(cfg Config, rec interaction.Recorder) *Server {
	vendor := cfg.Vendor
	if vendor == "" {
		vendor = DefaultVendor
	}
	revision := cfg.Revision
	if revision == "" {
		revision = DefaultRevision
	}
	s := &Server{
		vendor:   vendor,
		revision: revision,
		units:    cfg.Units,
		rec:      rec,
	}
	s.tcp = emulator.NewServer("modbus", cfg.Port, s.handleConn)
	return s
}

// Start binds the listener.
func (s *Server) Start() error { return s.tcp.Start() }

// Stop closes the listener and all live connections.
func (s *Server) Stop() { s.tcp.Stop() }

// Addr returns the bound address, for tests using an ephemeral port.
func (s *Server) Addr() string { return s.tcp.Addr() }

func (s *Server) handleConn(conn net.Conn) {
	ip := emulator.RemoteIP(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(emulator.ReadTimeout)); err != nil {
			return
		}
		h, pdu, raw, err := ReadFrame(conn)
		if err != nil {
			return
		}

		respPDU, meta := s.respond(h, pdu)
		frame := EncodeFrame(h, respPDU)

		if err := s.rec.Record(&interaction.Record{
			AttackerIP: ip,
			Protocol:   "modbus",
			Request:    raw,
			Response:   frame,
			Metadata:   meta,
		}); err != nil {
			log.Warnf("modbus: recording interaction: %v", err)
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

// respond dispatches one PDU and returns the response PDU plus the metadata
// gathered while parsing. Every path yields a syntactically valid Modbus
// response.
func (s *Server) respond(h MBAP, pdu []byte) ([]byte, map[string]interface{}) {
	fc := pdu[0]
	body := pdu[1:]
	meta := map[string]interface{}{
		"modbus.unit_id":   int(h.UnitID),
		"modbus.func_code": int(fc),
		"modbus.func_name": FuncName(fc),
		"modbus.trans_id":  int(h.TransactionID),
	}
	fail := func(code byte) []byte {
		meta["modbus.exception_code"] = int(code)
		return exception(fc, code)
	}

	unit, ok := s.units[h.UnitID]
	if !ok {
		return fail(ExceptionGatewayPathUnavail), meta
	}

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if len(body) != 4 {
			return fail(ExceptionIllegalDataValue), meta
		}
		start := binary.BigEndian.Uint16(body[0:2])
		qty := binary.BigEndian.Uint16(body[2:4])
		meta["modbus.start_addr"] = int(start)
		meta["modbus.quantity"] = int(qty)
		if qty < 1 || qty > maxReadBits {
			return fail(ExceptionIllegalDataValue), meta
		}
		if int(start)+int(qty) > 0x10000 {
			return fail(ExceptionIllegalDataAddress), meta
		}
		area := device.Coils
		if fc == FuncReadDiscreteInputs {
			area = device.DiscreteInputs
		}
		packed := packBits(unit.Image.ReadBits(area, start, qty))
		return append([]byte{fc, byte(len(packed))}, packed...), meta

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(body) != 4 {
			return fail(ExceptionIllegalDataValue), meta
		}
		start := binary.BigEndian.Uint16(body[0:2])
		qty := binary.BigEndian.Uint16(body[2:4])
		meta["modbus.start_addr"] = int(start)
		meta["modbus.quantity"] = int(qty)
		if qty < 1 || qty > maxReadRegisters {
			return fail(ExceptionIllegalDataValue), meta
		}
		if int(start)+int(qty) > 0x10000 {
			return fail(ExceptionIllegalDataAddress), meta
		}
		area := device.HoldingRegisters
		if fc == FuncReadInputRegisters {
			area = device.InputRegisters
		}
		data := encodeRegisters(unit.Image.ReadRegisters(area, start, qty))
		return append([]byte{fc, byte(len(data))}, data...), meta

	case FuncWriteSingleCoil:
		if len(body) != 4 {
			return fail(ExceptionIllegalDataValue), meta
		}
		addr := binary.BigEndian.Uint16(body[0:2])
		value := binary.BigEndian.Uint16(body[2:4])
		meta["modbus.start_addr"] = int(addr)
		meta["modbus.write_value"] = int(value)
		if value != coilOn && value != coilOff {
			return fail(ExceptionIllegalDataValue), meta
		}
		unit.Image.WriteBit(device.Coils, addr, value == coilOn)
		return pdu, meta

	case FuncWriteSingleRegister:
		if len(body) != 4 {
			return fail(ExceptionIllegalDataValue), meta
		}
		addr := binary.BigEndian.Uint16(body[0:2])
		value := binary.BigEndian.Uint16(body[2:4])
		meta["modbus.start_addr"] = int(addr)
		meta["modbus.write_value"] = int(value)
		unit.Image.WriteRegister(device.HoldingRegisters, addr, value)
		return pdu, meta

	case FuncWriteMultipleCoils:
		if len(body) < 5 {
			return fail(ExceptionIllegalDataValue), meta
		}
		start := binary.BigEndian.Uint16(body[0:2])
		qty := binary.BigEndian.Uint16(body[2:4])
		count := int(body[4])
		meta["modbus.start_addr"] = int(start)
		meta["modbus.quantity"] = int(qty)
		if qty < 1 || qty > maxWriteBits || count != (int(qty)+7)/8 || len(body) != 5+count {
			return fail(ExceptionIllegalDataValue), meta
		}
		if int(start)+int(qty) > 0x10000 {
			return fail(ExceptionIllegalDataAddress), meta
		}
		meta["modbus.data_payload"] = hex.EncodeToString(body[5:])
		unit.Image.WriteBits(device.Coils, start, unpackBits(body[5:], int(qty)))
		return append([]byte{fc}, body[0:4]...), meta

	case FuncWriteMultipleRegisters:
		if len(body) < 5 {
			return fail(ExceptionIllegalDataValue), meta
		}
		start := binary.BigEndian.Uint16(body[0:2])
		qty := binary.BigEndian.Uint16(body[2:4])
		count := int(body[4])
		meta["modbus.start_addr"] = int(start)
		meta["modbus.quantity"] = int(qty)
		if qty < 1 || qty > maxWriteRegs || count != 2*int(qty) || len(body) != 5+count {
			return fail(ExceptionIllegalDataValue), meta
		}
		if int(start)+int(qty) > 0x10000 {
			return fail(ExceptionIllegalDataAddress), meta
		}
		meta["modbus.data_payload"] = hex.EncodeToString(body[5:])
		unit.Image.WriteRegisters(device.HoldingRegisters, start, decodeRegisters(body[5:]))
		return append([]byte{fc}, body[0:4]...), meta

	case FuncReportServerID:
		return reportServerID(unit.Model), meta

	case FuncEncapsulatedInterface:
		if len(body) < 3 || body[0] != meiReadDeviceID {
			return fail(ExceptionIllegalFunction), meta
		}
		return deviceIdentification(body[1], s.vendor, unit.Model, s.revision), meta
	}

	return fail(ExceptionIllegalFunction), meta
}

func encodeRegisters(regs []uint16) []byte {
	out := make([]byte, 2*len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}

func decodeRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}
