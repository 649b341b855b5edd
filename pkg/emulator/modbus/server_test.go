// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package modbus

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/gridmimic/pkg/device"
	"github.com/DataDog/gridmimic/pkg/interaction"
)

type captureRecorder struct {
	mu   sync.Mutex
	recs []interaction.Record
}

func (c *captureRecorder) Record(r *interaction.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, *r)
	return nil
}

func (c *captureRecorder) records() []interaction.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interaction.Record(nil), c.recs...)
}

func testServer(units map[byte]*Unit) (*Server, *captureRecorder) {
	rec := &captureRecorder{}
	return New(Config{Units: units}, rec), rec
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	return conn
}

func singleUnit() map[byte]*Unit {
	return map[byte]*Unit{1: {Image: device.NewImage(), Model: "TM221CE16R"}}
}

func Test_respond_readHoldingRegistersFromEmptyDevice(t *testing.T) {
	s, _ := testServer(singleUnit())

	h := MBAP{TransactionID: 1, Length: 6, UnitID: 1}
	resp, meta := s.respond(h, []byte{0x03, 0x00, 0x00, 0x00, 0x0A})

	want := append([]byte{0x03, 0x14}, make([]byte, 20)...)
	assert.Equal(t, want, resp)

	frame := EncodeFrame(h, resp)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x17, 0x01}, frame[:7])

	assert.Equal(t, 3, meta["modbus.func_code"])
	assert.Equal(t, "read_holding_registers", meta["modbus.func_name"])
	assert.Equal(t, 0, meta["modbus.start_addr"])
	assert.Equal(t, 10, meta["modbus.quantity"])
}

func Test_respond_writeThenReadBack(t *testing.T) {
	s, _ := testServer(singleUnit())
	h := MBAP{TransactionID: 2, Length: 6, UnitID: 1}

	writeReq := []byte{0x06, 0x00, 0x00, 0x30, 0x39}
	resp, meta := s.respond(h, writeReq)
	assert.Equal(t, writeReq, resp) // FC 6 echoes the request
	assert.Equal(t, 0x3039, meta["modbus.write_value"])

	resp, _ = s.respond(h, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x03, 0x02, 0x30, 0x39}, resp)
}

func Test_respond_deviceIdentification(t *testing.T) {
	s, _ := testServer(singleUnit())
	h := MBAP{TransactionID: 3, Length: 5, UnitID: 1}

	resp, _ := s.respond(h, []byte{0x2B, 0x0E, 0x01, 0x00})

	require.Equal(t, []byte{0x2B, 0x0E, 0x01, 0x01, 0x00, 0x00, 0x03}, resp[:7])
	rest := resp[7:]
	// object 0: vendor
	require.Equal(t, byte(0x00), rest[0])
	vlen := int(rest[1])
	assert.Equal(t, "Schneider Electric", string(rest[2:2+vlen]))
	rest = rest[2+vlen:]
	// object 1: product code = model
	require.Equal(t, byte(0x01), rest[0])
	plen := int(rest[1])
	assert.Equal(t, "TM221CE16R", string(rest[2:2+plen]))
	rest = rest[2+plen:]
	// object 2: revision
	require.Equal(t, byte(0x02), rest[0])
	assert.Equal(t, "V1.0.0", string(rest[2:]))
}

func Test_respond_unmappedUnitGatewayException(t *testing.T) {
	s, _ := testServer(singleUnit())
	h := MBAP{TransactionID: 4, Length: 6, UnitID: 2}

	resp, meta := s.respond(h, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x83, 0x0A}, resp)
	assert.Equal(t, 0x0A, meta["modbus.exception_code"])
}

func Test_respond_reportServerID(t *testing.T) {
	s, _ := testServer(singleUnit())
	h := MBAP{TransactionID: 5, Length: 2, UnitID: 1}

	resp, _ := s.respond(h, []byte{0x11})

	model := "TM221CE16R"
	want := append([]byte{0x11, byte(len(model) + 1)}, model...)
	want = append(want, 0xFF)
	assert.Equal(t, want, resp)
}

func Test_respond_coilLifecycle(t *testing.T) {
	units := singleUnit()
	s, _ := testServer(units)
	h := MBAP{UnitID: 1}

	// FC 5 on, echoed
	resp, _ := s.respond(h, []byte{0x05, 0x00, 0x02, 0xFF, 0x00})
	assert.Equal(t, []byte{0x05, 0x00, 0x02, 0xFF, 0x00}, resp)
	assert.Equal(t, []bool{true}, units[1].Image.ReadBits(device.Coils, 2, 1))

	// FC 1 packs LSB-first
	resp, _ = s.respond(h, []byte{0x01, 0x00, 0x00, 0x00, 0x0A})
	assert.Equal(t, []byte{0x01, 0x02, 0x04, 0x00}, resp)

	// bad FC 5 value
	resp, meta := s.respond(h, []byte{0x05, 0x00, 0x02, 0x12, 0x34})
	assert.Equal(t, []byte{0x85, 0x03}, resp)
	assert.Equal(t, 0x03, meta["modbus.exception_code"])
}

func Test_respond_writeMultiple(t *testing.T) {
	units := singleUnit()
	s, _ := testServer(units)
	h := MBAP{UnitID: 1}

	// FC 15: ten coils, LSB-first 0xFF 0x03
	resp, meta := s.respond(h, []byte{0x0F, 0x00, 0x00, 0x00, 0x0A, 0x02, 0xFF, 0x03})
	assert.Equal(t, []byte{0x0F, 0x00, 0x00, 0x00, 0x0A}, resp)
	assert.Equal(t, "ff03", meta["modbus.data_payload"])
	bits := units[1].Image.ReadBits(device.Coils, 0, 10)
	for i, b := range bits {
		assert.True(t, b, "coil %d", i)
	}

	// FC 16: two registers
	resp, _ = s.respond(h, []byte{0x10, 0x00, 0x10, 0x00, 0x02, 0x04, 0xDE, 0xAD, 0xBE, 0xEF})
	assert.Equal(t, []byte{0x10, 0x00, 0x10, 0x00, 0x02}, resp)
	assert.Equal(t, []uint16{0xDEAD, 0xBEEF}, units[1].Image.ReadRegisters(device.HoldingRegisters, 16, 2))

	// FC 16 with wrong byte count
	resp, _ = s.respond(h, []byte{0x10, 0x00, 0x10, 0x00, 0x02, 0x03, 0xDE, 0xAD, 0xBE})
	assert.Equal(t, []byte{0x90, 0x03}, resp)
}

func Test_respond_boundsExceptions(t *testing.T) {
	s, _ := testServer(singleUnit())
	h := MBAP{UnitID: 1}

	// zero quantity
	resp, _ := s.respond(h, []byte{0x03, 0x00, 0x00, 0x00, 0x00})
	assert.Equal(t, []byte{0x83, 0x03}, resp)

	// too many registers
	resp, _ = s.respond(h, []byte{0x03, 0x00, 0x00, 0x00, 0x7E})
	assert.Equal(t, []byte{0x83, 0x03}, resp)

	// address span overflows the table
	resp, _ = s.respond(h, []byte{0x03, 0xFF, 0xFF, 0x00, 0x02})
	assert.Equal(t, []byte{0x83, 0x02}, resp)

	// unsupported function
	resp, _ = s.respond(h, []byte{0x65})
	assert.Equal(t, []byte{0xE5, 0x01}, resp)
}

func Test_server_tcpRoundTripAndLogging(t *testing.T) {
	rec := &captureRecorder{}
	s := New(Config{Units: singleUnit()}, rec)
	require.NoError(t, s.Start())
	defer s.Stop()

	conn := dial(t, s.Addr())
	defer conn.Close()

	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	_, err := conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, 7+2+20)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)

	want := append([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x17, 0x01, 0x03, 0x14}, make([]byte, 20)...)
	assert.Equal(t, want, resp)

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "modbus", recs[0].Protocol)
	assert.True(t, bytes.Equal(req, recs[0].Request))
	assert.True(t, bytes.Equal(want, recs[0].Response))
	assert.Equal(t, "127.0.0.1", recs[0].AttackerIP)
}

func Test_server_malformedFrameClosesConnection(t *testing.T) {
	rec := &captureRecorder{}
	s := New(Config{Units: singleUnit()}, rec)
	require.NoError(t, s.Start())
	defer s.Stop()

	conn := dial(t, s.Addr())
	defer conn.Close()

	// protocol id must be zero
	_, err := conn.Write([]byte{0x00, 0x01, 0xDE, 0xAD, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func Test_server_stopUnbindsPort(t *testing.T) {
	rec := &captureRecorder{}
	s := New(Config{Units: singleUnit()}, rec)
	require.NoError(t, s.Start())
	addr := s.Addr()
	s.Stop()

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	_, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", port), 500*time.Millisecond)
	assert.Error(t, err)

	// the port can be taken again
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ln.Close()
}
