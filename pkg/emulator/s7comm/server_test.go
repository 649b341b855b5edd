// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package s7comm

import (
	"bytes"
	"encoding/binary"
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

func testServer(model string) (*Server, *captureRecorder) {
	rec := &captureRecorder{}
	return New(Config{Model: model, Image: device.NewImage()}, rec), rec
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

// connRequestFrame builds a COTP CR with calling TSAP 01 00 and called TSAP
// 01 <slot>.
func connRequestFrame(srcRef uint16, slot byte) []byte {
	cotp := []byte{0x0E, cotpConnRequest, 0x00, 0x00}
	cotp = binary.BigEndian.AppendUint16(cotp, srcRef)
	cotp = append(cotp, 0x00)
	cotp = append(cotp, 0xC1, 0x02, 0x01, 0x00)
	cotp = append(cotp, 0xC2, 0x02, 0x01, slot)
	return encodeTPKT(cotp)
}

func jobPDU(ref uint16, params, data []byte) []byte {
	s7 := []byte{protoID, rosctrJob, 0x00, 0x00}
	s7 = binary.BigEndian.AppendUint16(s7, ref)
	s7 = binary.BigEndian.AppendUint16(s7, uint16(len(params)))
	s7 = binary.BigEndian.AppendUint16(s7, uint16(len(data)))
	s7 = append(s7, params...)
	return append(s7, data...)
}

func userDataPDU(ref uint16, params, data []byte) []byte {
	s7 := jobPDU(ref, params, data)
	s7[1] = rosctrUserData
	return s7
}

func szlRequest(ref, id, index uint16) []byte {
	params := []byte{0x00, 0x01, 0x12, 0x04, 0x11, 0x44, 0x01, 0x00}
	data := []byte{0xFF, 0x09, 0x00, 0x04}
	data = binary.BigEndian.AppendUint16(data, id)
	data = binary.BigEndian.AppendUint16(data, index)
	return userDataPDU(ref, params, data)
}

// itemSpec builds the 12-byte read/write item header. addr packs byte and
// bit index as (byte<<3)|bit.
func itemSpec(transport byte, count, db int, area byte, addr int) []byte {
	item := []byte{0x12, 0x0A, 0x10, transport}
	item = binary.BigEndian.AppendUint16(item, uint16(count))
	item = binary.BigEndian.AppendUint16(item, uint16(db))
	item = append(item, area)
	return append(item, byte(addr>>16), byte(addr>>8), byte(addr))
}

func Test_parseConnRequest_extractsTSAPsAndSlot(t *testing.T) {
	frame := connRequestFrame(0x0042, 0x02)
	cr := parseConnRequest(frame[4:])

	assert.Equal(t, [2]byte{0x00, 0x42}, cr.srcRef)
	assert.Equal(t, []byte{0x01, 0x00}, cr.srcTSAP)
	assert.Equal(t, []byte{0x01, 0x02}, cr.dstTSAP)
	assert.Equal(t, 2, cr.slot)
}

func Test_parseConnRequest_missingCalledTSAP(t *testing.T) {
	cotp := []byte{0x0A, cotpConnRequest, 0x00, 0x00, 0x00, 0x07, 0x00, 0xC1, 0x02, 0x01, 0x00}
	cr := parseConnRequest(cotp)

	assert.Equal(t, -1, cr.slot)
	assert.Nil(t, cr.dstTSAP)
}

func Test_handleConn_wrongSlotRejected(t *testing.T) {
	s, rec := testServer("S7-300")
	require.NoError(t, s.Start())
	defer s.Stop()

	conn := dial(t, s.Addr())
	defer conn.Close()

	_, err := conn.Write(connRequestFrame(0x0007, 0x01)) // slot 1, S7-300 only allows 2
	require.NoError(t, err)

	resp := make([]byte, 11)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x0B, 0x06, 0x80, 0x00, 0x07, 0x00, 0x00, 0x01}, resp)

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err) // server closed the socket

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "s7comm", recs[0].Protocol)
	assert.Equal(t, "reject_connection", recs[0].Metadata["s7.action"])
	assert.Equal(t, "0101", recs[0].Metadata["s7.cotp.dst_tsap"])
}

func Test_handleConn_connectSetupWriteRead(t *testing.T) {
	s, rec := testServer("S7-300")
	require.NoError(t, s.Start())
	defer s.Stop()

	conn := dial(t, s.Addr())
	defer conn.Close()

	// CR on the valid slot
	_, err := conn.Write(connRequestFrame(0x0001, 0x02))
	require.NoError(t, err)
	_, raw, _, err := readTPKT(conn)
	require.NoError(t, err)
	wantCC := []byte{
		0x03, 0x00, 0x00, 0x16,
		0x11, 0xD0, 0x00, 0x01, 0x00, 0x02, 0x00,
		0xC0, 0x01, 0x0A, 0xC1, 0x02, 0x01, 0x00, 0xC2, 0x02, 0x01, 0x02,
	}
	assert.Equal(t, wantCC, raw)

	// setup communication, client asks for 480
	setup := jobPDU(1, []byte{0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x01, 0xE0}, nil)
	_, err = conn.Write(dataFrame(setup))
	require.NoError(t, err)
	payload, _, _, err := readTPKT(conn)
	require.NoError(t, err)
	wantSetup := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00,
		0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0xF0, // model caps the PDU at 240
	}
	assert.Equal(t, wantSetup, payload[3:])

	// write DE AD BE EF to DB1.DBB0
	writeParams := append([]byte{0x05, 0x01}, itemSpec(transportByte, 4, 1, device.S7AreaDB, 0)...)
	writeData := []byte{0x00, 0x04, 0x00, 0x20, 0xDE, 0xAD, 0xBE, 0xEF}
	_, err = conn.Write(dataFrame(jobPDU(2, writeParams, writeData)))
	require.NoError(t, err)
	payload, _, _, err = readTPKT(conn)
	require.NoError(t, err)
	wantWrite := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x02, 0x00, 0x02, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x01, 0xFF,
	}
	assert.Equal(t, wantWrite, payload[3:])

	// read 10 bytes back from DB1.DBB0
	readParams := append([]byte{0x04, 0x01}, itemSpec(transportByte, 10, 1, device.S7AreaDB, 0)...)
	_, err = conn.Write(dataFrame(jobPDU(3, readParams, nil)))
	require.NoError(t, err)
	payload, _, _, err = readTPKT(conn)
	require.NoError(t, err)
	wantRead := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00, 0x0E, 0x00, 0x00,
		0x04, 0x01, 0xFF, 0x04, 0x00, 0x50,
		0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, wantRead, payload[3:])

	recs := rec.records()
	require.Len(t, recs, 4)
	write := recs[2]
	assert.Equal(t, 5, write.Metadata["s7.function_code"])
	assert.Equal(t, int(device.S7AreaDB), write.Metadata["s7.area"])
	assert.Equal(t, 1, write.Metadata["s7.db_number"])
	assert.Equal(t, "0.0", write.Metadata["s7.address"])
	assert.Equal(t, "deadbeef", write.Metadata["s7.write_data"])
}

func Test_handleS7_setupEchoesModelPDUSize(t *testing.T) {
	for model, want := range map[string]uint16{"S7-300": 240, "S7-1200": 480, "S7-1500": 960} {
		s, _ := testServer(model)
		resp, ok := s.handleS7(jobPDU(9, []byte{0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x03, 0xC0}, nil), map[string]interface{}{})
		require.True(t, ok, model)
		assert.Equal(t, want, binary.BigEndian.Uint16(resp[len(resp)-2:]), model)
	}
}

func Test_handleS7_readBitTransport(t *testing.T) {
	s, _ := testServer("S7-300")
	s.img.S7Write(device.S7AreaM, 0, 3, []byte{0xA5})

	params := append([]byte{0x04, 0x01}, itemSpec(transportBit, 1, 0, device.S7AreaM, 3<<3)...)
	resp, ok := s.handleS7(jobPDU(4, params, nil), map[string]interface{}{})
	require.True(t, ok)

	// one data item: return code, bit transport, length 8 bits, one byte
	assert.Equal(t, []byte{0x04, 0x01, 0xFF, 0x03, 0x00, 0x08, 0xA5}, resp[12:])
}

func Test_handleS7_multiItemReadAlignsEvenOffsets(t *testing.T) {
	s, _ := testServer("S7-300")
	s.img.S7Write(device.S7AreaDB, 1, 0, []byte{0xAA, 0xBB})

	params := []byte{0x04, 0x02}
	params = append(params, itemSpec(transportByte, 1, 1, device.S7AreaDB, 0)...)
	params = append(params, itemSpec(transportByte, 1, 1, device.S7AreaDB, 1<<3)...)
	meta := map[string]interface{}{}
	resp, ok := s.handleS7(jobPDU(5, params, nil), meta)
	require.True(t, ok)

	want := []byte{
		0x04, 0x02,
		0xFF, 0x04, 0x00, 0x08, 0xAA,
		0x00, // pad byte between odd-length items
		0xFF, 0x04, 0x00, 0x08, 0xBB,
	}
	assert.Equal(t, want, resp[12:])
	assert.Equal(t, "0.0", meta["s7.address"]) // first item wins the metadata
}

func Test_handleS7_multiItemWrite(t *testing.T) {
	s, _ := testServer("S7-300")

	params := []byte{0x05, 0x02}
	params = append(params, itemSpec(transportByte, 1, 2, device.S7AreaDB, 0)...)
	params = append(params, itemSpec(transportByte, 1, 2, device.S7AreaDB, 1<<3)...)
	data := []byte{
		0x00, 0x04, 0x00, 0x08, 0x11,
		0x00, // pad
		0x00, 0x04, 0x00, 0x08, 0x22,
	}
	resp, ok := s.handleS7(jobPDU(6, params, data), map[string]interface{}{})
	require.True(t, ok)

	assert.Equal(t, []byte{0x05, 0x02, 0xFF, 0xFF}, resp[12:])
	assert.Equal(t, []byte{0x11, 0x22}, s.img.S7Read(device.S7AreaDB, 2, 0, 2))
}

func Test_handleS7_writeOutOfRangeStillAcknowledged(t *testing.T) {
	s, _ := testServer("S7-300")

	params := append([]byte{0x05, 0x01}, itemSpec(transportByte, 2, 0, device.S7AreaM, 0xFFFF<<3)...)
	data := []byte{0x00, 0x04, 0x00, 0x10, 0xCA, 0xFE}
	resp, ok := s.handleS7(jobPDU(7, params, data), map[string]interface{}{})
	require.True(t, ok)
	assert.Equal(t, []byte{0x05, 0x01, 0xFF}, resp[12:])
}

func Test_handleS7_unknownFunctionErrorPDU(t *testing.T) {
	s, _ := testServer("S7-300")
	meta := map[string]interface{}{}

	resp, ok := s.handleS7(jobPDU(0x0102, []byte{0x1D}, nil), meta)
	require.True(t, ok)
	assert.Equal(t, []byte{0x32, 0x03, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00, 0x00, 0x00, 0x81, 0x04}, resp)
	assert.Equal(t, 0x1D, meta["s7.function_code"])
	assert.Equal(t, "Job", meta["s7.pdu_type"])
}

func Test_handleS7_unanswerablePayloads(t *testing.T) {
	s, _ := testServer("S7-300")

	_, ok := s.handleS7([]byte{0x99, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}, map[string]interface{}{})
	assert.False(t, ok, "foreign protocol id")

	ack := jobPDU(1, nil, nil)
	ack[1] = rosctrAck
	_, ok = s.handleS7(ack, map[string]interface{}{})
	assert.False(t, ok, "ack is not a request")

	_, ok = s.handleS7([]byte{0x32, 0x01}, map[string]interface{}{})
	assert.False(t, ok, "truncated header")
}

func Test_readSZL_moduleIdentification(t *testing.T) {
	s, _ := testServer("S7-300")
	meta := map[string]interface{}{}

	resp, ok := s.handleS7(szlRequest(0x002A, 0x0011, 0x0001), meta)
	require.True(t, ok)

	assert.Equal(t, "0x0011", meta["s7.szl_id"])
	assert.Equal(t, 1, meta["s7.szl_index"])

	// UserData response header carries a zeroed error pair and echoes the
	// request parameter block
	assert.Equal(t, []byte{0x32, 0x07, 0x00, 0x00, 0x00, 0x2A, 0x00, 0x08, 0x00, 0x24, 0x00, 0x00}, resp[:12])
	assert.Equal(t, []byte{0x00, 0x01, 0x12, 0x04, 0x11, 0x44, 0x01, 0x00}, resp[12:20])

	data := resp[20:]
	assert.Equal(t, []byte{0xFF, 0x09, 0x00, 0x20, 0x00, 0x1C, 0x00, 0x01}, data[:8])
	entry := data[8:]
	require.Len(t, entry, 28)
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(entry[:2]))
	assert.Equal(t, "6ES7 315-2AG10-0AB0", string(bytes.TrimRight(entry[2:22], "\x00")))
}

func Test_readSZL_componentIdentification(t *testing.T) {
	s, _ := testServer("S7-1200")

	resp, ok := s.handleS7(szlRequest(1, 0x001C, 0x0001), map[string]interface{}{})
	require.True(t, ok)

	data := resp[20:]
	require.Equal(t, []byte{0xFF, 0x09, 0x01, 0x14, 0x00, 0x22, 0x00, 0x08}, data[:8])

	entries := data[8:]
	require.Len(t, entries, 8*34)
	values := map[uint16]string{}
	for i := 0; i < 8; i++ {
		e := entries[i*34 : (i+1)*34]
		values[binary.BigEndian.Uint16(e[:2])] = string(bytes.TrimRight(e[2:], "\x00"))
	}
	assert.Equal(t, "S7-1200 Station", values[0x0001])
	assert.Equal(t, "CPU 1214C", values[0x0002])
	assert.Equal(t, "Original MC 575", values[0x0004])
	assert.Equal(t, "S C-C2UR28922014", values[0x0005])
	assert.Equal(t, "Siemens", values[0x000A])
	assert.Equal(t, "Rack 0 Slot 1", values[0x000B])
}

func Test_readSZL_commCapabilities(t *testing.T) {
	s, _ := testServer("S7-1500")

	resp, ok := s.handleS7(szlRequest(1, 0x0131, 0x0001), map[string]interface{}{})
	require.True(t, ok)

	data := resp[20:]
	require.Equal(t, []byte{0xFF, 0x09, 0x00, 0x1A, 0x00, 0x16, 0x00, 0x01}, data[:8])
	entry := data[8:]
	require.Len(t, entry, 22)
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(entry[0:2]))
	assert.Equal(t, uint16(960), binary.BigEndian.Uint16(entry[2:4]))
	assert.Equal(t, uint16(32), binary.BigEndian.Uint16(entry[4:6]))
	assert.Equal(t, make([]byte, 16), entry[6:])
}

func Test_readSZL_unsupportedID(t *testing.T) {
	s, _ := testServer("S7-300")
	meta := map[string]interface{}{}

	resp, ok := s.handleS7(szlRequest(0x0055, 0x0424, 0x0000), meta)
	require.True(t, ok)
	assert.Equal(t, []byte{0x32, 0x03, 0x00, 0x00, 0x00, 0x55, 0x00, 0x00, 0x00, 0x00, 0x81, 0x04}, resp)
	assert.Equal(t, "0x0424", meta["s7.szl_id"])
}

func Test_legacySZL_jobModuleIdent(t *testing.T) {
	s, _ := testServer("S7-300")
	meta := map[string]interface{}{}

	// old-style job carrying the SZL id directly in the parameter area
	params := []byte{0x04, 0x00, 0x00, 0x00, 0x00, 0x11, 0x00, 0x01}
	resp, ok := s.handleS7(jobPDU(8, params, nil), meta)
	require.True(t, ok)

	assert.Equal(t, "0x0011", meta["s7.szl_id"])
	assert.Equal(t, byte(rosctrAckData), resp[1])
	assert.Equal(t, []byte{0x04, 0x12}, resp[12:14])

	data := resp[20:]
	assert.Equal(t, []byte{0xFF, 0x04, 0x00, 0x1A, 0x00, 0x01}, data[:6])
	assert.Equal(t, "6ES7 315-2AG10-0AB0", string(bytes.TrimRight(data[8:28], "\x00")))
}

func Test_readTPKT_framingErrors(t *testing.T) {
	_, _, _, err := readTPKT(bytes.NewReader([]byte{0x04, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}))
	assert.Error(t, err, "bad version")

	_, _, _, err = readTPKT(bytes.NewReader([]byte{0x03, 0x00, 0x00, 0x04}))
	assert.Error(t, err, "length covers header only")

	_, _, _, err = readTPKT(bytes.NewReader([]byte{0x03, 0x00, 0x00, 0x0A, 0x01}))
	assert.Error(t, err, "truncated payload")
}

func Test_serverFramesReparse(t *testing.T) {
	s, _ := testServer("S7-300")
	resp, ok := s.handleS7(jobPDU(0x0BEB, []byte{0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x01, 0xE0}, nil), map[string]interface{}{})
	require.True(t, ok)

	frame := dataFrame(resp)
	payload, raw, length, err := readTPKT(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, frame, raw)
	assert.Equal(t, len(frame), length)
	require.Equal(t, []byte{0x02, 0xF0, 0x80}, payload[:3])

	s7 := payload[3:]
	assert.Equal(t, protoID, s7[0])
	assert.Equal(t, rosctrAckData, s7[1])
	assert.Equal(t, []byte{0x0B, 0xEB}, s7[4:6])
}

func Test_stopSeversLiveConnections(t *testing.T) {
	s, _ := testServer("S7-300")
	require.NoError(t, s.Start())

	conn := dial(t, s.Addr())
	defer conn.Close()
	_, err := conn.Write(connRequestFrame(0x0001, 0x02))
	require.NoError(t, err)
	_, _, _, err = readTPKT(conn)
	require.NoError(t, err)

	s.Stop()

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}
