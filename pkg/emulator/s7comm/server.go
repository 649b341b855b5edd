// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package s7comm emulates a Siemens S7 PLC speaking S7comm over TPKT/COTP.
// The server validates the rack slot at connect time, answers setup
// communication, variable reads and writes against the shared memory image,
// and serves the SZL identification lists scanners fingerprint. Every
// exchange is recorded before the response is written.
package s7comm

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/DataDog/gridmimic/pkg/device"
	"github.com/DataDog/gridmimic/pkg/emulator"
	"github.com/DataDog/gridmimic/pkg/interaction"
	"github.com/DataDog/gridmimic/pkg/util/log"
)

// Config describes one S7comm listener.
type Config struct {
	Port  int
	Model string
	Image *device.Image
}

// Server is an S7comm emulator bound to one port, presenting a single CPU.
type Server struct {
	model *Model
	img   *device.Image
	rec   interaction.Recorder
	tcp   *emulator.Server
}

// New builds a server from config. Unknown model names fall back to the
// S7-300 profile.
func New(cfg Config, rec interaction.Recorder) *Server {
	s := &Server{
		model: ModelFor(cfg.Model),
		img:   cfg.Image,
		rec:   rec,
	}
	s.tcp = emulator.NewServer("s7comm", cfg.Port, s.handleConn)
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
		payload, raw, tpktLen, err := readTPKT(conn)
		if err != nil {
			return
		}
		if len(payload) < 2 {
			return
		}
		meta := map[string]interface{}{"s7.tpkt_len": tpktLen}

		switch payload[1] {
		case cotpConnRequest:
			cr := parseConnRequest(payload)
			if cr.srcTSAP != nil {
				meta["s7.cotp.src_tsap"] = hex.EncodeToString(cr.srcTSAP)
			}
			if cr.dstTSAP != nil {
				meta["s7.cotp.dst_tsap"] = hex.EncodeToString(cr.dstTSAP)
			}
			if cr.slot < 0 || !s.model.SlotValid(cr.slot) {
				log.Debugf("s7comm: rejecting %s, slot %d not valid for %s", ip, cr.slot, s.model.Name)
				meta["s7.action"] = "reject_connection"
				s.send(conn, ip, raw, disconnect(cr.srcRef), meta)
				return
			}
			if !s.send(conn, ip, raw, connConfirm(cr.srcRef), meta) {
				return
			}

		case cotpData:
			hdrLen := int(payload[0])
			if hdrLen+1 > len(payload) {
				return
			}
			resp, ok := s.handleS7(payload[hdrLen+1:], meta)
			if !ok {
				log.Debugf("s7comm: unanswerable frame from %s, closing", ip)
				return
			}
			if !s.send(conn, ip, raw, dataFrame(resp), meta) {
				return
			}

		default:
			log.Debugf("s7comm: unknown COTP type 0x%02X from %s, closing", payload[1], ip)
			return
		}
	}
}

// send records the exchange and then writes the response; logging strictly
// precedes the write. It reports whether the write succeeded.
func (s *Server) send(conn net.Conn, ip string, req, resp []byte, meta map[string]interface{}) bool {
	if err := s.rec.Record(&interaction.Record{
		AttackerIP: ip,
		Protocol:   "s7comm",
		Request:    req,
		Response:   resp,
		Metadata:   meta,
	}); err != nil {
		log.Warnf("s7comm: recording interaction: %v", err)
	}
	_, err := conn.Write(resp)
	return err == nil
}

// handleS7 answers one S7 PDU carried in a COTP DT frame. ok is false when
// the payload is not an answerable S7 request.
func (s *Server) handleS7(b []byte, meta map[string]interface{}) ([]byte, bool) {
	if len(b) < 2 {
		return nil, false
	}
	meta["s7.proto_id"] = int(b[0])
	meta["s7.rosctr"] = int(b[1])
	meta["s7.pdu_type"] = rosctrName(b[1])

	pdu, ok := parseS7(b)
	if !ok {
		return nil, false
	}
	if pdu.rosctr != rosctrJob && pdu.rosctr != rosctrUserData {
		return nil, false
	}
	if len(pdu.params) == 0 {
		return nil, false
	}
	fc := pdu.params[0]
	meta["s7.function_code"] = int(fc)

	switch fc {
	case funcSetupComm:
		return s.setupComm(pdu), true

	case funcRead:
		if len(pdu.params) > 2 && pdu.params[2] == 0x12 {
			return s.readVar(pdu, meta), true
		}
		if resp, ok := s.legacySZL(pdu, meta); ok {
			return resp, true
		}
		return errorPDU(pdu.ref), true

	case funcWrite:
		return s.writeVar(pdu, meta), true

	case funcUserData:
		if len(pdu.params) >= 2 && pdu.params[1] == subfuncReadSZL {
			return s.readSZL(pdu, meta), true
		}
		return errorPDU(pdu.ref), true
	}

	return errorPDU(pdu.ref), true
}

// setupComm acknowledges a setup-communication Job with the model's PDU
// ceiling.
func (s *Server) setupComm(pdu s7PDU) []byte {
	param := []byte{funcSetupComm, 0x00, 0x00, 0x01, 0x00, 0x01}
	param = binary.BigEndian.AppendUint16(param, s.model.MaxPDU)
	resp := ackDataHeader(pdu.ref, len(param), 0, 0x00, 0x00)
	return append(resp, param...)
}

// varItem is one parsed read/write item spec. The wire address packs the
// byte index and bit index as (byte<<3)|bit.
type varItem struct {
	transport byte
	count     int
	db        int
	area      byte
	byteIdx   int
	bitIdx    int
}

// parseVarItem decodes the 12-byte item spec starting at the 0x12 var-spec
// byte.
func parseVarItem(b []byte) varItem {
	addr := int(b[9])<<16 | int(b[10])<<8 | int(b[11])
	return varItem{
		transport: b[3],
		count:     int(binary.BigEndian.Uint16(b[4:6])),
		db:        int(binary.BigEndian.Uint16(b[6:8])),
		area:      b[8],
		byteIdx:   addr >> 3,
		bitIdx:    addr & 0x07,
	}
}

// readVar serves a read-variable Job. Out-of-range reads come back
// zero-filled; data items for successive entries align on even offsets.
func (s *Server) readVar(pdu s7PDU, meta map[string]interface{}) []byte {
	count := int(pdu.params[1])
	items := pdu.params[2:]
	if count < 1 || len(items) < 12*count {
		return errorPDU(pdu.ref)
	}

	var data []byte
	for i := 0; i < count; i++ {
		item := parseVarItem(items[12*i : 12*i+12])
		if i == 0 {
			meta["s7.area"] = int(item.area)
			meta["s7.db_number"] = item.db
			meta["s7.address"] = fmt.Sprintf("%d.0", item.byteIdx)
		}
		n := itemByteLength(item.transport, item.count)
		chunk := s.img.S7Read(item.area, item.db, item.byteIdx, n)

		trans := respTransportByte
		if item.transport == transportBit {
			trans = respTransportBit
		}
		if len(data)%2 == 1 {
			data = append(data, 0x00)
		}
		data = append(data, 0xFF, trans)
		data = binary.BigEndian.AppendUint16(data, uint16(n*8))
		data = append(data, chunk...)
	}

	param := []byte{funcRead, byte(count)}
	resp := ackDataHeader(pdu.ref, len(param), len(data), 0x00, 0x00)
	resp = append(resp, param...)
	return append(resp, data...)
}

// writeVar serves a write-variable Job. Writes past a fixed area are
// truncated by the image and still acknowledged; the item length field is in
// bits.
func (s *Server) writeVar(pdu s7PDU, meta map[string]interface{}) []byte {
	if len(pdu.params) < 2 {
		return errorPDU(pdu.ref)
	}
	count := int(pdu.params[1])
	items := pdu.params[2:]
	if count < 1 || len(items) < 12*count {
		return errorPDU(pdu.ref)
	}

	data := pdu.data
	written := 0
	for i := 0; i < count; i++ {
		item := parseVarItem(items[12*i : 12*i+12])
		if len(data) < 4 {
			break
		}
		bits := int(binary.BigEndian.Uint16(data[2:4]))
		n := (bits + 7) / 8
		if len(data) < 4+n {
			break
		}
		chunk := data[4 : 4+n]
		data = data[4+n:]
		if n%2 == 1 && len(data) > 0 {
			data = data[1:] // even-offset alignment between items
		}

		if i == 0 {
			meta["s7.area"] = int(item.area)
			meta["s7.db_number"] = item.db
			meta["s7.address"] = fmt.Sprintf("%d.%d", item.byteIdx, item.bitIdx)
			meta["s7.write_data"] = hex.EncodeToString(chunk)
		}
		s.img.S7Write(item.area, item.db, item.byteIdx, chunk)
		written++
	}
	if written == 0 {
		return errorPDU(pdu.ref)
	}

	param := []byte{funcWrite, byte(written)}
	respData := bytes.Repeat([]byte{0xFF}, written)
	resp := ackDataHeader(pdu.ref, len(param), len(respData), 0x00, 0x00)
	resp = append(resp, param...)
	return append(resp, respData...)
}

// readSZL serves a UserData read of a system status list. The response
// parameter area mirrors the request's; unsupported lists get the strict
// function-not-available error.
func (s *Server) readSZL(pdu s7PDU, meta map[string]interface{}) []byte {
	var szlID, szlIndex uint16
	if len(pdu.data) >= 8 {
		szlID = binary.BigEndian.Uint16(pdu.data[4:6])
		szlIndex = binary.BigEndian.Uint16(pdu.data[6:8])
	}
	meta["s7.szl_id"] = fmt.Sprintf("0x%04X", szlID)
	meta["s7.szl_index"] = int(szlIndex)

	var data []byte
	switch szlID {
	case szlModuleIdentID:
		data = szlModuleIdent(s.model, szlIndex)
	case szlComponentIdentID:
		data = szlComponentIdent(s.model)
	case szlCommCapsID:
		data = szlCommCaps(s.model, szlIndex)
	default:
		log.Debugf("s7comm: unsupported szl id 0x%04X index %d", szlID, szlIndex)
		return errorPDU(pdu.ref)
	}

	resp := userDataHeader(pdu.ref, len(pdu.params), len(data))
	resp = append(resp, pdu.params...)
	return append(resp, data...)
}

// legacySZL answers the pre-UserData SZL read some scanners still send: a
// function 0x04 Job whose parameter area carries the SZL id and index
// directly. Only module identification is served this way.
func (s *Server) legacySZL(pdu s7PDU, meta map[string]interface{}) ([]byte, bool) {
	if pdu.rosctr != rosctrJob || len(pdu.params) < 8 {
		return nil, false
	}
	szlID := binary.BigEndian.Uint16(pdu.params[4:6])
	szlIndex := binary.BigEndian.Uint16(pdu.params[6:8])
	meta["s7.szl_id"] = fmt.Sprintf("0x%04X", szlID)
	if szlID != szlModuleIdentID {
		return nil, false
	}

	entry := make([]byte, 0, 26)
	entry = binary.BigEndian.AppendUint16(entry, szlIndex)
	entry = append(entry, padded(s.model.OrderCode, 20)...)
	entry = append(entry, 0x00, 0x00, 0x00, 0x01)

	data := make([]byte, 0, 6+len(entry))
	data = append(data, 0xFF, respTransportByte)
	data = binary.BigEndian.AppendUint16(data, uint16(len(entry)))
	data = append(data, 0x00, 0x01)
	data = append(data, entry...)

	param := []byte{funcRead, 0x12, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	resp := ackDataHeader(pdu.ref, len(param), len(data), 0x00, 0x00)
	resp = append(resp, param...)
	return append(resp, data...), true
}
