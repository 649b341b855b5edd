// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// mbapSize is the fixed MBAP header length.
const mbapSize = 7

// maxPDU is the largest PDU the application protocol allows, so the MBAP
// length field is capped at maxPDU+1.
const maxPDU = 253

// MBAP is the Modbus/TCP framing header.
type MBAP struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
}

// ReadFrame reads one MBAP header plus PDU. It returns the parsed header, the
// PDU body, and the raw frame bytes for logging. Frames with a bad protocol
// id or an out-of-range length are rejected so the caller closes the
// connection.
func ReadFrame(r io.Reader) (MBAP, []byte, []byte, error) {
	var hdr [mbapSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return MBAP{}, nil, nil, err
	}
	h := MBAP{
		TransactionID: binary.BigEndian.Uint16(hdr[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(hdr[2:4]),
		Length:        binary.BigEndian.Uint16(hdr[4:6]),
		UnitID:        hdr[6],
	}
	if h.ProtocolID != 0 {
		return h, nil, nil, fmt.Errorf("bad protocol id 0x%04X", h.ProtocolID)
	}
	if h.Length < 2 || h.Length > maxPDU+1 {
		return h, nil, nil, fmt.Errorf("bad frame length %d", h.Length)
	}
	pdu := make([]byte, h.Length-1)
	if _, err := io.ReadFull(r, pdu); err != nil {
		return h, nil, nil, err
	}
	raw := make([]byte, 0, mbapSize+len(pdu))
	raw = append(raw, hdr[:]...)
	raw = append(raw, pdu...)
	return h, pdu, raw, nil
}

// EncodeFrame wraps a response PDU in an MBAP header echoing the request's
// transaction and unit ids. The length field is recomputed.
func EncodeFrame(h MBAP, pdu []byte) []byte {
	out := make([]byte, mbapSize+len(pdu))
	binary.BigEndian.PutUint16(out[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(out[2:4], 0)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(pdu)+1))
	out[6] = h.UnitID
	copy(out[mbapSize:], pdu)
	return out
}

// exception builds the two-byte error PDU for a function code.
func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}

// packBits encodes booleans LSB-first, eight per byte.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// unpackBits decodes qty booleans from LSB-first packed bytes.
func unpackBits(data []byte, qty int) []bool {
	out := make([]bool, qty)
	for i := range out {
		if data[i/8]&(1<<(i%8)) != 0 {
			out[i] = true
		}
	}
	return out
}
