// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package s7comm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// COTP PDU types.
const (
	cotpConnRequest byte = 0xE0
	cotpConnConfirm byte = 0xD0
	cotpDisconnect  byte = 0x80
	cotpData        byte = 0xF0
)

// tpktMax caps the accepted frame size; anything larger is not a plausible
// S7 exchange.
const tpktMax = 8192

// readTPKT reads one TPKT frame and returns its payload (COTP onward), the
// raw frame for logging, and the TPKT length field.
func readTPKT(r io.Reader) ([]byte, []byte, int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, 0, err
	}
	if hdr[0] != 0x03 {
		return nil, nil, 0, fmt.Errorf("bad tpkt version 0x%02X", hdr[0])
	}
	length := int(binary.BigEndian.Uint16(hdr[2:4]))
	if length <= 4 || length > tpktMax {
		return nil, nil, 0, fmt.Errorf("bad tpkt length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, 0, err
	}
	raw := make([]byte, 0, length)
	raw = append(raw, hdr[:]...)
	raw = append(raw, payload...)
	return payload, raw, length, nil
}

// encodeTPKT prepends the 4-byte TPKT header; the length field covers the
// header itself.
func encodeTPKT(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = 0x03
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], payload)
	return out
}

// connRequest is the parsed COTP CR: the client's source reference, the raw
// TSAP parameter values, and the slot requested through the Called TSAP.
// slot is -1 when no Called TSAP parameter was present.
type connRequest struct {
	srcRef  [2]byte
	srcTSAP []byte
	dstTSAP []byte
	slot    int
}

// parseConnRequest walks the CR's TLV parameters. cotp starts at the COTP
// length byte; the fixed part after it is dst-ref, src-ref and class.
func parseConnRequest(cotp []byte) connRequest {
	cr := connRequest{slot: -1}
	if len(cotp) >= 6 {
		copy(cr.srcRef[:], cotp[4:6])
	}
	hdrEnd := int(cotp[0]) + 1
	if hdrEnd > len(cotp) {
		hdrEnd = len(cotp)
	}
	idx := 7
	for idx+1 < hdrEnd {
		code := cotp[idx]
		plen := int(cotp[idx+1])
		if idx+2+plen > len(cotp) {
			break
		}
		val := cotp[idx+2 : idx+2+plen]
		switch code {
		case 0xC1: // Calling TSAP
			cr.srcTSAP = val
		case 0xC2: // Called TSAP, low 5 bits of the second byte are the slot
			cr.dstTSAP = val
			if len(val) >= 2 {
				cr.slot = int(val[1] & 0x1F)
			}
		}
		idx += 2 + plen
	}
	return cr
}

// connConfirm builds the full CC frame. The destination reference echoes the
// CR's source reference; the trailing parameters mirror what a real CPU
// negotiates.
func connConfirm(srcRef [2]byte) []byte {
	cotp := []byte{0x11, cotpConnConfirm, srcRef[0], srcRef[1], 0x00, 0x02, 0x00}
	cotp = append(cotp, 0xC0, 0x01, 0x0A, 0xC1, 0x02, 0x01, 0x00, 0xC2, 0x02, 0x01, 0x02)
	return encodeTPKT(cotp)
}

// disconnect builds the full DR frame sent on a rejected connect.
func disconnect(srcRef [2]byte) []byte {
	cotp := []byte{0x06, cotpDisconnect, srcRef[0], srcRef[1], 0x00, 0x00, 0x01}
	return encodeTPKT(cotp)
}

// dataFrame wraps an S7 PDU in a COTP DT header and a TPKT envelope.
func dataFrame(s7 []byte) []byte {
	payload := make([]byte, 0, 3+len(s7))
	payload = append(payload, 0x02, cotpData, 0x80)
	payload = append(payload, s7...)
	return encodeTPKT(payload)
}
