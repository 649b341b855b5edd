// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package s7comm

import "encoding/binary"

// S7 protocol constants.
const (
	protoID byte = 0x32

	rosctrJob      byte = 0x01
	rosctrAck      byte = 0x02
	rosctrAckData  byte = 0x03
	rosctrUserData byte = 0x07

	funcSetupComm byte = 0xF0
	funcRead      byte = 0x04
	funcWrite     byte = 0x05
	funcUserData  byte = 0x00

	subfuncReadSZL byte = 0x01

	// transport types in read/write item specs
	transportBit  byte = 0x01
	transportByte byte = 0x02
	transportWord byte = 0x04

	// return-code transports in response data items
	respTransportBit  byte = 0x03
	respTransportByte byte = 0x04
)

func rosctrName(r byte) string {
	switch r {
	case rosctrJob:
		return "Job"
	case rosctrAck:
		return "Ack"
	case rosctrAckData:
		return "Ack_Data"
	case rosctrUserData:
		return "UserData"
	}
	return "Unknown"
}

// s7PDU is one parsed S7 message: header fields plus the parameter and data
// areas.
type s7PDU struct {
	rosctr byte
	ref    [2]byte
	params []byte
	data   []byte
}

// parseS7 splits an S7 PDU into header, parameter and data areas. Jobs and
// UserData carry a 10-byte header; anything shorter or with a foreign
// protocol id is rejected.
func parseS7(b []byte) (s7PDU, bool) {
	if len(b) < 10 || b[0] != protoID {
		return s7PDU{}, false
	}
	pdu := s7PDU{rosctr: b[1]}
	copy(pdu.ref[:], b[4:6])
	paramLen := int(binary.BigEndian.Uint16(b[6:8]))
	dataLen := int(binary.BigEndian.Uint16(b[8:10]))
	if len(b) < 10+paramLen+dataLen {
		return s7PDU{}, false
	}
	pdu.params = b[10 : 10+paramLen]
	pdu.data = b[10+paramLen : 10+paramLen+dataLen]
	return pdu, true
}

// ackDataHeader builds the 12-byte Ack-Data header: Job responses mirror the
// request reference and carry an error class/code pair.
func ackDataHeader(ref [2]byte, paramLen, dataLen int, errClass, errCode byte) []byte {
	out := make([]byte, 12)
	out[0] = protoID
	out[1] = rosctrAckData
	out[4] = ref[0]
	out[5] = ref[1]
	binary.BigEndian.PutUint16(out[6:8], uint16(paramLen))
	binary.BigEndian.PutUint16(out[8:10], uint16(dataLen))
	out[10] = errClass
	out[11] = errCode
	return out
}

// userDataHeader builds the UserData response header: the Ack-Data layout
// with a zeroed error pair.
func userDataHeader(ref [2]byte, paramLen, dataLen int) []byte {
	out := ackDataHeader(ref, paramLen, dataLen, 0x00, 0x00)
	out[1] = rosctrUserData
	return out
}

// errorPDU is the strict refusal for unsupported functions and SZL ids:
// Ack-Data with empty areas and error 0x81/0x04 (function not available).
func errorPDU(ref [2]byte) []byte {
	return ackDataHeader(ref, 0, 0, 0x81, 0x04)
}

// itemByteLength converts an item's transport type and element count to a
// byte count.
func itemByteLength(transport byte, length int) int {
	switch transport {
	case transportBit:
		return (length + 7) / 8
	case transportByte:
		return length
	case transportWord:
		return 2 * length
	}
	return length
}
