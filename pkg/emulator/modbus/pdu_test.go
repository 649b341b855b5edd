// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package modbus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ReadFrame_roundTripsHeader(t *testing.T) {
	frame := []byte{0xAB, 0xCD, 0x00, 0x00, 0x00, 0x06, 0x11, 0x03, 0x00, 0x64, 0x00, 0x02}

	h, pdu, raw, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)

	assert.Equal(t, uint16(0xABCD), h.TransactionID)
	assert.Equal(t, uint16(0), h.ProtocolID)
	assert.Equal(t, uint16(6), h.Length)
	assert.Equal(t, byte(0x11), h.UnitID)
	assert.Equal(t, frame[7:], pdu)
	assert.Equal(t, frame, raw)

	assert.Equal(t, frame, EncodeFrame(h, pdu))
}

func Test_ReadFrame_lengthBounds(t *testing.T) {
	// length 1 cannot carry a function code
	_, _, _, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 0x03}))
	assert.Error(t, err)

	// length 255 exceeds the 253-byte PDU cap
	_, _, _, err = ReadFrame(bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x01}))
	assert.Error(t, err)

	// 254 is the maximum; the PDU must actually be present
	frame := append([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0xFE, 0x01}, make([]byte, 253)...)
	_, pdu, _, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Len(t, pdu, 253)
}

func Test_packBits_partialFinalByte(t *testing.T) {
	bits := []bool{true, false, true, false, false, false, false, false, true, true}
	packed := packBits(bits)

	require.Equal(t, []byte{0x05, 0x03}, packed)
	assert.Equal(t, bits, unpackBits(packed, len(bits)))
}
