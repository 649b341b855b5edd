// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package s7comm

import "encoding/binary"

// Supported SZL partial lists.
const (
	szlModuleIdentID    uint16 = 0x0011
	szlComponentIdentID uint16 = 0x001C
	szlCommCapsID       uint16 = 0x0131
)

// szlData frames a partial list as the data area of a UserData response:
// return code 0xFF, transport 0x09, then the list length, entry size, entry
// count and the entries.
func szlData(entrySize, count int, entries []byte) []byte {
	out := make([]byte, 0, 8+len(entries))
	out = append(out, 0xFF, 0x09)
	out = binary.BigEndian.AppendUint16(out, uint16(4+len(entries)))
	out = binary.BigEndian.AppendUint16(out, uint16(entrySize))
	out = binary.BigEndian.AppendUint16(out, uint16(count))
	return append(out, entries...)
}

// szlModuleIdent answers SZL 0x0011 with a single 28-byte entry carrying the
// order code and a fixed hardware version. The entry echoes the requested
// list index.
func szlModuleIdent(m *Model, index uint16) []byte {
	entry := make([]byte, 0, 28)
	entry = binary.BigEndian.AppendUint16(entry, index)
	entry = append(entry, padded(m.OrderCode, 20)...)
	entry = binary.BigEndian.AppendUint16(entry, 0x0000)
	entry = binary.BigEndian.AppendUint16(entry, 0x0001)
	entry = binary.BigEndian.AppendUint16(entry, 0x0000)
	return szlData(28, 1, entry)
}

// szlComponentIdent answers SZL 0x001C with the component identification
// strings scanners fingerprint: one 34-byte entry per component index.
func szlComponentIdent(m *Model) []byte {
	comps := []struct {
		index uint16
		value string
	}{
		{0x0001, m.SystemName},
		{0x0002, m.ModuleName},
		{0x0003, m.PlantID},
		{0x0004, "Original MC 575"}, // copyright
		{0x0005, m.Serial},
		{0x0007, m.ModuleName},
		{0x000A, m.OEMID},
		{0x000B, m.Location},
	}
	entries := make([]byte, 0, 34*len(comps))
	for _, c := range comps {
		entries = binary.BigEndian.AppendUint16(entries, c.index)
		entries = append(entries, padded(c.value, 32)...)
	}
	return szlData(34, len(comps), entries)
}

// szlCommCaps answers SZL 0x0131 with one 22-byte entry: the negotiated PDU
// ceiling and the connection limit.
func szlCommCaps(m *Model, index uint16) []byte {
	entry := make([]byte, 0, 22)
	entry = binary.BigEndian.AppendUint16(entry, index)
	entry = binary.BigEndian.AppendUint16(entry, m.MaxPDU)
	entry = binary.BigEndian.AppendUint16(entry, 32)
	entry = append(entry, make([]byte, 16)...)
	return szlData(22, 1, entry)
}

// padded returns s as a fixed-width field, zero padded or truncated to n.
func padded(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	return out
}
