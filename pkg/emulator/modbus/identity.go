// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package modbus

// Identity defaults presented when the device config leaves them out.
const (
	DefaultVendor   = "Schneider Electric"
	DefaultRevision = "V1.0.0"
)

// reportServerID builds the FC 17 response: byte count, the model string as
// the server id, then the run indicator.
func reportServerID(model string) []byte {
	id := []byte(model)
	out := make([]byte, 0, 3+len(id))
	out = append(out, FuncReportServerID, byte(len(id)+1))
	out = append(out, id...)
	out = append(out, 0xFF)
	return out
}

// deviceIdentification builds the MEI 14 basic-stream response carrying the
// three identity objects.
func deviceIdentification(readCode byte, vendor, model, revision string) []byte {
	objects := []struct {
		id    byte
		value string
	}{
		{0x00, vendor},
		{0x01, model},
		{0x02, revision},
	}
	// conformity 0x01 (basic stream), no continuation
	out := []byte{FuncEncapsulatedInterface, meiReadDeviceID, readCode, 0x01, 0x00, 0x00, byte(len(objects))}
	for _, obj := range objects {
		out = append(out, obj.id, byte(len(obj.value)))
		out = append(out, obj.value...)
	}
	return out
}
