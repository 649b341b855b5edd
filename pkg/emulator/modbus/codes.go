// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package modbus

// Function codes handled by the emulator.
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
	FuncReportServerID         byte = 0x11
	FuncEncapsulatedInterface  byte = 0x2B
)

// MEI transport type for Read Device Identification.
const meiReadDeviceID byte = 0x0E

// Exception codes.
const (
	ExceptionIllegalFunction    byte = 0x01
	ExceptionIllegalDataAddress byte = 0x02
	ExceptionIllegalDataValue   byte = 0x03
	ExceptionGatewayPathUnavail byte = 0x0A
)

// Coil write values accepted by FC 5.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// Quantity limits from the Modbus application protocol.
const (
	maxReadBits      = 2000
	maxReadRegisters = 125
	maxWriteBits     = 1968
	maxWriteRegs     = 123
)

var funcNames = map[byte]string{
	FuncReadCoils:              "read_coils",
	FuncReadDiscreteInputs:     "read_discrete_inputs",
	FuncReadHoldingRegisters:   "read_holding_registers",
	FuncReadInputRegisters:     "read_input_registers",
	FuncWriteSingleCoil:        "write_single_coil",
	FuncWriteSingleRegister:    "write_single_register",
	FuncWriteMultipleCoils:     "write_multiple_coils",
	FuncWriteMultipleRegisters: "write_multiple_registers",
	FuncReportServerID:         "report_server_id",
	FuncEncapsulatedInterface:  "read_device_identification",
}

// FuncName returns the lowercase metadata tag for a function code.
func FuncName(code byte) string {
	if name, ok := funcNames[code]; ok {
		return name
	}
	return "unknown"
}
