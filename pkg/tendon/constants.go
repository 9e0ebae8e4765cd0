// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package tendon provides a Go implementation of the tendon actuator serial protocol.
//
// The protocol is a length-prefixed, CRC16-checked request/response format spoken
// between a host and a tendon controller board. Every request addresses one
// actuator by id and carries one opcode plus a small number of parameter bytes.
// This package provides frame encoding/decoding, CRC validation, a streaming
// decoder for serial byte streams, host request builders and formatting helpers.
package tendon

// Frame marker bytes
const (
	MarkerHigh = 0xFF
	MarkerLow  = 0x00
)

// Frame size limits
const (
	MaxFrameSize   = 32 // marker(2) + length(1) + id(1) + opcode(1) + params + crc(2)
	MinFrameSize   = 6
	HeaderSize     = 5 // marker(2) + length(1) + id(1) + opcode(1)
	CRCSize        = 2
	LengthOverhead = 4 // id + opcode + 2 CRC bytes, counted by the length field
	MaxLength      = MaxFrameSize - 3
	MaxParams      = MaxLength - LengthOverhead
)

// Frame byte offsets
const (
	offsetLength = 2
	offsetID     = 3
	offsetOpcode = 4
	offsetParams = 5
)

// Reserved multi-target ids. Dispatch rejects both.
const (
	IDBroadcast = 0xFE
	IDAll       = 0xFF
)

// Opcode identifies the requested operation
type Opcode uint8

// Opcodes
const (
	OpEcho         Opcode = 0x00
	OpReadStatus   Opcode = 0x01
	OpReadAngle    Opcode = 0x02
	OpWriteAngle   Opcode = 0x03
	OpWritePID     Opcode = 0x04
	OpSetZeroAngle Opcode = 0x05
	OpSetMaxAngle  Opcode = 0x06
)

// Valid reports whether the opcode is a member of the defined set
func (o Opcode) Valid() bool {
	return o <= OpSetMaxAngle
}

// Opcodes lists every defined opcode in wire order
var Opcodes = []Opcode{
	OpEcho,
	OpReadStatus,
	OpReadAngle,
	OpWriteAngle,
	OpWritePID,
	OpSetZeroAngle,
	OpSetMaxAngle,
}

// Parameter counts for opcodes with a fixed contract. Echo accepts any count.
const (
	ParamsReadStatus   = 0
	ParamsReadAngle    = 0
	ParamsWriteAngle   = 1
	ParamsWritePID     = 6
	ParamsSetZeroAngle = 0
	ParamsSetMaxAngle  = 2
)

// Status byte flags returned by READ_STATUS
const (
	StatusCalibrated = 0x01
	StatusDriving    = 0x02
	StatusAtLimit    = 0x04
)
