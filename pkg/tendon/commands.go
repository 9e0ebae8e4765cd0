// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import "encoding/binary"

// Request builder functions create Packet structs ready for encoding.
// Multi-byte values are always written high byte first.

// NewEchoRequest creates an ECHO packet (0x00).
// The board replies with the same params.
func NewEchoRequest(id uint8, payload []byte) *Packet {
	return NewPacket(id, OpEcho, payload)
}

// NewReadStatusRequest creates a READ_STATUS packet (0x01).
// The reply carries one status flag byte (StatusCalibrated, StatusDriving, StatusAtLimit).
func NewReadStatusRequest(id uint8) *Packet {
	return NewPacket(id, OpReadStatus, nil)
}

// NewReadAngleRequest creates a READ_ANGLE packet (0x02).
func NewReadAngleRequest(id uint8) *Packet {
	return NewPacket(id, OpReadAngle, nil)
}

// NewWriteAngleRequest creates a WRITE_ANGLE packet (0x03).
// percent is a share of the actuator's max angle; values over 100 are clamped by the board.
func NewWriteAngleRequest(id uint8, percent uint8) *Packet {
	return NewPacket(id, OpWriteAngle, []byte{percent})
}

// NewWritePIDRequest creates a WRITE_PID packet (0x04) carrying kp, ki, kd.
func NewWritePIDRequest(id uint8, kp, ki, kd int16) *Packet {
	params := make([]byte, ParamsWritePID)
	PutInt16(params[0:2], kp)
	PutInt16(params[2:4], ki)
	PutInt16(params[4:6], kd)
	return NewPacket(id, OpWritePID, params)
}

// NewSetZeroAngleRequest creates a SET_ZERO_ANGLE packet (0x05).
// The actuator's current position becomes angle 0 and its goal is reset.
func NewSetZeroAngleRequest(id uint8) *Packet {
	return NewPacket(id, OpSetZeroAngle, nil)
}

// NewSetMaxAngleRequest creates a SET_MAX_ANGLE packet (0x06).
func NewSetMaxAngleRequest(id uint8, degrees int16) *Packet {
	params := make([]byte, ParamsSetMaxAngle)
	PutInt16(params, degrees)
	return NewPacket(id, OpSetMaxAngle, params)
}

// Int16 reads a signed 16-bit value, high byte first
func Int16(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}

// PutInt16 writes a signed 16-bit value, high byte first
func PutInt16(b []byte, v int16) {
	binary.BigEndian.PutUint16(b, uint16(v))
}
