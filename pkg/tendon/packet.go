// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import (
	"encoding/binary"
	"time"
)

// Packet represents a decoded tendon protocol frame
type Packet struct {
	length    uint8
	id        uint8
	opcode    Opcode
	params    []byte
	crc       uint16
	raw       []byte
	timestamp time.Time
}

// NewPacket creates a packet from its fields. The CRC is computed when the
// packet is encoded.
func NewPacket(id uint8, opcode Opcode, params []byte) *Packet {
	return &Packet{
		length:    uint8(LengthOverhead + len(params)),
		id:        id,
		opcode:    opcode,
		params:    params,
		timestamp: time.Now(),
	}
}

// DecodeFrame parses a complete frame buffer at fixed offsets.
// Returns an error wrapping ErrFraming if the buffer cannot be a frame.
// The CRC is not checked; call ValidateCRC on the result.
func DecodeFrame(buf []byte) (*Packet, error) {
	if len(buf) < MinFrameSize {
		return nil, ErrFrameTooShort
	}
	if buf[0] != MarkerHigh || buf[1] != MarkerLow {
		return nil, ErrBadMarker
	}

	length := buf[offsetLength]
	if 3+int(length) > MaxFrameSize {
		return nil, ErrFrameTooLong
	}
	if length < LengthOverhead || len(buf) < 3+int(length) {
		return nil, ErrLengthMismatch
	}

	frame := buf[:3+int(length)]
	numParams := int(length) - LengthOverhead
	params := make([]byte, numParams)
	copy(params, frame[offsetParams:offsetParams+numParams])

	raw := make([]byte, len(frame))
	copy(raw, frame)

	return &Packet{
		length:    length,
		id:        frame[offsetID],
		opcode:    Opcode(frame[offsetOpcode]),
		params:    params,
		crc:       binary.BigEndian.Uint16(frame[len(frame)-CRCSize:]),
		raw:       raw,
		timestamp: time.Now(),
	}, nil
}

// ValidateCRC recomputes the frame checksum and compares it with the received one
func (p *Packet) ValidateCRC() Result {
	if p.raw == nil {
		return Fail
	}
	if FrameCRC(p.raw) != p.crc {
		return CrcError
	}
	return Success
}

// Length returns the frame's length field
func (p *Packet) Length() uint8 {
	return p.length
}

// ID returns the addressed motor id
func (p *Packet) ID() uint8 {
	return p.id
}

// Opcode returns the frame opcode
func (p *Packet) Opcode() Opcode {
	return p.opcode
}

// Params returns the parameter bytes
func (p *Packet) Params() []byte {
	return p.params
}

// NumParams returns the number of parameter bytes
func (p *Packet) NumParams() int {
	return len(p.params)
}

// CRC returns the received CRC (zero for packets built locally)
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Raw returns the wire bytes the packet was decoded from
func (p *Packet) Raw() []byte {
	return p.raw
}

// Timestamp returns when the packet was decoded or created
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// Result returns the status code of a status reply. ok is false when the
// packet is not a status reply or carries no params.
func (p *Packet) Result() (Result, bool) {
	if p.opcode != OpReadStatus || len(p.params) == 0 {
		return 0, false
	}
	return Result(p.params[0]), true
}

// Data returns the params following the status byte of a status reply
func (p *Packet) Data() []byte {
	if len(p.params) <= 1 {
		return nil
	}
	return p.params[1:]
}
