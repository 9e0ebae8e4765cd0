// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import "fmt"

// Encoder encodes tendon packets for transmission.
type Encoder struct{}

// NewEncoder creates a new tendon packet encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode encodes a Packet to wire format.
func (e *Encoder) Encode(p *Packet) ([]byte, error) {
	return EncodeFrame(p.ID(), p.Opcode(), p.Params())
}

// EncodeFrame creates a complete wire-formatted frame.
// Layout: 0xFF 0x00 | length | id | opcode | params | CRC (big-endian).
func EncodeFrame(id uint8, opcode Opcode, params []byte) ([]byte, error) {
	if len(params) > MaxParams {
		return nil, fmt.Errorf("encode %s: %w", FormatOpcode(opcode), ErrTooManyParams)
	}

	frame := make([]byte, 0, HeaderSize+len(params)+CRCSize)
	frame = append(frame, MarkerHigh, MarkerLow)
	frame = append(frame, uint8(LengthOverhead+len(params)), id, uint8(opcode))
	frame = append(frame, params...)

	// The length byte already counts the CRC, so FrameCRC only needs the
	// slice to reach the end of the params.
	crc := FrameCRC(frame)
	frame = append(frame, byte(crc>>8), byte(crc&0xFF))

	return frame, nil
}

// EncodeStatusReply builds a READ_STATUS reply carrying result followed by data
func EncodeStatusReply(id uint8, result Result, data []byte) ([]byte, error) {
	params := make([]byte, 0, 1+len(data))
	params = append(params, uint8(result))
	params = append(params, data...)
	return EncodeFrame(id, OpReadStatus, params)
}
