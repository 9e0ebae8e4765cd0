// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import "github.com/sigurn/crc16"

// The frame CRC is the non-reflected 0x8005 table algorithm with a zero
// initial value and no final XOR, which is the CRC-16/BUYPASS parameter set.
var crcTable = crc16.MakeTable(crc16.CRC16_BUYPASS)

// CRCInitial is the accumulator value a frame CRC starts from
const CRCInitial = 0x0000

// Compute runs the CRC accumulator over data starting from initial.
// Each byte is folded in as accum = (accum << 8) ^ table[((accum >> 8) ^ b) & 0xFF].
func Compute(initial uint16, data []byte) uint16 {
	return crc16.Complete(crc16.Update(initial, data, crcTable), crcTable)
}

// CalculateCRC computes the frame checksum for data
func CalculateCRC(data []byte) uint16 {
	return Compute(CRCInitial, data)
}

// FrameCRC computes the checksum of a frame over the length byte through the
// end of the params, skipping the marker and the trailing CRC bytes. The
// encoder and the validator both go through this routine.
//
// frame must hold at least the header and the params declared by its length byte.
func FrameCRC(frame []byte) uint16 {
	end := offsetLength + int(frame[offsetLength]) - CRCSize + 1
	return CalculateCRC(frame[offsetLength:end])
}
