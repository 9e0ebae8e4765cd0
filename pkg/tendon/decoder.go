// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import "fmt"

// Decoder states
const (
	stateIdle = iota
	stateMarker
	stateLength
	stateBody
)

// Decoder implements the tendon frame decoder state machine for continuous
// byte streams. It synchronizes on the 0xFF 0x00 marker and yields one packet
// per complete frame. CRC is not checked here so that callers can still reply
// to corrupted requests.
type Decoder struct {
	state     int
	buffer    []byte
	remaining int
	skipped   int
}

// NewDecoder creates a new protocol decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, 0, MaxFrameSize),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.remaining = 0
}

// Skipped returns the number of bytes discarded while searching for a marker
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Pending returns the bytes of the frame currently being assembled
func (d *Decoder) Pending() []byte {
	return d.buffer
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed packet, or nil if the frame is incomplete
// Returns an error wrapping ErrFraming if the frame header is invalid
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	switch d.state {
	case stateIdle:
		if b == MarkerHigh {
			d.buffer = append(d.buffer[:0], b)
			d.state = stateMarker
			return nil, nil
		}
		d.skipped++
		return nil, nil

	case stateMarker:
		switch b {
		case MarkerLow:
			d.buffer = append(d.buffer, b)
			d.state = stateLength
		case MarkerHigh:
			// Repeated 0xFF, the latest one may start the frame
			d.skipped++
		default:
			d.skipped += 2
			d.Reset()
		}
		return nil, nil

	case stateLength:
		if 3+int(b) > MaxFrameSize {
			d.Reset()
			if b == MarkerHigh {
				// A stray marker; this 0xFF may start the real frame
				d.buffer = append(d.buffer, b)
				d.state = stateMarker
			}
			return nil, fmt.Errorf("%w (length %d)", ErrFrameTooLong, b)
		}
		if b < LengthOverhead {
			d.Reset()
			return nil, fmt.Errorf("%w (length %d)", ErrLengthMismatch, b)
		}
		d.buffer = append(d.buffer, b)
		d.remaining = int(b)
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.buffer = append(d.buffer, b)
		d.remaining--
		if d.remaining > 0 {
			return nil, nil
		}
		packet, err := DecodeFrame(d.buffer)
		d.Reset()
		return packet, err

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

// Decode feeds every byte of data through the decoder and returns the
// completed packets and any framing errors encountered
func (d *Decoder) Decode(data []byte) ([]*Packet, []error) {
	var packets []*Packet
	var errs []error
	for _, b := range data {
		packet, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if packet != nil {
			packets = append(packets, packet)
		}
	}
	return packets, errs
}
