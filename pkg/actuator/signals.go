// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package actuator

import "time"

// Direction is the rotational sense a motor is driven in
type Direction uint8

// Directions
const (
	Off Direction = iota
	Forward
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Off:
		return "off"
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// DriveSignal sets motor drive strength and direction. Implementations must
// not block; they are called from the control loop.
type DriveSignal interface {
	SetDuty(id int, value uint16)
	SetDirection(id int, dir Direction)
}

// EncoderSignal reads the two quadrature phases of an actuator's encoder.
// It is called from the edge handler and must return immediately.
type EncoderSignal interface {
	ReadPhaseA(id int) bool
	ReadPhaseB(id int) bool
}

// TimeSource provides a monotonic microsecond clock and a blocking delay.
// DelayMillis is only used by the calibration routines.
type TimeSource interface {
	NowMicros() uint64
	DelayMillis(n uint32)
}

// SystemClock is a TimeSource backed by the process monotonic clock
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock whose zero is the moment of creation
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// NowMicros returns microseconds since the clock was created
func (c *SystemClock) NowMicros() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// DelayMillis sleeps for n milliseconds
func (c *SystemClock) DelayMillis(n uint32) {
	time.Sleep(time.Duration(n) * time.Millisecond)
}

// nopDrive discards drive output
type nopDrive struct{}

func (nopDrive) SetDuty(int, uint16)        {}
func (nopDrive) SetDirection(int, Direction) {}
