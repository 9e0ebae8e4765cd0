// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package command turns validated tendon requests into executable commands.
//
// Each opcode has one command type carrying its decoded parameters and the
// actuator it targets. Create resolves and validates a request; Execute
// applies it and returns the reply payload.
package command

import (
	"math"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// Command is one decoded request, built once and executed once
type Command interface {
	// Opcode returns the request opcode
	Opcode() tendon.Opcode
	// Execute applies the command and returns its result bytes
	Execute() []byte

	sealed()
}

// Echo returns its payload unchanged
type Echo struct {
	Payload []byte
}

// ReadStatus reports the actuator's status flags
type ReadStatus struct {
	Actuator *actuator.Actuator
}

// ReadAngle reports the actuator's angle in whole degrees
type ReadAngle struct {
	Actuator *actuator.Actuator
}

// WriteAngle moves the goal to a percentage of the max angle
type WriteAngle struct {
	Actuator *actuator.Actuator
	Percent  uint8
}

// WritePID replaces the controller gains
type WritePID struct {
	Actuator   *actuator.Actuator
	Kp, Ki, Kd int16
}

// SetZeroAngle makes the current position zero
type SetZeroAngle struct {
	Actuator *actuator.Actuator
}

// SetMaxAngle sets the travel limit
type SetMaxAngle struct {
	Actuator *actuator.Actuator
	Degrees  int16
}

func (Echo) sealed()         {}
func (ReadStatus) sealed()   {}
func (ReadAngle) sealed()    {}
func (WriteAngle) sealed()   {}
func (WritePID) sealed()     {}
func (SetZeroAngle) sealed() {}
func (SetMaxAngle) sealed()  {}

func (Echo) Opcode() tendon.Opcode         { return tendon.OpEcho }
func (ReadStatus) Opcode() tendon.Opcode   { return tendon.OpReadStatus }
func (ReadAngle) Opcode() tendon.Opcode    { return tendon.OpReadAngle }
func (WriteAngle) Opcode() tendon.Opcode   { return tendon.OpWriteAngle }
func (WritePID) Opcode() tendon.Opcode     { return tendon.OpWritePID }
func (SetZeroAngle) Opcode() tendon.Opcode { return tendon.OpSetZeroAngle }
func (SetMaxAngle) Opcode() tendon.Opcode  { return tendon.OpSetMaxAngle }

func (c Echo) Execute() []byte {
	out := make([]byte, len(c.Payload))
	copy(out, c.Payload)
	return out
}

func (c ReadStatus) Execute() []byte {
	return []byte{c.Actuator.Status()}
}

// Execute truncates the angle toward zero and saturates at the int16 range
func (c ReadAngle) Execute() []byte {
	angle := math.Trunc(c.Actuator.Angle())
	angle = math.Max(math.MinInt16, math.Min(math.MaxInt16, angle))
	out := make([]byte, 2)
	tendon.PutInt16(out, int16(angle))
	return out
}

// Execute sets the goal to max*percent/100. Percentages over 100 are
// accepted and clamp at the max angle.
func (c WriteAngle) Execute() []byte {
	c.Actuator.SetGoalAngle(c.Actuator.MaxAngle() * float64(c.Percent) / 100)
	return nil
}

// Execute sets kp, ki and kd from the raw integers, keeping the output clamp
func (c WritePID) Execute() []byte {
	c.Actuator.SetPID(float64(c.Kp), float64(c.Ki), float64(c.Kd))
	return nil
}

func (c SetZeroAngle) Execute() []byte {
	c.Actuator.Zero()
	return nil
}

func (c SetMaxAngle) Execute() []byte {
	c.Actuator.SetMaxAngle(float64(c.Degrees))
	return nil
}
