// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pid implements the position controller used by each tendon actuator.
package pid

import "math"

// Default gains and output clamp
const (
	DefaultKp   = 1.0
	DefaultKi   = 0.0
	DefaultKd   = 0.0
	DefaultUMax = 6000.0
)

// Gains holds the controller coefficients and output clamp
type Gains struct {
	Kp   float64 `yaml:"kp" cbor:"kp" mapstructure:"kp"`
	Ki   float64 `yaml:"ki" cbor:"ki" mapstructure:"ki"`
	Kd   float64 `yaml:"kd" cbor:"kd" mapstructure:"kd"`
	UMax float64 `yaml:"umax" cbor:"umax" mapstructure:"umax"`
}

// DefaultGains returns the gains a new controller starts with
func DefaultGains() Gains {
	return Gains{Kp: DefaultKp, Ki: DefaultKi, Kd: DefaultKd, UMax: DefaultUMax}
}

// Controller is a PID controller with a symmetric output clamp.
//
// The integral term accumulates for the controller's lifetime and is only
// cleared by SetParams or Reset. Controller is not safe for concurrent use.
type Controller struct {
	gains     Gains
	prevError float64
	integral  float64
}

// New creates a controller with the given gains
func New(g Gains) *Controller {
	c := &Controller{}
	c.SetParams(g.Kp, g.Ki, g.Kd, g.UMax)
	return c
}

// NewDefault creates a controller with DefaultGains
func NewDefault() *Controller {
	return New(DefaultGains())
}

// SetParams replaces the gains and clears the error history
func (c *Controller) SetParams(kp, ki, kd, umax float64) {
	c.gains = Gains{Kp: kp, Ki: ki, Kd: kd, UMax: math.Abs(umax)}
	c.Reset()
}

// Reset clears the previous error and the accumulated integral
func (c *Controller) Reset() {
	c.prevError = 0
	c.integral = 0
}

// Gains returns the current gains
func (c *Controller) Gains() Gains {
	return c.gains
}

// Integral returns the accumulated integral term
func (c *Controller) Integral() float64 {
	return c.integral
}

// ComputeSignal advances the controller by deltaUs microseconds and returns
// the clamped control signal. deltaUs must be non-zero.
func (c *Controller) ComputeSignal(current, target float64, deltaUs uint64) float64 {
	err := target - current
	dt := float64(deltaUs) / 1_000_000

	derivative := (err - c.prevError) / dt
	c.integral += err * dt

	signal := c.gains.Kp*err + c.gains.Kd*derivative + c.gains.Ki*c.integral
	signal = Clamp(signal, -c.gains.UMax, c.gains.UMax)

	c.prevError = err
	return signal
}

// Clamp limits v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
