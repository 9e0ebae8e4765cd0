// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package actuator

import (
	"context"
	"errors"
	"fmt"
)

// Calibration errors
var (
	ErrCalibrationTimeout = errors.New("calibration timed out")
	ErrNoMovement         = errors.New("motor did not move at any drive strength")
)

// Calibration defaults
const (
	DefaultTrials          = 5
	DefaultStepForward     = 50
	DefaultStepReverse     = 100
	DefaultStepIntervalMs  = 50
	DefaultEndDuty         = 1500
	DefaultEndPollMs       = 500
	DefaultLimitDuty       = 2600
	DefaultLimitPollMs     = 200
	DefaultSettleMs        = 500
	DefaultCalibrationTime = 60_000
)

// CalibrationOptions tunes the calibration routines. Zero fields take defaults.
type CalibrationOptions struct {
	Trials         int
	StepForward    uint16
	StepReverse    uint16
	StepIntervalMs uint32
	EndDuty        uint16
	EndPollMs      uint32
	LimitDuty      uint16
	LimitPollMs    uint32
	SettleMs       uint32
	// TimeoutMs bounds each routine as measured by the TimeSource
	TimeoutMs uint32
}

func (o CalibrationOptions) withDefaults() CalibrationOptions {
	if o.Trials <= 0 {
		o.Trials = DefaultTrials
	}
	if o.StepForward == 0 {
		o.StepForward = DefaultStepForward
	}
	if o.StepReverse == 0 {
		o.StepReverse = DefaultStepReverse
	}
	if o.StepIntervalMs == 0 {
		o.StepIntervalMs = DefaultStepIntervalMs
	}
	if o.EndDuty == 0 {
		o.EndDuty = DefaultEndDuty
	}
	if o.EndPollMs == 0 {
		o.EndPollMs = DefaultEndPollMs
	}
	if o.LimitDuty == 0 {
		o.LimitDuty = DefaultLimitDuty
	}
	if o.LimitPollMs == 0 {
		o.LimitPollMs = DefaultLimitPollMs
	}
	if o.SettleMs == 0 {
		o.SettleMs = DefaultSettleMs
	}
	if o.TimeoutMs == 0 {
		o.TimeoutMs = DefaultCalibrationTime
	}
	return o
}

// deadline tracks a routine's time limit against a TimeSource
type deadline struct {
	ts  TimeSource
	end uint64
}

func newDeadline(ts TimeSource, ms uint32) deadline {
	return deadline{ts: ts, end: ts.NowMicros() + uint64(ms)*1000}
}

func (d deadline) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ts.NowMicros() > d.end {
		return ErrCalibrationTimeout
	}
	return nil
}

// driveRaw bypasses the controller and emits output directly
func (a *Actuator) driveRaw(dir Direction, duty uint16) {
	a.emit(dir, duty)
}

// CalibrateMinDrive finds the smallest drive strength that starts the motor
// in each direction. Each trial ramps the drive from zero until the encoder
// moves; the result is the mean of the trials that moved. On success the
// actuator is marked calibrated. On failure the drive is off and the
// previous calibration is kept.
func (a *Actuator) CalibrateMinDrive(ctx context.Context, ts TimeSource, opts CalibrationOptions) (Calibration, error) {
	opts = opts.withDefaults()
	defer a.Stop()

	dl := newDeadline(ts, opts.TimeoutMs)
	fwd, err := a.minDrive(ctx, ts, dl, Forward, opts.StepForward, opts)
	if err != nil {
		return a.Calibration(), fmt.Errorf("%s forward: %w", a.name, err)
	}
	rev, err := a.minDrive(ctx, ts, dl, Reverse, opts.StepReverse, opts)
	if err != nil {
		return a.Calibration(), fmt.Errorf("%s reverse: %w", a.name, err)
	}

	a.SetCalibration(fwd, rev)
	return a.Calibration(), nil
}

func (a *Actuator) minDrive(ctx context.Context, ts TimeSource, dl deadline, dir Direction, step uint16, opts CalibrationOptions) (uint16, error) {
	var total, succeeded int
	for trial := 0; trial < opts.Trials; trial++ {
		start := a.Ticks()
		var duty uint16
		moved := false
		for !moved {
			if err := dl.check(ctx); err != nil {
				return 0, err
			}
			duty += step
			if duty >= HardwareMax {
				break
			}
			a.driveRaw(dir, duty)
			ts.DelayMillis(opts.StepIntervalMs)
			moved = a.Ticks() != start
		}
		a.driveRaw(dir, 0)
		if moved {
			total += int(duty)
			succeeded++
		}
	}
	if succeeded == 0 {
		return 0, ErrNoMovement
	}
	return uint16(total / succeeded), nil
}

// MoveToEnd drives in dir until the encoder stops changing, then turns the
// drive off and zeroes the encoder at the end stop. A zero duty uses
// DefaultEndDuty. The goal angle is left alone.
func (a *Actuator) MoveToEnd(ctx context.Context, ts TimeSource, dir Direction, duty uint16, opts CalibrationOptions) error {
	opts = opts.withDefaults()
	if duty == 0 {
		duty = opts.EndDuty
	}
	defer a.Stop()

	if err := a.runToStall(ctx, ts, newDeadline(ts, opts.TimeoutMs), dir, duty, opts.EndPollMs); err != nil {
		return fmt.Errorf("%s move to end: %w", a.name, err)
	}
	a.Stop()
	a.ResetEncoderZero()
	return nil
}

// runToStall drives until two polls read the same tick count
func (a *Actuator) runToStall(ctx context.Context, ts TimeSource, dl deadline, dir Direction, duty uint16, pollMs uint32) error {
	a.driveRaw(dir, duty)
	last := a.Ticks()
	for {
		ts.DelayMillis(pollMs)
		if err := dl.check(ctx); err != nil {
			return err
		}
		now := a.Ticks()
		if now == last {
			return nil
		}
		last = now
	}
}

// LimitsResult describes the travel found by CalibrateLimits
type LimitsResult struct {
	// Span is the full travel between end stops in degrees
	Span float64
	// MaxAngle is the resulting symmetric limit around the centre
	MaxAngle float64
}

// CalibrateLimits homes against the reverse end stop, runs to the forward end
// stop to measure the travel, then servos to the centre and makes it zero.
// The max angle becomes half the span. On failure the drive is off and the
// goal and max angle are restored.
func (a *Actuator) CalibrateLimits(ctx context.Context, ts TimeSource, opts CalibrationOptions) (LimitsResult, error) {
	opts = opts.withDefaults()
	prevGoal, prevMax := a.GoalAngle(), a.MaxAngle()

	fail := func(err error) (LimitsResult, error) {
		a.Stop()
		a.SetMaxAngle(prevMax)
		a.SetGoalAngle(prevGoal)
		return LimitsResult{}, fmt.Errorf("%s limits: %w", a.name, err)
	}

	dl := newDeadline(ts, opts.TimeoutMs)
	if err := a.runToStall(ctx, ts, dl, Reverse, opts.LimitDuty, opts.LimitPollMs); err != nil {
		return fail(err)
	}
	a.Stop()
	a.ResetEncoderZero()

	if err := a.runToStall(ctx, ts, dl, Forward, opts.LimitDuty, opts.LimitPollMs); err != nil {
		return fail(err)
	}
	a.Stop()
	span := a.Angle()

	a.SetMaxAngle(span)
	a.SetGoalAngle(span / 2)
	a.mu.Lock()
	a.pid.Reset()
	a.started = false
	a.mu.Unlock()

	settle := ts.NowMicros() + uint64(opts.SettleMs)*1000
	for ts.NowMicros() < settle {
		if err := dl.check(ctx); err != nil {
			return fail(err)
		}
		a.UpdateControl(ts.NowMicros())
		ts.DelayMillis(1)
	}
	a.Stop()
	a.ResetEncoderZero()

	res := LimitsResult{Span: span, MaxAngle: span / 2}
	a.SetMaxAngle(res.MaxAngle)
	a.SetGoalAngle(0)
	return res, nil
}
