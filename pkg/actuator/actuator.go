// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package actuator models one tendon actuator: quadrature encoder position
// tracking, goal and max angle, drive calibration and the PID control update
// that turns a goal angle into drive output.
package actuator

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/Thermoquad/tendonstat/pkg/pid"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// Drive output limits, in timer counts
const (
	FullScale            = 6000
	HardwareMax          = 6000
	DefaultFrictionFloor = 1000
)

// Encoder and gearbox defaults (12 CPR magnetic encoder on a 100:1 gearmotor)
const (
	DefaultCountsPerRev = 12
	DefaultGearRatio    = 100.37
	DefaultMaxAngle     = 180
)

// Board default gains. The board firmware's tuning call takes (kp, ki, kd)
// but forwards them to a controller ordered (kp, kd, ki), so its (900, 0, 10)
// runs as kp=900 ki=10 kd=0. These are the gains the board actually runs.
const (
	DefaultKp = 900
	DefaultKi = 10
	DefaultKd = 0
)

// quadratureTable maps (lastPhase<<2 | phase) to a tick delta. Double
// transitions map to 0 so a missed edge never flips the direction.
var quadratureTable = [16]int8{0, -1, 1, 0, 1, 0, 0, -1, -1, 0, 0, 1, 0, 1, -1, 0}

// Config holds the static parameters of one actuator
type Config struct {
	Name          string    `mapstructure:"name" yaml:"name"`
	CountsPerRev  float64   `mapstructure:"counts_per_rev" yaml:"counts_per_rev"`
	GearRatio     float64   `mapstructure:"gear_ratio" yaml:"gear_ratio"`
	MaxAngle      float64   `mapstructure:"max_angle" yaml:"max_angle"`
	FrictionFloor uint16    `mapstructure:"friction_floor" yaml:"friction_floor"`
	Gains         pid.Gains `mapstructure:"gains" yaml:"gains"`
}

// DefaultConfig returns the configuration the board ships with
func DefaultConfig() Config {
	return Config{
		CountsPerRev:  DefaultCountsPerRev,
		GearRatio:     DefaultGearRatio,
		MaxAngle:      DefaultMaxAngle,
		FrictionFloor: DefaultFrictionFloor,
		Gains:         pid.Gains{Kp: DefaultKp, Ki: DefaultKi, Kd: DefaultKd, UMax: pid.DefaultUMax},
	}
}

// Calibration holds the per-direction minimum drive that overcomes static friction
type Calibration struct {
	MinForward uint16 `yaml:"min_forward" cbor:"min_forward"`
	MinReverse uint16 `yaml:"min_reverse" cbor:"min_reverse"`
	Calibrated bool   `yaml:"calibrated" cbor:"calibrated"`
}

// Actuator is one tendon motor with its encoder and controller.
//
// The encoder state is written only by OnEncoderEdge and ResetEncoderZero and
// is stored in a single atomic word, so edges may arrive from another
// goroutine at any time. Everything else is guarded by mu.
type Actuator struct {
	index int
	name  string

	// ticks<<2 | lastPhase
	encoder atomic.Int64

	mu            sync.Mutex
	countsPerRev  float64
	gearRatio     float64
	frictionFloor uint16
	goalAngle     float64
	maxAngle      float64
	calibration   Calibration
	pid           *pid.Controller
	started       bool
	lastUpdate    uint64
	direction     Direction
	duty          uint16
	drive         DriveSignal
}

// New creates an actuator. A nil drive discards output.
func New(index int, cfg Config, drive DriveSignal) *Actuator {
	if drive == nil {
		drive = nopDrive{}
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("motor %d", index+1)
	}
	cpr := cfg.CountsPerRev
	if cpr <= 0 {
		cpr = DefaultCountsPerRev
	}
	gear := cfg.GearRatio
	if gear <= 0 {
		gear = DefaultGearRatio
	}
	floor := cfg.FrictionFloor
	if floor == 0 {
		floor = DefaultFrictionFloor
	}
	return &Actuator{
		index:         index,
		name:          name,
		countsPerRev:  cpr,
		gearRatio:     gear,
		frictionFloor: floor,
		maxAngle:      math.Abs(cfg.MaxAngle),
		pid:           pid.New(cfg.Gains),
		drive:         drive,
	}
}

// Index returns the actuator's 0-based id
func (a *Actuator) Index() int {
	return a.index
}

// Name returns the actuator's display name
func (a *Actuator) Name() string {
	return a.name
}

// ============================================================
// Encoder
// ============================================================

// OnEncoderEdge folds a quadrature transition into the tick count.
// It never blocks and is safe to call concurrently with every other method.
func (a *Actuator) OnEncoderEdge(phaseA, phaseB bool) {
	var phase int64
	if phaseA {
		phase |= 0b10
	}
	if phaseB {
		phase |= 0b01
	}
	for {
		old := a.encoder.Load()
		last := old & 0b11
		ticks := old>>2 + int64(quadratureTable[last<<2|phase])
		if a.encoder.CompareAndSwap(old, ticks<<2|phase) {
			return
		}
	}
}

// HandleEdge reads both phases from enc and applies the transition
func (a *Actuator) HandleEdge(enc EncoderSignal) {
	a.OnEncoderEdge(enc.ReadPhaseA(a.index), enc.ReadPhaseB(a.index))
}

// Ticks returns the signed encoder count
func (a *Actuator) Ticks() int64 {
	return a.encoder.Load() >> 2
}

// ResetEncoderZero zeroes the tick count and the stored phase
func (a *Actuator) ResetEncoderZero() {
	a.encoder.Store(0)
}

// TicksPerDegree returns the encoder counts per output shaft degree
func (a *Actuator) TicksPerDegree() float64 {
	return a.countsPerRev * a.gearRatio / 360
}

// Angle returns the output shaft angle in degrees
func (a *Actuator) Angle() float64 {
	return float64(a.Ticks()) * 360 / (a.countsPerRev * a.gearRatio)
}

// ============================================================
// Goal and limits
// ============================================================

// SetGoalAngle sets the goal, clamped to [-max, +max]
func (a *Actuator) SetGoalAngle(angle float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.goalAngle = pid.Clamp(angle, -a.maxAngle, a.maxAngle)
}

// GoalAngle returns the current goal in degrees
func (a *Actuator) GoalAngle() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.goalAngle
}

// SetMaxAngle sets the travel limit. The magnitude is used, and the current
// goal is pulled back inside the new limit.
func (a *Actuator) SetMaxAngle(angle float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxAngle = math.Abs(angle)
	a.goalAngle = pid.Clamp(a.goalAngle, -a.maxAngle, a.maxAngle)
}

// MaxAngle returns the travel limit in degrees
func (a *Actuator) MaxAngle() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxAngle
}

// Zero makes the current position angle 0 and resets the goal to it. The
// controller history is cleared and the next UpdateControl only records the
// time.
func (a *Actuator) Zero() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.encoder.Store(0)
	a.goalAngle = 0
	a.started = false
	a.pid.Reset()
}

// ============================================================
// Controller and calibration
// ============================================================

// SetGains replaces the PID gains and clears the controller history
func (a *Actuator) SetGains(g pid.Gains) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pid.SetParams(g.Kp, g.Ki, g.Kd, g.UMax)
}

// SetPID replaces kp, ki and kd while keeping the output clamp
func (a *Actuator) SetPID(kp, ki, kd float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pid.SetParams(kp, ki, kd, a.pid.Gains().UMax)
}

// Gains returns the current PID gains
func (a *Actuator) Gains() pid.Gains {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pid.Gains()
}

// SetCalibration stores per-direction minimum drive values and marks the
// actuator calibrated
func (a *Actuator) SetCalibration(minForward, minReverse uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calibration = Calibration{MinForward: minForward, MinReverse: minReverse, Calibrated: true}
}

// ClearCalibration returns the actuator to the default friction floor
func (a *Actuator) ClearCalibration() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calibration = Calibration{}
}

// Calibration returns the stored calibration
func (a *Actuator) Calibration() Calibration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calibration
}

// ============================================================
// Control update
// ============================================================

// UpdateControl runs one PID step at time nowMicros and emits drive output.
// The first call only records the time. Calls with no elapsed time are ignored.
func (a *Actuator) UpdateControl(nowMicros uint64) {
	a.mu.Lock()
	if !a.started {
		a.started = true
		a.lastUpdate = nowMicros
		a.mu.Unlock()
		return
	}
	if nowMicros <= a.lastUpdate {
		a.mu.Unlock()
		return
	}
	elapsed := nowMicros - a.lastUpdate
	a.lastUpdate = nowMicros

	target := a.goalAngle * a.TicksPerDegree()
	signal := a.pid.ComputeSignal(float64(a.Ticks()), target, elapsed)
	dir, duty := a.driveFor(signal)
	a.mu.Unlock()

	a.emit(dir, duty)
}

// driveFor maps a control signal onto direction and drive strength.
// Caller must hold mu.
func (a *Actuator) driveFor(signal float64) (Direction, uint16) {
	if signal == 0 {
		return Off, 0
	}

	dir := Forward
	floor := a.frictionFloor
	if signal < 0 {
		dir = Reverse
	}
	if a.calibration.Calibrated {
		if dir == Reverse {
			floor = a.calibration.MinReverse
		} else {
			floor = a.calibration.MinForward
		}
	}

	duty := mapRange(math.Abs(signal), 0, FullScale, float64(floor), FullScale)
	if duty > HardwareMax {
		duty = HardwareMax
	}
	return dir, uint16(duty)
}

// emit sends drive output and records it for status reporting
func (a *Actuator) emit(dir Direction, duty uint16) {
	a.mu.Lock()
	a.direction = dir
	a.duty = duty
	drive := a.drive
	a.mu.Unlock()

	drive.SetDuty(a.index, duty)
	drive.SetDirection(a.index, dir)
}

// Stop turns the drive off
func (a *Actuator) Stop() {
	a.emit(Off, 0)
}

// Output returns the last emitted direction and drive strength
func (a *Actuator) Output() (Direction, uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.direction, a.duty
}

// mapRange linearly maps x from [inMin, inMax] to [outMin, outMax]
func mapRange(x, inMin, inMax, outMin, outMax float64) float64 {
	return (x-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}

// ============================================================
// Status
// ============================================================

// Status returns the READ_STATUS flag byte
func (a *Actuator) Status() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var status uint8
	if a.calibration.Calibrated {
		status |= tendon.StatusCalibrated
	}
	if a.direction != Off {
		status |= tendon.StatusDriving
	}
	if a.maxAngle > 0 && math.Abs(a.goalAngle) >= a.maxAngle {
		status |= tendon.StatusAtLimit
	}
	return status
}

// State is a point-in-time snapshot of an actuator
type State struct {
	Index      int       `cbor:"index" json:"index"`
	Name       string    `cbor:"name" json:"name"`
	Ticks      int64     `cbor:"ticks" json:"ticks"`
	Angle      float64   `cbor:"angle" json:"angle"`
	GoalAngle  float64   `cbor:"goal" json:"goal"`
	MaxAngle   float64   `cbor:"max" json:"max"`
	Direction  string    `cbor:"dir" json:"dir"`
	Duty       uint16    `cbor:"duty" json:"duty"`
	Calibrated bool      `cbor:"calibrated" json:"calibrated"`
	Gains      pid.Gains `cbor:"gains" json:"gains"`
}

// Snapshot captures the actuator's current state
func (a *Actuator) Snapshot() State {
	ticks := a.Ticks()
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Index:      a.index,
		Name:       a.name,
		Ticks:      ticks,
		Angle:      float64(ticks) * 360 / (a.countsPerRev * a.gearRatio),
		GoalAngle:  a.goalAngle,
		MaxAngle:   a.maxAngle,
		Direction:  a.direction.String(),
		Duty:       a.duty,
		Calibrated: a.calibration.Calibrated,
		Gains:      a.pid.Gains(),
	}
}
