// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim provides a simulated tendon board: a simple motor and gearbox
// plant per actuator that turns drive output into quadrature encoder edges.
//
// Board implements the actuator collaborator interfaces (DriveSignal,
// EncoderSignal and TimeSource) so the protocol engine and calibration
// routines run unmodified against it. Time is virtual; it advances when
// Advance is called, when DelayMillis is called on a board that is not
// running live, or from the ticker started by Run.
package sim

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
)

// Plant defaults
const (
	DefaultStictionForward = 1100
	DefaultStictionReverse = 1400
	DefaultMaxSpeed        = 2000 // ticks per second at full drive
	DefaultMinTicks        = -1000
	DefaultMaxTicks        = 1000
)

// StepSize is the plant integration step
const StepSize = time.Millisecond

// forwardSequence is the phase (A<<1 | B) for tick positions 0..3
var forwardSequence = [4]uint32{0b00, 0b10, 0b11, 0b01}

// PlantConfig describes one simulated motor
type PlantConfig struct {
	// Drive strength at or below which the motor does not turn
	StictionForward uint16 `mapstructure:"stiction_forward"`
	StictionReverse uint16 `mapstructure:"stiction_reverse"`
	// Encoder ticks per second at full drive
	MaxSpeed float64 `mapstructure:"max_speed"`
	// End stops in encoder ticks from the power-on position
	MinTicks int64 `mapstructure:"min_ticks"`
	MaxTicks int64 `mapstructure:"max_ticks"`
}

// DefaultPlantConfig returns the default plant
func DefaultPlantConfig() PlantConfig {
	return PlantConfig{
		StictionForward: DefaultStictionForward,
		StictionReverse: DefaultStictionReverse,
		MaxSpeed:        DefaultMaxSpeed,
		MinTicks:        DefaultMinTicks,
		MaxTicks:        DefaultMaxTicks,
	}
}

type motor struct {
	cfg       PlantConfig
	direction actuator.Direction
	duty      uint16
	position  float64
	// position last reported through encoder edges
	reported int64
	phase    atomic.Uint32
}

// Board is a simulated tendon board
type Board struct {
	// serialises plant steps so edges are delivered in order
	stepMu sync.Mutex

	mu       sync.Mutex
	now      uint64
	motors   []*motor
	registry *actuator.Registry
	live     atomic.Bool
}

// New creates a board with n motors sharing one plant config
func New(n int, cfg PlantConfig) *Board {
	b := &Board{motors: make([]*motor, n)}
	for i := range b.motors {
		b.motors[i] = &motor{cfg: cfg}
	}
	return b
}

// Attach connects the actuators that receive encoder edges. Motor i feeds
// actuator i.
func (b *Board) Attach(r *actuator.Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry = r
}

// ============================================================
// actuator.DriveSignal
// ============================================================

// SetDuty sets the drive strength of motor id
func (b *Board) SetDuty(id int, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.motor(id); m != nil {
		m.duty = value
	}
}

// SetDirection sets the drive direction of motor id
func (b *Board) SetDirection(id int, dir actuator.Direction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.motor(id); m != nil {
		m.direction = dir
	}
}

// ============================================================
// actuator.EncoderSignal
// ============================================================

// ReadPhaseA reads encoder channel A of motor id
func (b *Board) ReadPhaseA(id int) bool {
	if id < 0 || id >= len(b.motors) {
		return false
	}
	return b.motors[id].phase.Load()&0b10 != 0
}

// ReadPhaseB reads encoder channel B of motor id
func (b *Board) ReadPhaseB(id int) bool {
	if id < 0 || id >= len(b.motors) {
		return false
	}
	return b.motors[id].phase.Load()&0b01 != 0
}

// ============================================================
// actuator.TimeSource
// ============================================================

// NowMicros returns the board's virtual time
func (b *Board) NowMicros() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// DelayMillis advances virtual time by n milliseconds. On a live board it
// sleeps and lets the Run ticker advance the plant.
func (b *Board) DelayMillis(n uint32) {
	d := time.Duration(n) * time.Millisecond
	if b.live.Load() {
		time.Sleep(d)
		return
	}
	b.Advance(d)
}

// ============================================================
// Plant
// ============================================================

// Advance steps the plant forward by d in StepSize increments, delivering
// encoder edges to the attached actuators as the motors turn
func (b *Board) Advance(d time.Duration) {
	steps := int(d / StepSize)
	if d%StepSize != 0 {
		steps++
	}

	b.stepMu.Lock()
	defer b.stepMu.Unlock()
	for range steps {
		b.step()
	}
}

// step integrates one StepSize tick and emits edges outside mu
func (b *Board) step() {
	b.mu.Lock()
	b.now += uint64(StepSize / time.Microsecond)
	registry := b.registry
	moves := make([]int64, len(b.motors))
	starts := make([]int64, len(b.motors))
	for i, m := range b.motors {
		starts[i] = m.reported
		m.position += m.velocity() * StepSize.Seconds()
		m.position = math.Max(float64(m.cfg.MinTicks), math.Min(float64(m.cfg.MaxTicks), m.position))
		target := int64(math.Floor(m.position))
		moves[i] = target - m.reported
		m.reported = target
	}
	b.mu.Unlock()

	for i, delta := range moves {
		if delta == 0 {
			continue
		}
		m := b.motors[i]
		var act *actuator.Actuator
		if registry != nil {
			act, _ = registry.Get(i)
		}
		for n := int64(1); n <= abs(delta); n++ {
			pos := starts[i] + n*sign(delta)
			m.phase.Store(forwardSequence[((pos%4)+4)%4])
			if act != nil {
				act.HandleEdge(b)
			}
		}
	}
}

// velocity returns ticks per second for the current drive. Caller holds mu.
func (m *motor) velocity() float64 {
	var stiction float64
	var dir float64
	switch m.direction {
	case actuator.Forward:
		stiction, dir = float64(m.cfg.StictionForward), 1
	case actuator.Reverse:
		stiction, dir = float64(m.cfg.StictionReverse), -1
	default:
		return 0
	}
	duty := math.Min(float64(m.duty), actuator.FullScale)
	if duty <= stiction || stiction >= actuator.FullScale {
		return 0
	}
	return dir * m.cfg.MaxSpeed * (duty - stiction) / (actuator.FullScale - stiction)
}

// Run advances the plant in real time until ctx is done
func (b *Board) Run(ctx context.Context) error {
	b.live.Store(true)
	defer b.live.Store(false)

	ticker := time.NewTicker(StepSize)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Advance(StepSize)
		}
	}
}

// ============================================================
// Inspection
// ============================================================

// MotorState is the plant's view of one motor
type MotorState struct {
	Direction actuator.Direction
	Duty      uint16
	Position  float64
}

// Motor returns the plant state of motor id
func (b *Board) Motor(id int) (MotorState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.motor(id)
	if m == nil {
		return MotorState{}, false
	}
	return MotorState{Direction: m.direction, Duty: m.duty, Position: m.position}, true
}

// Len returns the number of motors
func (b *Board) Len() int {
	return len(b.motors)
}

func (b *Board) motor(id int) *motor {
	if id < 0 || id >= len(b.motors) {
		return nil
	}
	return b.motors[id]
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}
