// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package actuator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tendonstat/pkg/pid"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// forward quadrature sequence as (A, B) pairs, starting after phase 00
var forwardEdges = [4][2]bool{{true, false}, {true, true}, {false, true}, {false, false}}

type driveCall struct {
	id   int
	dir  Direction
	duty uint16
}

type recordingDrive struct {
	mu    sync.Mutex
	duty  map[int]uint16
	calls []driveCall
}

func newRecordingDrive() *recordingDrive {
	return &recordingDrive{duty: map[int]uint16{}}
}

func (d *recordingDrive) SetDuty(id int, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.duty[id] = value
}

func (d *recordingDrive) SetDirection(id int, dir Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, driveCall{id: id, dir: dir, duty: d.duty[id]})
}

func (d *recordingDrive) last(t *testing.T) driveCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.calls, "no drive output")
	return d.calls[len(d.calls)-1]
}

func (d *recordingDrive) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// oneTickPerDegree gives 12 * 30 / 360 = 1 tick per degree
func oneTickPerDegree() Config {
	cfg := DefaultConfig()
	cfg.CountsPerRev = 12
	cfg.GearRatio = 30
	cfg.MaxAngle = 180
	cfg.Gains = pid.Gains{Kp: 1, UMax: 6000}
	return cfg
}

func stepForward(a *Actuator, n int) {
	for i := 0; i < n; i++ {
		e := forwardEdges[i%4]
		a.OnEncoderEdge(e[0], e[1])
	}
}

func stepReverse(a *Actuator, n int) {
	// reverse walks the forward table backwards from phase 00
	for i := 0; i < n; i++ {
		e := forwardEdges[(2-i%4+4)%4]
		a.OnEncoderEdge(e[0], e[1])
	}
}

// ============================================================
// Encoder
// ============================================================

func TestEncoder_ForwardAndReverse(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)
	assert.Zero(t, a.Angle())

	stepForward(a, 8)
	assert.Equal(t, int64(8), a.Ticks())

	stepReverse(a, 12)
	assert.Equal(t, int64(-4), a.Ticks())
}

func TestEncoder_NinetyDegrees(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)
	stepForward(a, 90)
	assert.InDelta(t, 90, a.Angle(), 1)
}

func TestEncoder_NinetyDegreesDefaultGearbox(t *testing.T) {
	a := New(0, DefaultConfig(), nil)
	ticks := int(90 * a.TicksPerDegree())
	stepForward(a, ticks)
	assert.InDelta(t, 90, a.Angle(), 1)
}

func TestEncoder_DoubleTransitionIgnored(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)

	// 00 -> 11 skips a phase
	a.OnEncoderEdge(true, true)
	assert.Zero(t, a.Ticks())

	// Same phase repeated
	a.OnEncoderEdge(true, true)
	assert.Zero(t, a.Ticks())
}

func TestEncoder_TableMatchesGrayCode(t *testing.T) {
	for last := 0; last < 4; last++ {
		for next := 0; next < 4; next++ {
			delta := quadratureTable[last<<2|next]
			switch {
			case last == next, last^next == 0b11:
				assert.Zero(t, delta, "%02b -> %02b", last, next)
			default:
				assert.NotZero(t, delta, "%02b -> %02b", last, next)
			}
		}
	}
}

func TestEncoder_ResetZero(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)
	stepForward(a, 37)
	require.NotZero(t, a.Angle())

	a.ResetEncoderZero()
	assert.Zero(t, a.Ticks())
	assert.Zero(t, a.Angle())
}

func TestEncoder_ConcurrentEdges(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)
	const edges = 20000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stepForward(a, edges)
	}()

	// Readers and the control loop run against the edge stream
	for i := 0; i < 1000; i++ {
		_ = a.Angle()
		a.UpdateControl(uint64(i+1) * 1000)
		_ = a.Status()
	}
	wg.Wait()
	assert.Equal(t, int64(edges), a.Ticks())
}

// ============================================================
// Goal and limits
// ============================================================

func TestGoalAngle_Clamped(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)

	a.SetGoalAngle(90)
	assert.Equal(t, 90.0, a.GoalAngle())

	a.SetGoalAngle(500)
	assert.Equal(t, 180.0, a.GoalAngle())

	a.SetGoalAngle(-500)
	assert.Equal(t, -180.0, a.GoalAngle())
}

func TestSetMaxAngle_MagnitudeAndReclamp(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)
	a.SetGoalAngle(150)

	a.SetMaxAngle(-90)
	assert.Equal(t, 90.0, a.MaxAngle())
	assert.Equal(t, 90.0, a.GoalAngle(), "goal must stay inside the new limit")

	a.SetMaxAngle(0)
	assert.Zero(t, a.GoalAngle())
	a.SetGoalAngle(10)
	assert.Zero(t, a.GoalAngle())
}

func TestZero(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)
	stepForward(a, 20)
	a.SetGoalAngle(45)

	a.Zero()
	assert.Zero(t, a.Angle())
	assert.Zero(t, a.GoalAngle())
}

// ============================================================
// Control update
// ============================================================

func TestUpdateControl_FirstCallOnlyRecordsTime(t *testing.T) {
	drive := newRecordingDrive()
	a := New(0, oneTickPerDegree(), drive)
	a.SetGoalAngle(60)

	a.UpdateControl(1000)
	assert.Zero(t, drive.count())

	// No elapsed time
	a.UpdateControl(1000)
	assert.Zero(t, drive.count())

	a.UpdateControl(2000)
	assert.Equal(t, 1, drive.count())
}

func TestUpdateControl_ZeroRestartsController(t *testing.T) {
	drive := newRecordingDrive()
	cfg := oneTickPerDegree()
	cfg.Gains = pid.Gains{Kd: 1, UMax: 6000}
	a := New(0, cfg, drive)
	a.SetGoalAngle(60)
	a.UpdateControl(0)
	a.UpdateControl(1000)
	require.Equal(t, 1, drive.count())

	a.Zero()
	assert.Zero(t, a.GoalAngle())

	a.UpdateControl(2000)
	assert.Equal(t, 1, drive.count(), "first update after zeroing only records the time")

	// A stale previous error of 60 would kick the derivative term into reverse
	a.UpdateControl(3000)
	assert.Equal(t, driveCall{dir: Off, duty: 0}, drive.last(t))
}

func TestUpdateControl_ZeroSignalTurnsOff(t *testing.T) {
	drive := newRecordingDrive()
	a := New(3, oneTickPerDegree(), drive)
	a.UpdateControl(0)
	a.UpdateControl(1000)

	assert.Equal(t, driveCall{id: 3, dir: Off, duty: 0}, drive.last(t))
}

func TestUpdateControl_UncalibratedFloor(t *testing.T) {
	drive := newRecordingDrive()
	a := New(0, oneTickPerDegree(), drive)
	a.UpdateControl(0)

	// error 60 ticks, kp 1: 1000 + 60 * 5000/6000
	a.SetGoalAngle(60)
	a.UpdateControl(1000)
	assert.Equal(t, driveCall{dir: Forward, duty: 1050}, drive.last(t))

	a.SetGains(pid.Gains{Kp: 1, UMax: 6000})
	a.SetGoalAngle(-60)
	a.UpdateControl(2000)
	assert.Equal(t, driveCall{dir: Reverse, duty: 1050}, drive.last(t))
}

func TestUpdateControl_CalibratedFloors(t *testing.T) {
	drive := newRecordingDrive()
	a := New(0, oneTickPerDegree(), drive)
	a.SetCalibration(1300, 1600)
	a.UpdateControl(0)

	a.SetGoalAngle(60)
	a.UpdateControl(1000)
	assert.Equal(t, driveCall{dir: Forward, duty: 1347}, drive.last(t))

	a.SetGains(pid.Gains{Kp: 1, UMax: 6000})
	a.SetGoalAngle(-60)
	a.UpdateControl(2000)
	assert.Equal(t, driveCall{dir: Reverse, duty: 1644}, drive.last(t))
}

func TestUpdateControl_ClampedToHardwareMax(t *testing.T) {
	drive := newRecordingDrive()
	cfg := oneTickPerDegree()
	cfg.Gains = pid.Gains{Kp: 1000, UMax: 1e6}
	a := New(0, cfg, drive)
	a.UpdateControl(0)

	a.SetGoalAngle(60)
	a.UpdateControl(1000)
	assert.Equal(t, driveCall{dir: Forward, duty: HardwareMax}, drive.last(t))

	dir, duty := a.Output()
	assert.Equal(t, Forward, dir)
	assert.Equal(t, uint16(HardwareMax), duty)
}

func TestDefaultConfig_Gains(t *testing.T) {
	assert.Equal(t, pid.Gains{Kp: 900, Ki: 10, Kd: 0, UMax: pid.DefaultUMax}, DefaultConfig().Gains)
}

func TestSetPID_KeepsUMax(t *testing.T) {
	a := New(0, oneTickPerDegree(), nil)
	a.SetGains(pid.Gains{Kp: 1, UMax: 2500})

	a.SetPID(900, 0, 10)
	assert.Equal(t, pid.Gains{Kp: 900, Ki: 0, Kd: 10, UMax: 2500}, a.Gains())
}

// ============================================================
// Status
// ============================================================

func TestStatus_Flags(t *testing.T) {
	drive := newRecordingDrive()
	a := New(0, oneTickPerDegree(), drive)
	assert.Equal(t, uint8(0), a.Status())

	a.SetCalibration(1200, 1500)
	assert.Equal(t, uint8(tendon.StatusCalibrated), a.Status())

	a.SetGoalAngle(180)
	a.UpdateControl(0)
	a.UpdateControl(1000)
	assert.Equal(t, uint8(tendon.StatusCalibrated|tendon.StatusDriving|tendon.StatusAtLimit), a.Status())

	a.Stop()
	a.ClearCalibration()
	assert.Equal(t, uint8(tendon.StatusAtLimit), a.Status())
}

func TestSnapshot(t *testing.T) {
	a := New(2, oneTickPerDegree(), nil)
	stepForward(a, 10)
	a.SetGoalAngle(30)

	s := a.Snapshot()
	assert.Equal(t, 2, s.Index)
	assert.Equal(t, "motor 3", s.Name)
	assert.Equal(t, int64(10), s.Ticks)
	assert.InDelta(t, 10, s.Angle, 1e-9)
	assert.Equal(t, 30.0, s.GoalAngle)
	assert.Equal(t, "off", s.Direction)
}

// ============================================================
// Registry
// ============================================================

func TestRegistry(t *testing.T) {
	drive := newRecordingDrive()
	r := NewUniformRegistry(8, oneTickPerDegree(), drive)
	assert.Equal(t, 8, r.Len())

	a, ok := r.Get(7)
	require.True(t, ok)
	assert.Equal(t, 7, a.Index())

	for _, id := range []int{-1, 8, 0xFE, 0xFF} {
		_, ok := r.Get(id)
		assert.False(t, ok, "id %d", id)
	}

	r.UpdateAll(0)
	r.UpdateAll(1000)
	assert.Equal(t, 8, drive.count(), "one drive output per actuator")

	r.StopAll()
	assert.Len(t, r.Snapshot(), 8)
}
