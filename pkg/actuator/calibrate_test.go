// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package actuator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/sim"
)

func newBench(t *testing.T, plant sim.PlantConfig) (*sim.Board, *actuator.Actuator) {
	t.Helper()
	board := sim.New(1, plant)
	reg := actuator.NewUniformRegistry(1, actuator.DefaultConfig(), board)
	board.Attach(reg)
	a, ok := reg.Get(0)
	require.True(t, ok)
	return board, a
}

func assertStopped(t *testing.T, board *sim.Board) {
	t.Helper()
	m, ok := board.Motor(0)
	require.True(t, ok)
	assert.Equal(t, actuator.Off, m.Direction)
	assert.Zero(t, m.Duty)
}

func TestCalibrateMinDrive(t *testing.T) {
	board, a := newBench(t, sim.DefaultPlantConfig())

	cal, err := a.CalibrateMinDrive(context.Background(), board, actuator.CalibrationOptions{})
	require.NoError(t, err)

	assert.True(t, cal.Calibrated)
	assert.Greater(t, cal.MinForward, uint16(sim.DefaultStictionForward))
	assert.LessOrEqual(t, cal.MinForward, uint16(sim.DefaultStictionForward+2*actuator.DefaultStepForward))
	assert.Greater(t, cal.MinReverse, uint16(sim.DefaultStictionReverse))
	assert.LessOrEqual(t, cal.MinReverse, uint16(sim.DefaultStictionReverse+2*actuator.DefaultStepReverse))
	assert.Equal(t, cal, a.Calibration())
	assertStopped(t, board)
}

func TestCalibrateMinDrive_NoMovement(t *testing.T) {
	plant := sim.DefaultPlantConfig()
	plant.StictionForward = actuator.FullScale
	board, a := newBench(t, plant)

	_, err := a.CalibrateMinDrive(context.Background(), board, actuator.CalibrationOptions{})
	require.ErrorIs(t, err, actuator.ErrNoMovement)
	assert.False(t, a.Calibration().Calibrated)
	assertStopped(t, board)
}

func TestCalibrateMinDrive_Timeout(t *testing.T) {
	plant := sim.DefaultPlantConfig()
	plant.StictionForward = actuator.FullScale
	board, a := newBench(t, plant)

	_, err := a.CalibrateMinDrive(context.Background(), board, actuator.CalibrationOptions{TimeoutMs: 500})
	require.ErrorIs(t, err, actuator.ErrCalibrationTimeout)
	assertStopped(t, board)
}

func TestCalibrateMinDrive_Cancelled(t *testing.T) {
	board, a := newBench(t, sim.DefaultPlantConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.CalibrateMinDrive(ctx, board, actuator.CalibrationOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assertStopped(t, board)
}

func TestMoveToEnd(t *testing.T) {
	plant := sim.DefaultPlantConfig()
	plant.MinTicks = -300
	board, a := newBench(t, plant)
	a.SetGoalAngle(20)

	err := a.MoveToEnd(context.Background(), board, actuator.Reverse, 0, actuator.CalibrationOptions{})
	require.NoError(t, err)

	m, _ := board.Motor(0)
	assert.Equal(t, -300.0, m.Position, "stopped against the end stop")
	assert.Zero(t, a.Ticks(), "encoder zeroed at the end stop")
	assert.Equal(t, 20.0, a.GoalAngle())
	assertStopped(t, board)
}

func TestMoveToEnd_Timeout(t *testing.T) {
	plant := sim.DefaultPlantConfig()
	plant.MinTicks = -1_000_000
	board, a := newBench(t, plant)
	a.SetGoalAngle(20)

	err := a.MoveToEnd(context.Background(), board, actuator.Reverse, 0, actuator.CalibrationOptions{TimeoutMs: 3000})
	require.ErrorIs(t, err, actuator.ErrCalibrationTimeout)
	assert.Equal(t, 20.0, a.GoalAngle(), "goal unchanged on abort")
	assertStopped(t, board)
}

func TestCalibrateLimits(t *testing.T) {
	plant := sim.DefaultPlantConfig()
	plant.MinTicks, plant.MaxTicks = -200, 300
	board, a := newBench(t, plant)

	res, err := a.CalibrateLimits(context.Background(), board, actuator.CalibrationOptions{})
	require.NoError(t, err)

	span := 500 / a.TicksPerDegree()
	assert.InDelta(t, span, res.Span, 1)
	assert.InDelta(t, span/2, res.MaxAngle, 1)
	assert.Equal(t, res.MaxAngle, a.MaxAngle())
	assert.Zero(t, a.GoalAngle())

	// Zero is near the middle of the travel
	m, _ := board.Motor(0)
	assert.InDelta(t, 50, m.Position, 15)
	assertStopped(t, board)
}

func TestCalibrateLimits_AbortRestoresGoal(t *testing.T) {
	plant := sim.DefaultPlantConfig()
	plant.MinTicks = -1_000_000
	board, a := newBench(t, plant)
	a.SetMaxAngle(90)
	a.SetGoalAngle(30)

	_, err := a.CalibrateLimits(context.Background(), board, actuator.CalibrationOptions{TimeoutMs: 2000})
	require.ErrorIs(t, err, actuator.ErrCalibrationTimeout)
	assert.Equal(t, 30.0, a.GoalAngle())
	assert.Equal(t, 90.0, a.MaxAngle())
	assertStopped(t, board)
}
