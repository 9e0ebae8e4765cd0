// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
)

func newAttached(t *testing.T, n int, cfg PlantConfig) (*Board, *actuator.Registry) {
	t.Helper()
	b := New(n, cfg)
	r := actuator.NewUniformRegistry(n, actuator.DefaultConfig(), b)
	b.Attach(r)
	return b, r
}

func TestBoard_VirtualClock(t *testing.T) {
	b := New(1, DefaultPlantConfig())
	assert.Zero(t, b.NowMicros())

	b.DelayMillis(5)
	assert.Equal(t, uint64(5000), b.NowMicros())

	b.Advance(1500 * time.Microsecond)
	assert.Equal(t, uint64(7000), b.NowMicros(), "partial steps round up")
}

func TestBoard_StictionHoldsMotor(t *testing.T) {
	b, r := newAttached(t, 1, DefaultPlantConfig())

	b.SetDirection(0, actuator.Forward)
	b.SetDuty(0, DefaultStictionForward)
	b.Advance(time.Second)

	m, ok := b.Motor(0)
	require.True(t, ok)
	assert.Zero(t, m.Position)
	assert.Zero(t, r.All()[0].Ticks())
}

func TestBoard_EdgesTrackPosition(t *testing.T) {
	b, r := newAttached(t, 2, DefaultPlantConfig())
	act := r.All()[0]

	b.SetDirection(0, actuator.Forward)
	b.SetDuty(0, actuator.FullScale)
	b.Advance(200 * time.Millisecond)

	m, _ := b.Motor(0)
	assert.InDelta(t, DefaultMaxSpeed*0.2, m.Position, 1)
	assert.InDelta(t, m.Position, float64(act.Ticks()), 1)

	// The other motor never moved
	assert.Zero(t, r.All()[1].Ticks())

	b.SetDirection(0, actuator.Reverse)
	b.Advance(400 * time.Millisecond)
	m, _ = b.Motor(0)
	assert.Less(t, m.Position, 0.0)
	assert.InDelta(t, m.Position, float64(act.Ticks()), 1)
}

func TestBoard_EndStops(t *testing.T) {
	cfg := DefaultPlantConfig()
	cfg.MinTicks, cfg.MaxTicks = -50, 80
	b, r := newAttached(t, 1, cfg)

	b.SetDirection(0, actuator.Forward)
	b.SetDuty(0, actuator.FullScale)
	b.Advance(time.Second)
	m, _ := b.Motor(0)
	assert.Equal(t, 80.0, m.Position)
	assert.Equal(t, int64(80), r.All()[0].Ticks())

	b.SetDirection(0, actuator.Reverse)
	b.Advance(time.Second)
	m, _ = b.Motor(0)
	assert.Equal(t, -50.0, m.Position)
	assert.Equal(t, int64(-50), r.All()[0].Ticks())
}

func TestBoard_ControlLoopReachesGoal(t *testing.T) {
	b, r := newAttached(t, 1, DefaultPlantConfig())
	act := r.All()[0]
	act.SetGoalAngle(45)

	for range 3000 {
		r.UpdateAll(b.NowMicros())
		b.Advance(time.Millisecond)
	}
	assert.InDelta(t, 45, act.Angle(), 1.5)
}

func TestBoard_PhaseOutOfRange(t *testing.T) {
	b := New(1, DefaultPlantConfig())
	assert.False(t, b.ReadPhaseA(3))
	assert.False(t, b.ReadPhaseB(-1))
	_, ok := b.Motor(5)
	assert.False(t, ok)

	// Out-of-range drive writes are ignored
	b.SetDuty(9, 100)
	b.SetDirection(9, actuator.Forward)
}

func TestBoard_RunLive(t *testing.T) {
	b, r := newAttached(t, 1, DefaultPlantConfig())
	b.SetDirection(0, actuator.Forward)
	b.SetDuty(0, actuator.FullScale)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.All()[0].Ticks() > 10
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
