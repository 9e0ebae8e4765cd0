// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
)

type memorySink struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *memorySink) Publish(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func testRegistry() *actuator.Registry {
	r := actuator.NewUniformRegistry(2, actuator.DefaultConfig(), nil)
	a, _ := r.Get(1)
	a.SetGoalAngle(30)
	a.SetCalibration(1200, 1500)
	return r
}

func TestEncodeDecode(t *testing.T) {
	r := testRegistry()
	in := Sample{Board: "bench", Timestamp: 1700000000123, Sequence: 7, Actuators: r.Snapshot()}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, 30.0, out.Actuators[1].GoalAngle)
	assert.True(t, out.Actuators[1].Calibrated)

	_, err = Decode([]byte{0xFF, 0x01})
	assert.Error(t, err)
}

func TestReporter_Report(t *testing.T) {
	r := testRegistry()
	sink := &memorySink{}
	rep := NewReporter(r.Snapshot, sink, "bench", 0, nil)
	rep.now = func() time.Time { return time.UnixMilli(42) }

	require.NoError(t, rep.Report())
	require.NoError(t, rep.Report())
	require.Equal(t, 2, sink.count())

	s, err := Decode(sink.payloads[1])
	require.NoError(t, err)
	assert.Equal(t, "bench", s.Board)
	assert.Equal(t, int64(42), s.Timestamp)
	assert.Equal(t, uint64(2), s.Sequence)
	assert.Len(t, s.Actuators, 2)
}

func TestReporter_RunSurvivesPublishErrors(t *testing.T) {
	sink := &memorySink{err: errors.New("broker down")}
	rep := NewReporter(testRegistry().Snapshot, sink, "bench", 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rep.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, rep.seq, uint64(1), "reporter kept running after failures")
}

func TestReporter_Run(t *testing.T) {
	sink := &memorySink{}
	rep := NewReporter(testRegistry().Snapshot, sink, "bench", 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rep.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBoardID(t *testing.T) {
	id := BoardID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, BoardID(), "stable across calls")
	assert.LessOrEqual(t, len(id), 12)
}
