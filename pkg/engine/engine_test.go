// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/sim"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

const actuatorCount = 8

func newEngine(t *testing.T, maxAngle float64, opts ...Option) (*Engine, *actuator.Registry) {
	t.Helper()
	cfg := actuator.DefaultConfig()
	cfg.MaxAngle = maxAngle
	reg := actuator.NewUniformRegistry(actuatorCount, cfg, nil)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(reg, opts...), reg
}

func frame(t *testing.T, id uint8, op tendon.Opcode, params ...byte) []byte {
	t.Helper()
	f, err := tendon.EncodeFrame(id, op, params)
	require.NoError(t, err)
	return f
}

// handle runs raw through the engine and decodes the reply
func handle(t *testing.T, e *Engine, raw []byte) *tendon.Packet {
	t.Helper()
	reply, ok := e.HandleFrame(raw)
	require.True(t, ok, "frame was dropped")
	p, err := tendon.DecodeFrame(reply)
	require.NoError(t, err)
	require.Equal(t, tendon.Success, p.ValidateCRC(), "reply CRC")
	return p
}

func status(t *testing.T, p *tendon.Packet) tendon.Result {
	t.Helper()
	res, ok := p.Result()
	require.True(t, ok, "reply is not a status reply: %s", tendon.FormatPacket(p))
	return res
}

// ============================================================
// Request Pipeline
// ============================================================

func TestHandleFrame_WriteAngleScenario(t *testing.T) {
	e, reg := newEngine(t, 360)

	raw := frame(t, 0, tendon.OpWriteAngle, 50)
	require.Equal(t, []byte{0xFF, 0x00, 0x05, 0x00, 0x03, 0x32}, raw[:6])

	p := handle(t, e, raw)
	assert.Equal(t, tendon.Success, status(t, p))
	assert.Equal(t, uint8(0), p.ID())

	a, _ := reg.Get(0)
	assert.InDelta(t, 180, a.GoalAngle(), 1)
}

func TestHandleFrame_ZeroedCRCScenario(t *testing.T) {
	e, reg := newEngine(t, 360)

	raw := frame(t, 0, tendon.OpWriteAngle, 50)
	raw[len(raw)-2], raw[len(raw)-1] = 0, 0

	p := handle(t, e, raw)
	assert.Equal(t, tendon.CrcError, status(t, p))

	a, _ := reg.Get(0)
	assert.Zero(t, a.GoalAngle())
}

func TestHandleFrame_CorruptedCRCNeverMutates(t *testing.T) {
	requests := [][]byte{
		frame(t, 1, tendon.OpWriteAngle, 100),
		frame(t, 1, tendon.OpSetMaxAngle, 0x00, 0x10),
		frame(t, 1, tendon.OpSetZeroAngle),
		frame(t, 1, tendon.OpWritePID, 0, 1, 0, 1, 0, 1),
	}
	for _, raw := range requests {
		for _, pos := range []int{len(raw) - 2, len(raw) - 1} {
			e, reg := newEngine(t, 90)
			a, _ := reg.Get(1)
			a.SetGoalAngle(45)
			before := a.Profile()

			bad := append([]byte(nil), raw...)
			bad[pos] ^= 0x5A

			p := handle(t, e, bad)
			assert.Equal(t, tendon.CrcError, status(t, p))
			assert.Equal(t, before, a.Profile())
			assert.Equal(t, 45.0, a.GoalAngle())
		}
	}
}

func TestHandleFrame_IDError(t *testing.T) {
	e, _ := newEngine(t, 180)
	for _, op := range tendon.Opcodes {
		for _, id := range []uint8{actuatorCount, 0x42, tendon.IDBroadcast, tendon.IDAll} {
			var params []byte
			switch op {
			case tendon.OpWriteAngle:
				params = []byte{10}
			case tendon.OpWritePID:
				params = make([]byte, 6)
			case tendon.OpSetMaxAngle:
				params = []byte{0, 90}
			}
			p := handle(t, e, frame(t, id, op, params...))
			assert.Equal(t, tendon.IdError, status(t, p), "%s id %d", tendon.FormatOpcode(op), id)
			assert.Equal(t, id, p.ID())
		}
	}
}

func TestHandleFrame_InstructionAndParamErrors(t *testing.T) {
	e, _ := newEngine(t, 180)

	p := handle(t, e, frame(t, 0, tendon.Opcode(0x07)))
	assert.Equal(t, tendon.InstructionError, status(t, p))

	p = handle(t, e, frame(t, 0, tendon.OpWriteAngle))
	assert.Equal(t, tendon.ParamError, status(t, p))

	p = handle(t, e, frame(t, 0, tendon.OpReadAngle, 1))
	assert.Equal(t, tendon.ParamError, status(t, p))
}

func TestHandleFrame_FramingDropped(t *testing.T) {
	e, _ := newEngine(t, 180)

	good := frame(t, 0, tendon.OpReadStatus)
	tooLong := append([]byte{0xFF, 0x00, 30}, make([]byte, 30)...)
	badMarker := append([]byte(nil), good...)
	badMarker[1] = 0x01
	truncated := frame(t, 0, tendon.OpWriteAngle, 5)[:6]

	for name, raw := range map[string][]byte{
		"empty":       nil,
		"short":       good[:5],
		"too long":    tooLong,
		"bad marker":  badMarker,
		"truncated":   truncated,
		"tiny length": {0xFF, 0x00, 0x02, 0x00, 0x00, 0x00},
	} {
		reply, ok := e.HandleFrame(raw)
		assert.False(t, ok, name)
		assert.Nil(t, reply, name)
	}
}

func TestHandleFrame_Echo(t *testing.T) {
	e, _ := newEngine(t, 180)

	p := handle(t, e, frame(t, 3, tendon.OpEcho, 'p', 'i', 'n', 'g'))
	assert.Equal(t, tendon.OpEcho, p.Opcode())
	assert.Equal(t, uint8(3), p.ID())
	assert.Equal(t, []byte("ping"), p.Params())
}

func TestHandleFrame_ReadAngleAndStatus(t *testing.T) {
	e, reg := newEngine(t, 180)
	a, _ := reg.Get(2)
	a.SetCalibration(1200, 1500)

	p := handle(t, e, frame(t, 2, tendon.OpReadAngle))
	assert.Equal(t, tendon.Success, status(t, p))
	assert.Equal(t, []byte{0, 0}, p.Data())

	p = handle(t, e, frame(t, 2, tendon.OpReadStatus))
	assert.Equal(t, tendon.Success, status(t, p))
	assert.Equal(t, []byte{tendon.StatusCalibrated}, p.Data())
}

func TestHandleFrame_Observer(t *testing.T) {
	var seen []Exchange
	e, _ := newEngine(t, 180, WithObserver(func(x Exchange) { seen = append(seen, x) }))

	handle(t, e, frame(t, 0, tendon.OpReadStatus))
	handle(t, e, frame(t, 9, tendon.OpReadStatus))
	e.HandleFrame([]byte{1, 2, 3})

	require.Len(t, seen, 2)
	assert.Equal(t, tendon.Success, seen[0].Result)
	assert.Equal(t, tendon.IdError, seen[1].Result)
	assert.Equal(t, uint8(9), seen[1].Request.ID())
	assert.NotEmpty(t, seen[1].Reply)
}

// ============================================================
// Metrics
// ============================================================

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	e, _ := newEngine(t, 180, WithMetrics(NewMetrics(promReg)))

	handle(t, e, frame(t, 0, tendon.OpReadStatus))
	handle(t, e, frame(t, 0, tendon.OpReadStatus))
	handle(t, e, frame(t, 8, tendon.OpReadAngle))
	e.HandleFrame([]byte{0xFF})
	e.UpdateControl()

	assert.Equal(t, 2.0, counterValue(t, promReg, "tendon_requests_total",
		map[string]string{"opcode": "READ_STATUS", "result": "SUCCESS"}))
	assert.Equal(t, 1.0, counterValue(t, promReg, "tendon_requests_total",
		map[string]string{"opcode": "READ_ANGLE", "result": "ID_ERROR"}))
	assert.Equal(t, 1.0, counterValue(t, promReg, "tendon_framing_errors_total", nil))
	assert.Equal(t, 1.0, counterValue(t, promReg, "tendon_control_updates_total", nil))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.request(tendon.OpEcho, tendon.Success, time.Millisecond)
	m.framingError()
	m.bytesReceived(4)
	m.controlUpdate()
}

// ============================================================
// Serve
// ============================================================

func TestServe_ClientRoundTrip(t *testing.T) {
	board := sim.New(actuatorCount, sim.DefaultPlantConfig())
	cfg := actuator.DefaultConfig()
	cfg.MaxAngle = 360
	reg := actuator.NewUniformRegistry(actuatorCount, cfg, board)
	board.Attach(reg)
	e := New(reg, WithLogger(zap.NewNop()), WithClock(board), WithControlPeriod(0))

	boardSide, hostSide := net.Pipe()
	defer hostSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- e.Serve(ctx, boardSide) }()

	client := tendon.NewClient(hostSide, tendon.WithTimeout(time.Second))

	require.NoError(t, client.WriteAngle(ctx, 0, 50))
	a, _ := reg.Get(0)
	assert.InDelta(t, 180, a.GoalAngle(), 1)

	echoed, err := client.Echo(ctx, 1, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, echoed)

	angle, err := client.ReadAngle(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, angle)

	n, err := client.Scan(ctx, 32)
	require.NoError(t, err)
	assert.Equal(t, actuatorCount, n)

	err = client.SetMaxAngle(ctx, tendon.IDAll, 90)
	var rerr *tendon.ResultError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, tendon.IdError, rerr.Result)

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	boardSide.Close()
}

func TestServe_ControlLoopDrivesActuator(t *testing.T) {
	board := sim.New(1, sim.DefaultPlantConfig())
	reg := actuator.NewUniformRegistry(1, actuator.DefaultConfig(), board)
	board.Attach(reg)
	e := New(reg, WithClock(board), WithControlPeriod(time.Millisecond))

	boardSide, hostSide := net.Pipe()
	defer hostSide.Close()
	defer boardSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = board.Run(ctx) }()
	go func() { _ = e.Serve(ctx, boardSide) }()

	client := tendon.NewClient(hostSide, tendon.WithTimeout(time.Second))
	// 25% of 180
	require.NoError(t, client.WriteAngle(ctx, 0, 25))

	require.Eventually(t, func() bool {
		angle, err := client.ReadAngle(ctx, 0)
		return err == nil && angle >= 44 && angle <= 46
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServe_TransportClosed(t *testing.T) {
	e, _ := newEngine(t, 180, WithControlPeriod(0))
	boardSide, hostSide := net.Pipe()

	served := make(chan error, 1)
	go func() { served <- e.Serve(context.Background(), boardSide) }()

	// Noise and a framing error before the close
	_, err := hostSide.Write([]byte{0x00, 0x13, 0xFF, 0x00, 0x40})
	require.NoError(t, err)
	hostSide.Close()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the transport closed")
	}
}

func TestServe_RequestBeforeEOFIsExecuted(t *testing.T) {
	// Serve may see the EOF before the queued frame; the request must run either way
	for i := range 50 {
		e, reg := newEngine(t, 180, WithControlPeriod(0))
		var out bytes.Buffer
		rw := struct {
			io.Reader
			io.Writer
		}{bytes.NewReader(frame(t, 0, tendon.OpWriteAngle, 50)), &out}

		err := e.Serve(context.Background(), rw)
		require.ErrorIs(t, err, ErrTransportClosed)

		a, _ := reg.Get(0)
		require.InDelta(t, 90, a.GoalAngle(), 0.01, "run %d", i)
		reply, err := tendon.DecodeFrame(out.Bytes())
		require.NoError(t, err, "run %d", i)
		res, ok := reply.Result()
		require.True(t, ok)
		assert.Equal(t, tendon.Success, res)
	}
}
