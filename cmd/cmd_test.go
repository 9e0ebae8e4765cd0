// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/engine"
	"github.com/Thermoquad/tendonstat/pkg/pid"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// newTestBoard serves a board engine on one end of a pipe and returns a
// client on the other
func newTestBoard(t *testing.T, n int) (*tendon.Client, *actuator.Registry) {
	t.Helper()
	reg := actuator.NewUniformRegistry(n, actuator.DefaultConfig(), nil)
	eng := engine.New(reg, engine.WithControlPeriod(0))

	boardSide, hostSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.Serve(ctx, boardSide) }()
	t.Cleanup(func() {
		cancel()
		hostSide.Close()
		boardSide.Close()
	})
	return tendon.NewClient(hostSide, tendon.WithTimeout(time.Second)), reg
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// ============================================================
// watch
// ============================================================

func TestWatchState_Apply(t *testing.T) {
	w := newWatchState(45)
	w.setCount(2)

	assert.Empty(t, w.apply(watchSample{id: 0, angle: 10, status: tendon.StatusCalibrated}))

	events := w.apply(watchSample{id: 0, angle: 12, status: tendon.StatusCalibrated | tendon.StatusDriving})
	require.Len(t, events, 1)
	assert.Equal(t, "id=0 status CALIBRATED -> CALIBRATED|DRIVING", events[0].message)
	assert.False(t, events[0].isError)

	events = w.apply(watchSample{id: 0, angle: 80, status: tendon.StatusCalibrated | tendon.StatusDriving})
	require.Len(t, events, 1)
	assert.Equal(t, "id=0 angle jumped 12 -> 80", events[0].message)
	assert.True(t, events[0].isError)

	timeout := fmt.Errorf("READ_ANGLE id=1: %w", tendon.ErrNoResponse)
	events = w.apply(watchSample{id: 1, err: timeout})
	require.Len(t, events, 1)
	assert.Equal(t, "id=1 timeout", events[0].message)
	assert.Empty(t, w.apply(watchSample{id: 1, err: timeout}), "repeated failures are reported once")

	events = w.apply(watchSample{id: 1, angle: 0})
	require.Len(t, events, 1)
	assert.Equal(t, "id=1 answering again", events[0].message)

	assert.Equal(t, uint64(3), w.rows[1].polls)
	assert.Equal(t, uint64(2), w.rows[1].failures)
	assert.Len(t, w.events, 4)
}

func TestWatchState_EventLogBounded(t *testing.T) {
	w := newWatchState(1)
	w.setCount(1)
	w.maxLogEntries = 3
	for i := range 10 {
		w.apply(watchSample{id: 0, angle: int16(i * 10)})
	}
	require.Len(t, w.events, 3)
	assert.Equal(t, "id=0 angle jumped 80 -> 90", w.events[2].message)
}

func TestDescribeWatchError(t *testing.T) {
	re := &tendon.ResultError{Op: tendon.OpReadAngle, ID: 9, Result: tendon.IdError}
	assert.Equal(t, "id=9 READ_ANGLE replied ID_ERROR", describeWatchError(9, re))
	assert.Equal(t, "id=2 boom", describeWatchError(2, errors.New("boom")))
}

func TestPollActuators(t *testing.T) {
	client, reg := newTestBoard(t, 3)
	a, _ := reg.Get(2)
	a.SetCalibration(1200, 1300)

	w := newWatchState(45)
	w.setCount(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var samples []watchSample
	err := pollActuators(ctx, client, 3, rate.NewLimiter(rate.Inf, 1), func(s watchSample) {
		w.apply(s)
		samples = append(samples, s)
		if len(samples) == 6 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, samples, 6)
	for i, s := range samples {
		require.NoError(t, s.err)
		assert.Equal(t, uint8(i%3), s.id)
	}
	assert.Equal(t, uint8(tendon.StatusCalibrated), w.rows[2].status)
	assert.Zero(t, w.rows[0].angle)
}

// ============================================================
// profile
// ============================================================

func TestProfileGains(t *testing.T) {
	p := actuator.Profile{MaxAngle: 180, Gains: pid.Gains{Kp: 899.6, Ki: -0.4, Kd: 10.5}}
	kp, ki, kd, err := profileGains(p)
	require.NoError(t, err)
	assert.Equal(t, int16(900), kp)
	assert.Equal(t, int16(0), ki)
	assert.Equal(t, int16(11), kd)

	p.Gains.Kp = 40000
	_, _, _, err = profileGains(p)
	assert.Error(t, err)

	p.Gains.Kp = 1
	p.MaxAngle = 1e6
	_, _, _, err = profileGains(p)
	assert.Error(t, err)
}

// ============================================================
// requests
// ============================================================

func TestPidCmd_NegativeGains(t *testing.T) {
	err := pidCmd.ParseFlags([]string{"-5", "0", "7"})
	assert.ErrorContains(t, err, "unknown shorthand flag", "a bare negative gain reads as a flag")

	require.NoError(t, pidCmd.ParseFlags([]string{"--", "-5", "0", "7"}))
	args := pidCmd.Flags().Args()
	require.NoError(t, pidCmd.Args(pidCmd, args))

	kp, ki, kd, err := parseGains(args)
	require.NoError(t, err)
	assert.Equal(t, [3]int16{-5, 0, 7}, [3]int16{kp, ki, kd})

	_, _, _, err = parseGains([]string{"1", "40000", "0"})
	assert.Error(t, err)
}

// ============================================================
// calibrate
// ============================================================

func TestCalibrateModel_Flow(t *testing.T) {
	client, reg := newTestBoard(t, 2)
	ctx := context.Background()

	var model tea.Model = newCalibrateModel(ctx, client, "pipe", 0, 2)
	update := func(msg tea.Msg) tea.Cmd {
		var cmd tea.Cmd
		model, cmd = model.Update(msg)
		return cmd
	}
	state := func() calibrateModel { return model.(calibrateModel) }

	update(keyRunes("9"))
	update(keyRunes("0"))
	cmd := update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, state().busy)

	// SET_MAX_ANGLE completes and jogging starts
	update(cmd())
	require.Equal(t, phaseJog, state().phase)
	a0, _ := reg.Get(0)
	assert.Equal(t, 90.0, a0.MaxAngle())

	update(tea.KeyMsg{Type: tea.KeyRight})
	assert.Equal(t, 1, state().goal)
	for range 3 {
		update(tea.KeyMsg{Type: tea.KeyUp})
	}
	assert.Equal(t, 2, state().incIdx, "increment stops at the largest step")
	update(tea.KeyMsg{Type: tea.KeyRight})
	assert.Equal(t, 11, state().goal)
	update(tea.KeyMsg{Type: tea.KeyLeft})
	update(tea.KeyMsg{Type: tea.KeyLeft})
	assert.Equal(t, 0, state().goal, "goal never drops below 0")
	update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, state().incIdx)

	// Angle reads land on the model
	update(state().readAngleCmd()())
	assert.True(t, state().hasAngle)

	// SET_ZERO_ANGLE moves on to the next actuator
	a0.SetGoalAngle(45)
	cmd = update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	update(cmd())
	assert.Equal(t, 0.0, a0.GoalAngle())
	assert.Equal(t, 1, state().id)
	assert.Equal(t, phaseMaxAngle, state().phase)
	require.Len(t, state().done, 1)
	assert.Equal(t, int16(90), state().done[0].maxAngle)

	// Bad input is rejected without a request
	update(keyRunes("x"))
	assert.Nil(t, update(tea.KeyMsg{Type: tea.KeyEnter}))
	assert.NotEmpty(t, state().inputError)

	update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, state().quitting)
}

func TestCalibrateModel_RequestError(t *testing.T) {
	client, _ := newTestBoard(t, 1)

	// id 1 does not exist on a one actuator board
	var model tea.Model = newCalibrateModel(context.Background(), client, "pipe", 1, 2)
	model, _ = model.Update(keyRunes("45"))
	model, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	model, _ = model.Update(cmd())

	m := model.(calibrateModel)
	assert.Equal(t, phaseMaxAngle, m.phase)
	assert.False(t, m.busy)
	assert.ErrorIs(t, m.lastError, tendon.IdError)
}

// ============================================================
// sim
// ============================================================

func TestSimTransport(t *testing.T) {
	tests := []struct {
		name       string
		port       string
		listenFlag string
		listenCfg  string
		want       string
		wantErr    bool
	}{
		{"serial only", "/dev/ttyUSB0", "", "", "", false},
		{"serial ignores configured listen", "/dev/ttyUSB0", "", ":8080", "", false},
		{"listen flag", "", ":9000", ":8080", ":9000", false},
		{"configured listen", "", "", ":8080", ":8080", false},
		{"both transports", "/dev/ttyUSB0", ":9000", "", "", true},
		{"neither", "", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := simTransport(tt.port, tt.listenFlag, tt.listenCfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebsocketHandler(t *testing.T) {
	reg := actuator.NewUniformRegistry(2, actuator.DefaultConfig(), nil)
	eng := engine.New(reg, engine.WithControlPeriod(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(websocketHandler(ctx, eng))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + simPath
	conn, err := OpenWebSocketConnection(url, "", "", false)
	require.NoError(t, err)
	defer conn.Close()

	client := tendon.NewClient(conn, tendon.WithTimeout(time.Second))
	require.NoError(t, client.SetMaxAngle(ctx, 1, 200))
	require.NoError(t, client.WriteAngle(ctx, 1, 50))
	a, _ := reg.Get(1)
	assert.InDelta(t, 100, a.GoalAngle(), 0.01)

	_, err = OpenWebSocketConnection(url, "", "", false)
	assert.ErrorContains(t, err, "409", "one client at a time")
}
