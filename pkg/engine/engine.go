// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package engine is the board side of the tendon protocol. It takes raw
// frames from a transport, validates and dispatches them against the
// actuator registry, and encodes the replies. Serve also runs the periodic
// control update between requests.
package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/command"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// DefaultControlPeriod is the interval between control updates in Serve
const DefaultControlPeriod = time.Millisecond

// Exchange describes one handled request
type Exchange struct {
	Request  *tendon.Packet
	Result   tendon.Result
	Reply    []byte
	Duration time.Duration
}

// Engine dispatches tendon requests against a registry. Requests are handled
// one at a time.
type Engine struct {
	registry *actuator.Registry
	log      *zap.Logger
	metrics  *Metrics
	observer func(Exchange)
	clock    actuator.TimeSource
	period   time.Duration

	mu sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithMetrics records requests and control updates to m
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithObserver calls fn after every request that produced a reply
func WithObserver(fn func(Exchange)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// WithClock sets the time source for the control loop
func WithClock(ts actuator.TimeSource) Option {
	return func(e *Engine) {
		e.clock = ts
	}
}

// WithControlPeriod sets the control update interval. Zero disables the
// control loop in Serve.
func WithControlPeriod(d time.Duration) Option {
	return func(e *Engine) {
		e.period = d
	}
}

// New creates an engine over registry
func New(registry *actuator.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		log:      zap.NewNop(),
		period:   DefaultControlPeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = actuator.NewSystemClock()
	}
	return e
}

// Registry returns the engine's actuators
func (e *Engine) Registry() *actuator.Registry {
	return e.registry
}

// HandleFrame runs one raw frame through decode, CRC check, dispatch and
// execute, and returns the encoded reply. ok is false when the frame is
// dropped; framing errors have no id to reply to.
func (e *Engine) HandleFrame(raw []byte) (reply []byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	pkt, err := tendon.DecodeFrame(raw)
	if err != nil {
		e.metrics.framingError()
		e.log.Debug("dropped frame", zap.Binary("raw", raw), zap.Error(err))
		return nil, false
	}

	result, data := e.dispatch(pkt)

	reply, err = command.Reply(pkt.ID(), pkt.Opcode(), result, data)
	if err != nil {
		// Only an oversize result can fail to encode
		e.log.Error("failed to encode reply",
			zap.String("opcode", tendon.FormatOpcode(pkt.Opcode())),
			zap.Uint8("id", pkt.ID()),
			zap.Error(err))
		result = tendon.Fail
		reply, _ = tendon.EncodeStatusReply(pkt.ID(), result, nil)
	}

	elapsed := time.Since(start)
	e.metrics.request(pkt.Opcode(), result, elapsed)

	fields := []zap.Field{
		zap.String("opcode", tendon.FormatOpcode(pkt.Opcode())),
		zap.Uint8("id", pkt.ID()),
		zap.String("result", tendon.FormatResult(result)),
		zap.Duration("elapsed", elapsed),
	}
	if result.OK() {
		e.log.Debug("request", fields...)
	} else {
		e.log.Info("request rejected", fields...)
	}

	if e.observer != nil {
		e.observer(Exchange{Request: pkt, Result: result, Reply: reply, Duration: elapsed})
	}
	return reply, true
}

// dispatch validates and executes a decoded request
func (e *Engine) dispatch(pkt *tendon.Packet) (tendon.Result, []byte) {
	if res := pkt.ValidateCRC(); !res.OK() {
		return res, nil
	}
	cmd, res := command.Create(pkt, e.registry)
	if !res.OK() {
		return res, nil
	}
	return tendon.Success, cmd.Execute()
}

// UpdateControl runs one control step on every actuator
func (e *Engine) UpdateControl() {
	e.registry.UpdateAll(e.clock.NowMicros())
	e.metrics.controlUpdate()
}
