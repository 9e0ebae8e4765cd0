// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// ErrTransportClosed is returned by Serve when the transport reaches EOF
var ErrTransportClosed = errors.New("transport closed")

// Serve reads frames from rw, writes each reply after its request has
// executed, and runs the control update every control period between
// requests. It returns when ctx is done or the transport fails.
//
// The reader goroutine stays blocked in Read until rw is closed, so callers
// should close the transport after Serve returns.
func (e *Engine) Serve(ctx context.Context, rw io.ReadWriter) error {
	frames := make(chan []byte, 8)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go e.readLoop(rw, frames, readErr, done)

	var tick <-chan time.Time
	if e.period > 0 {
		ticker := time.NewTicker(e.period)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.log.Info("serving",
		zap.Int("actuators", e.registry.Len()),
		zap.Duration("control_period", e.period))

	for {
		select {
		case <-ctx.Done():
			e.registry.StopAll()
			return ctx.Err()
		case err := <-readErr:
			// Frames decoded before the read error are already queued
			for len(frames) > 0 {
				if werr := e.respond(rw, <-frames); werr != nil {
					break
				}
			}
			e.registry.StopAll()
			return err
		case raw := <-frames:
			if err := e.respond(rw, raw); err != nil {
				e.registry.StopAll()
				return err
			}
		case <-tick:
			e.UpdateControl()
		}
	}
}

// respond handles one request frame and writes its reply, if any
func (e *Engine) respond(w io.Writer, raw []byte) error {
	reply, ok := e.HandleFrame(raw)
	if !ok {
		return nil
	}
	if _, err := w.Write(reply); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

// readLoop splits the byte stream into frames
func (e *Engine) readLoop(r io.Reader, frames chan<- []byte, errc chan<- error, done <-chan struct{}) {
	decoder := tendon.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		e.metrics.bytesReceived(n)
		for _, b := range buf[:n] {
			pkt, derr := decoder.DecodeByte(b)
			if derr != nil {
				e.metrics.framingError()
				e.log.Debug("framing error", zap.Error(derr))
				continue
			}
			if pkt == nil {
				continue
			}
			select {
			case frames <- pkt.Raw():
			case <-done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrTransportClosed
			} else {
				err = fmt.Errorf("failed to read transport: %w", err)
			}
			select {
			case errc <- err:
			case <-done:
			}
			return
		}
	}
}
