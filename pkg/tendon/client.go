// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultTimeout bounds how long a request waits for its reply
const DefaultTimeout = 500 * time.Millisecond

// Client errors
var (
	ErrNoResponse      = errors.New("no response")
	ErrClientClosed    = errors.New("client closed")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Client issues requests to a tendon board over a byte stream. Only one
// request is in flight at a time; the board answers each request before the
// next one is sent.
type Client struct {
	rw      io.ReadWriter
	timeout time.Duration

	mu      sync.Mutex
	replies chan *Packet
	done    chan struct{}
	readErr error
	errMu   sync.Mutex

	// OnFrame, if set, is called for every frame the client sends or receives
	OnFrame func(p *Packet, outgoing bool)
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-request reply timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithFrameHook sets a callback invoked for every frame sent or received
func WithFrameHook(fn func(p *Packet, outgoing bool)) ClientOption {
	return func(c *Client) {
		c.OnFrame = fn
	}
}

// NewClient creates a client and starts reading replies from rw
func NewClient(rw io.ReadWriter, opts ...ClientOption) *Client {
	c := &Client{
		rw:      rw,
		timeout: DefaultTimeout,
		replies: make(chan *Packet, 8),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// readLoop decodes frames from the stream until it fails
func (c *Client) readLoop() {
	defer close(c.done)

	decoder := NewDecoder()
	buf := make([]byte, 64)

	for {
		n, err := c.rw.Read(buf)
		for i := 0; i < n; i++ {
			packet, decodeErr := decoder.DecodeByte(buf[i])
			if decodeErr != nil || packet == nil {
				continue
			}
			if c.OnFrame != nil {
				c.OnFrame(packet, false)
			}
			select {
			case c.replies <- packet:
			default:
				// Nobody is waiting, drop the oldest reply
				select {
				case <-c.replies:
				default:
				}
				c.replies <- packet
			}
		}
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
	}
}

// Err returns the error that stopped the reader, if any
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Done is closed once the underlying stream stops delivering data
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Transact sends a request and waits for the reply addressed to the same id.
// The reply CRC is validated; status replies carrying a non-success result are
// returned together with a *ResultError.
func (c *Client) Transact(ctx context.Context, req *Packet) (*Packet, error) {
	frame, err := EncodeFrame(req.ID(), req.Opcode(), req.Params())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Discard stale replies from an earlier timed out request
	for drained := false; !drained; {
		select {
		case <-c.replies:
		default:
			drained = true
		}
	}

	if c.OnFrame != nil {
		c.OnFrame(req, true)
	}
	if _, err := c.rw.Write(frame); err != nil {
		return nil, fmt.Errorf("write %s: %w", FormatOpcode(req.Opcode()), err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%s id=%d: %w", FormatOpcode(req.Opcode()), req.ID(), ErrNoResponse)
		case <-c.done:
			if err := c.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrClientClosed, err)
			}
			return nil, ErrClientClosed
		case reply := <-c.replies:
			if reply.ID() != req.ID() {
				continue
			}
			if reply.ValidateCRC() != Success {
				return nil, &ResultError{Op: req.Opcode(), ID: req.ID(), Result: CrcError}
			}
			return c.checkReply(req, reply)
		}
	}
}

// checkReply maps a reply onto the request contract
func (c *Client) checkReply(req, reply *Packet) (*Packet, error) {
	result, isStatus := reply.Result()

	if req.Opcode() == OpEcho && reply.Opcode() == OpEcho {
		return reply, nil
	}
	if !isStatus {
		return nil, fmt.Errorf("%s id=%d: %w: %s", FormatOpcode(req.Opcode()), req.ID(), ErrUnexpectedReply, FormatOpcode(reply.Opcode()))
	}
	if result != Success {
		return reply, &ResultError{Op: req.Opcode(), ID: req.ID(), Result: result}
	}
	return reply, nil
}

// Echo sends payload and returns what the board echoed back
func (c *Client) Echo(ctx context.Context, id uint8, payload []byte) ([]byte, error) {
	reply, err := c.Transact(ctx, NewEchoRequest(id, payload))
	if err != nil {
		return nil, err
	}
	return reply.Params(), nil
}

// ReadStatus returns the actuator's status flag byte
func (c *Client) ReadStatus(ctx context.Context, id uint8) (uint8, error) {
	reply, err := c.Transact(ctx, NewReadStatusRequest(id))
	if err != nil {
		return 0, err
	}
	data := reply.Data()
	if len(data) < 1 {
		return 0, fmt.Errorf("READ_STATUS id=%d: %w: missing status byte", id, ErrUnexpectedReply)
	}
	return data[0], nil
}

// ReadAngle returns the actuator's angle in whole degrees
func (c *Client) ReadAngle(ctx context.Context, id uint8) (int16, error) {
	reply, err := c.Transact(ctx, NewReadAngleRequest(id))
	if err != nil {
		return 0, err
	}
	data := reply.Data()
	if len(data) < 2 {
		return 0, fmt.Errorf("READ_ANGLE id=%d: %w: short angle", id, ErrUnexpectedReply)
	}
	return Int16(data), nil
}

// WriteAngle sets the goal angle to percent of the actuator's max angle
func (c *Client) WriteAngle(ctx context.Context, id uint8, percent uint8) error {
	_, err := c.Transact(ctx, NewWriteAngleRequest(id, percent))
	return err
}

// WritePID sets the actuator's controller gains
func (c *Client) WritePID(ctx context.Context, id uint8, kp, ki, kd int16) error {
	_, err := c.Transact(ctx, NewWritePIDRequest(id, kp, ki, kd))
	return err
}

// SetZeroAngle makes the actuator's current position its zero angle
func (c *Client) SetZeroAngle(ctx context.Context, id uint8) error {
	_, err := c.Transact(ctx, NewSetZeroAngleRequest(id))
	return err
}

// SetMaxAngle sets the actuator's max angle in degrees
func (c *Client) SetMaxAngle(ctx context.Context, id uint8, degrees int16) error {
	_, err := c.Transact(ctx, NewSetMaxAngleRequest(id, degrees))
	return err
}

// Scan probes ids from 0 with READ_STATUS and returns how many actuators
// answered before the board reported ID_ERROR. limit caps the probe.
func (c *Client) Scan(ctx context.Context, limit int) (int, error) {
	for id := 0; id < limit && id < IDBroadcast; id++ {
		_, err := c.ReadStatus(ctx, uint8(id))
		if errors.Is(err, IdError) {
			return id, nil
		}
		if err != nil {
			return id, err
		}
	}
	return limit, nil
}
