// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsDialTimeout      = 15 * time.Second
	passwordEnv        = "TENDONSTAT_PASSWORD"
)

// Connection is a byte stream to a board over serial or WebSocket
type Connection = io.ReadWriteCloser

// SerialConnection is an open serial port carrying tendon frames
type SerialConnection struct {
	serial.Port
	name string
	baud int
}

func (s *SerialConnection) String() string {
	return fmt.Sprintf("Serial: %s @ %d baud", s.name, s.baud)
}

// OpenSerialConnection opens name at baud, 8N1
func OpenSerialConnection(name string, baud int) (*SerialConnection, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	return &SerialConnection{Port: port, name: name, baud: baud}, nil
}

// ErrConnectionClosed is returned by Read after the WebSocket has failed
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection carries the byte stream in binary WebSocket messages.
// A message may hold any number of bytes; Read drains it before taking the
// next one. Text messages are ignored. Used by host commands and by the
// simulated board.
type WebSocketConnection struct {
	conn   *websocket.Conn
	msg    io.Reader
	closed bool

	writeMu sync.Mutex
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}
	for {
		if w.msg != nil {
			n, err := w.msg.Read(p)
			if err == io.EOF {
				w.msg = nil
				if n == 0 {
					continue
				}
				err = nil
			}
			return n, err
		}

		kind, r, err := w.conn.NextReader()
		if err != nil {
			w.closed = true
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if kind == websocket.BinaryMessage {
			w.msg = r
		}
	}
}

// Write sends p as one binary message
func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenWebSocketConnection dials a ws:// or wss:// endpoint. Basic auth is
// sent when both username and password are set.
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme %q (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	}

	req := &http.Request{Header: http.Header{}}
	if username != "" && password != "" {
		req.SetBasicAuth(username, password)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, u.String(), req.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", u.Redacted(), err)
	}
	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword returns $TENDONSTAT_PASSWORD, or prompts on stderr. Input is
// hidden when stdin is a terminal.
func GetPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// OpenConnection opens the transport selected by --url or --port and returns
// it with a one line description
func OpenConnection() (Connection, string, error) {
	switch {
	case wsURL != "":
		var password string
		if wsUsername != "" {
			pw, err := GetPassword()
			if err != nil {
				return nil, "", err
			}
			password = pw
		}
		conn, err := OpenWebSocketConnection(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, "WebSocket: " + wsURL, nil

	case portName != "":
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, conn.String(), nil
	}
	return nil, "", errors.New("either --port or --url must be specified")
}

// OpenClient opens a connection and wraps it in a protocol client. With
// debug logging enabled every frame is logged in both directions. hooks are
// called for every frame after logging.
func OpenClient(timeout time.Duration, hooks ...func(p *tendon.Packet, outgoing bool)) (*tendon.Client, Connection, string, error) {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return nil, nil, "", err
	}

	opts := []tendon.ClientOption{
		tendon.WithFrameHook(func(p *tendon.Packet, outgoing bool) {
			if ce := logger.Check(zap.DebugLevel, "frame"); ce != nil {
				ce.Write(
					zap.Bool("outgoing", outgoing),
					zap.Uint8("id", p.ID()),
					zap.String("opcode", tendon.FormatOpcode(p.Opcode())),
					zap.Binary("raw", p.Raw()))
			}
			for _, hook := range hooks {
				hook(p, outgoing)
			}
		}),
	}
	if timeout > 0 {
		opts = append(opts, tendon.WithTimeout(timeout))
	}
	return tendon.NewClient(conn, opts...), conn, connInfo, nil
}
