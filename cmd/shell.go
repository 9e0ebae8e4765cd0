// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

var shellCmd = &cobra.Command{
	Use:   "shell [COMMAND ARGS...]",
	Short: "Interactive request shell",
	Long: `Open an interactive shell for sending requests to a board.

The connection is opened from the usual --port/--url flags. Type "help" for
the list of commands. With arguments, runs that one shell command and exits:

  tendonstat shell --port /dev/ttyUSB0 goal 50`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

const shellKey = "$session"

// shellSession is the state shared by shell commands
type shellSession struct {
	shell    *ishell.Shell
	client   *tendon.Client
	conn     Connection
	connInfo string
	id       uint8
}

func sessionFrom(c *ishell.Context) *shellSession {
	return c.Get(shellKey).(*shellSession)
}

func (s *shellSession) connect() error {
	client, conn, connInfo, err := OpenClient(tendon.DefaultTimeout)
	if err != nil {
		return err
	}
	s.disconnect()
	s.client, s.conn, s.connInfo = client, conn, connInfo
	s.updatePrompt()
	return nil
}

func (s *shellSession) disconnect() {
	if s.conn != nil {
		s.conn.Close()
		s.client, s.conn, s.connInfo = nil, nil, ""
	}
	s.updatePrompt()
}

func (s *shellSession) updatePrompt() {
	if s.client == nil {
		s.shell.SetPrompt("[none] > ")
		return
	}
	s.shell.SetPrompt(fmt.Sprintf("[%d] > ", s.id))
}

// mustBeConnected wraps a command that needs the board
func mustBeConnected(fn func(c *ishell.Context, s *shellSession, ctx context.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		s := sessionFrom(c)
		if s.client == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		fn(c, s, ctx)
	}
}

func parseArg[T int16 | uint8](c *ishell.Context, i int, name string) (T, bool) {
	if len(c.Args) <= i {
		c.Err(fmt.Errorf("%s required", name))
		return 0, false
	}
	var bits int
	var v int64
	var err error
	switch any(T(0)).(type) {
	case uint8:
		bits = 8
		var u uint64
		u, err = strconv.ParseUint(c.Args[i], 10, bits)
		v = int64(u)
	default:
		bits = 16
		v, err = strconv.ParseInt(c.Args[i], 10, bits)
	}
	if err != nil {
		c.Err(fmt.Errorf("invalid %s: %v", name, err))
		return 0, false
	}
	return T(v), true
}

var shellCmds = []*ishell.Cmd{
	{
		Name: "connect",
		Help: "open the connection given by --port/--url",
		Func: func(c *ishell.Context) {
			s := sessionFrom(c)
			if err := s.connect(); err != nil {
				c.Err(err)
				return
			}
			c.Println("Connected:", s.connInfo)
		},
	},
	{
		Name: "disconnect",
		Help: "close the connection",
		Func: func(c *ishell.Context) {
			sessionFrom(c).disconnect()
		},
	},
	{
		Name: "id",
		Help: "ID - select the actuator later commands address",
		Func: func(c *ishell.Context) {
			s := sessionFrom(c)
			if len(c.Args) == 0 {
				c.Println(s.id)
				return
			}
			id, ok := parseArg[uint8](c, 0, "ID")
			if !ok {
				return
			}
			s.id = id
			s.updatePrompt()
		},
	},
	{
		Name: "echo",
		Help: "TEXT - echo a payload through the board",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, ctx context.Context) {
			payload := []byte(strings.Join(c.Args, " "))
			start := time.Now()
			got, err := s.client.Echo(ctx, s.id, payload)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%q rtt=%v\n", got, time.Since(start).Round(time.Microsecond))
		}),
	},
	{
		Name: "status",
		Help: "read status flags",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, ctx context.Context) {
			status, err := s.client.ReadStatus(ctx, s.id)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("0x%02X %s\n", status, tendon.FormatStatus(status))
		}),
	},
	{
		Name:    "angle",
		Aliases: []string{"a"},
		Help:    "read the current angle",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, ctx context.Context) {
			angle, err := s.client.ReadAngle(ctx, s.id)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(angle)
		}),
	},
	{
		Name:    "goal",
		Aliases: []string{"g"},
		Help:    "PERCENT - move to a percentage of the max angle",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, ctx context.Context) {
			pct, ok := parseArg[uint8](c, 0, "PERCENT")
			if !ok {
				return
			}
			if err := s.client.WriteAngle(ctx, s.id, pct); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	},
	{
		Name: "zero",
		Help: "make the current position the zero angle",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, ctx context.Context) {
			if err := s.client.SetZeroAngle(ctx, s.id); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	},
	{
		Name: "max",
		Help: "DEGREES - set the max angle",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, ctx context.Context) {
			deg, ok := parseArg[int16](c, 0, "DEGREES")
			if !ok {
				return
			}
			if err := s.client.SetMaxAngle(ctx, s.id, deg); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	},
	{
		Name: "pid",
		Help: "KP KI KD - set controller gains",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, ctx context.Context) {
			var gains [3]int16
			for i, name := range []string{"KP", "KI", "KD"} {
				v, ok := parseArg[int16](c, i, name)
				if !ok {
					return
				}
				gains[i] = v
			}
			if err := s.client.WritePID(ctx, s.id, gains[0], gains[1], gains[2]); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	},
	{
		Name: "scan",
		Help: "count the actuators on the board",
		Func: mustBeConnected(func(c *ishell.Context, s *shellSession, _ context.Context) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := s.client.Scan(ctx, tendon.IDBroadcast)
			if err != nil {
				c.Err(err)
			}
			c.Printf("%d actuators\n", n)
		}),
	},
}

func runShell(cmd *cobra.Command, args []string) error {
	s := &shellSession{shell: ishell.New(), id: actuatorID}
	s.shell.Set(shellKey, s)
	for _, c := range shellCmds {
		s.shell.AddCmd(c)
	}
	defer s.disconnect()

	if err := s.connect(); err != nil {
		if len(args) > 0 {
			return err
		}
		s.shell.Printf("Not connected: %v\n", err)
	} else {
		s.shell.Printf("Connected: %s\n", s.connInfo)
	}

	if len(args) > 0 {
		return s.shell.Process(args...)
	}
	s.shell.Run()
	return nil
}
