// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

var requestTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read an actuator's status flags",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *tendon.Client, args []string) error {
		status, err := c.ReadStatus(ctx, actuatorID)
		if err != nil {
			return err
		}
		fmt.Printf("id=%d status=0x%02X %s\n", actuatorID, status, tendon.FormatStatus(status))
		return nil
	}),
}

var angleCmd = &cobra.Command{
	Use:   "angle",
	Short: "Read or move an actuator's angle",
	Long: `Read and write actuator angles.

Angles written are a percentage of the actuator's max angle. The board clamps
the resulting goal to [-max, max].`,
}

var angleReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Read the current angle in degrees",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *tendon.Client, args []string) error {
		angle, err := c.ReadAngle(ctx, actuatorID)
		if err != nil {
			return err
		}
		fmt.Printf("id=%d angle=%d\n", actuatorID, angle)
		return nil
	}),
}

var angleWriteCmd = &cobra.Command{
	Use:   "write PERCENT",
	Short: "Set the goal angle as a percentage of the max angle",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *tendon.Client, args []string) error {
		pct, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid percent %q: %w", args[0], err)
		}
		if err := c.WriteAngle(ctx, actuatorID, uint8(pct)); err != nil {
			return err
		}
		fmt.Printf("id=%d goal=%d%%\n", actuatorID, pct)
		return nil
	}),
}

var angleZeroCmd = &cobra.Command{
	Use:   "zero",
	Short: "Make the current position the zero angle",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *tendon.Client, args []string) error {
		if err := c.SetZeroAngle(ctx, actuatorID); err != nil {
			return err
		}
		fmt.Printf("id=%d zeroed\n", actuatorID)
		return nil
	}),
}

var angleMaxCmd = &cobra.Command{
	Use:     "max DEGREES",
	Short:   "Set the max angle in degrees",
	Long:    `Set the max angle in degrees. A negative angle goes after "--"; the board uses its magnitude.`,
	Example: "  tendonstat angle max --id 0 180",
	Args:    cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *tendon.Client, args []string) error {
		deg, err := strconv.ParseInt(args[0], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid angle %q: %w", args[0], err)
		}
		if err := c.SetMaxAngle(ctx, actuatorID, int16(deg)); err != nil {
			return err
		}
		fmt.Printf("id=%d max=%d\n", actuatorID, deg)
		return nil
	}),
}

var pidCmd = &cobra.Command{
	Use:   "pid KP KI KD",
	Short: "Set an actuator's controller gains",
	Long: `Set the proportional, integral and derivative gains of an actuator.

Gains are signed 16-bit integers. The output limit is left unchanged and the
controller history is reset. Put negative gains after "--" so they are not
read as flags.`,
	Example: `  tendonstat pid --id 2 900 10 0
  tendonstat pid --id 2 -- -5 0 0`,
	Args: cobra.ExactArgs(3),
	RunE: withClient(func(ctx context.Context, c *tendon.Client, args []string) error {
		kp, ki, kd, err := parseGains(args)
		if err != nil {
			return err
		}
		if err := c.WritePID(ctx, actuatorID, kp, ki, kd); err != nil {
			return err
		}
		fmt.Printf("id=%d kp=%d ki=%d kd=%d\n", actuatorID, kp, ki, kd)
		return nil
	}),
}

// parseGains reads kp, ki and kd as signed 16-bit integers
func parseGains(args []string) (kp, ki, kd int16, err error) {
	var gains [3]int16
	for i, arg := range args {
		v, err := strconv.ParseInt(arg, 10, 16)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid gain %q: %w", arg, err)
		}
		gains[i] = int16(v)
	}
	return gains[0], gains[1], gains[2], nil
}

func init() {
	rootCmd.AddCommand(statusCmd, angleCmd, pidCmd)
	angleCmd.AddCommand(angleReadCmd, angleWriteCmd, angleZeroCmd, angleMaxCmd)
	for _, c := range []*cobra.Command{statusCmd, angleCmd, pidCmd} {
		c.PersistentFlags().DurationVar(&requestTimeout, "timeout", tendon.DefaultTimeout, "Reply timeout")
	}
}

// withClient opens a client for the duration of one request
func withClient(fn func(ctx context.Context, c *tendon.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, conn, connInfo, err := OpenClient(requestTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		defer conn.Close()
		logger.Debug("connected", zap.String("connection", connInfo))

		ctx, stop := signalContext(cmd)
		defer stop()

		err = fn(ctx, client, args)
		var re *tendon.ResultError
		if errors.As(err, &re) {
			return fmt.Errorf("board rejected request: %w", err)
		}
		return err
	}
}
