// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

var (
	calibrateCount int
	calibrateFirst int
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Interactive manual calibration of each actuator",
	Long: `Calibrate actuators one at a time in an interactive terminal UI.

For each actuator:
  1. Enter its maximum angle in degrees (sent as SET_MAX_ANGLE)
  2. Jog it with the left/right arrow keys. The goal is a percentage of the
     max angle between 0 and 100, stepped by 1, 5 or 10 (up/down changes
     the step). The current angle is read back continuously.
  3. Press Enter to make the current position the zero angle
     (SET_ZERO_ANGLE) and move on to the next actuator.

The actuator count is found with a scan unless --count is given.

Supports both serial and WebSocket connections.`,
	RunE: runCalibrate,
}

func init() {
	rootCmd.AddCommand(calibrateCmd)
	calibrateCmd.Flags().IntVar(&calibrateCount, "count", 0, "Number of actuators (0 scans the board)")
	calibrateCmd.Flags().IntVar(&calibrateFirst, "first", 0, "First actuator id to calibrate")
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	client, conn, connInfo, err := OpenClient(tendon.DefaultTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	count := calibrateCount
	if count <= 0 {
		count, err = client.Scan(ctx, tendon.IDBroadcast)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
	}
	if calibrateFirst < 0 || calibrateFirst >= count {
		return fmt.Errorf("no actuators to calibrate (first=%d, count=%d)", calibrateFirst, count)
	}

	m := newCalibrateModel(ctx, client, connInfo, calibrateFirst, count)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	if fm, ok := final.(calibrateModel); ok {
		fmt.Printf("Calibrated %d of %d actuators\n", len(fm.done), count-calibrateFirst)
		for _, r := range fm.done {
			fmt.Printf("  [%d] max=%d zeroed at goal %d%%\n", r.id, r.maxAngle, r.goal)
		}
	}
	return nil
}
