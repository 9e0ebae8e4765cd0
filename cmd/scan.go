// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

var (
	scanTimeout int
	scanLimit   int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover the actuators on a board",
	Long: `Probe actuator ids from 0 upwards with READ_STATUS.

The board answers ID_ERROR for the first id past its last actuator, which ends
the scan. Each actuator found is listed with its status and angle.

Examples:
  # Direct serial scan
  tendonstat scan --port /dev/ttyUSB0

  # Simulated board over WebSocket
  tendonstat scan --url ws://localhost:8765/tendon

Exit codes:
  0 - Scan successful (at least one actuator found)
  1 - Scan failed (no actuators or timeout)
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 1, "Timeout in seconds per probe")
	scanCmd.Flags().IntVar(&scanLimit, "limit", tendon.IDBroadcast, "Highest number of ids to probe")
}

func runScan(cmd *cobra.Command, args []string) error {
	client, conn, connInfo, err := OpenClient(time.Duration(scanTimeout) * time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Tendonstat - Actuator Scan\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per probe\n\n", scanTimeout)

	ctx, stop := signalContext(cmd)
	defer stop()

	count, err := client.Scan(ctx, scanLimit)
	if err != nil {
		fmt.Printf("SCAN FAILED after %d actuators: %v\n", count, err)
	}

	for id := 0; id < count; id++ {
		status, serr := client.ReadStatus(ctx, uint8(id))
		angle, aerr := client.ReadAngle(ctx, uint8(id))
		if serr != nil || aerr != nil {
			fmt.Printf("  [%3d] unreadable: %v\n", id, firstError(serr, aerr))
			continue
		}
		fmt.Printf("  [%3d] angle=%4d  status=%s\n", id, angle, tendon.FormatStatus(status))
	}

	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Actuators found: %d\n", count)

	if count == 0 {
		fmt.Printf("No actuators answered. Check connection and board power.\n")
		os.Exit(1)
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
