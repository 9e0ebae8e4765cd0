// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	echoTimeout int
	echoCount   int
	echoRate    float64
	echoPayload string
)

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Test the link by sending ECHO requests",
	Long: `Send ECHO requests to an actuator and wait for the echoed payload.

The board answers ECHO with the same parameter bytes it received, so this
verifies framing, CRC and the round trip without moving anything.

This is useful for verifying:
  - Serial or WebSocket connection is established
  - HTTP Basic authentication works
  - The board answers for the given --id
  - Bidirectional frame flow works

Exit codes:
  0 - All echoes successful
  1 - One or more echoes failed/timed out
  2 - Connection error`,
	RunE: runEcho,
}

func init() {
	rootCmd.AddCommand(echoCmd)
	echoCmd.Flags().IntVar(&echoTimeout, "timeout", 1, "Timeout in seconds for each echo")
	echoCmd.Flags().IntVar(&echoCount, "count", 3, "Number of echoes to send")
	echoCmd.Flags().Float64Var(&echoRate, "rate", 10, "Echoes per second")
	echoCmd.Flags().StringVar(&echoPayload, "payload", "tendon", "Payload to echo (max 26 bytes)")
}

func runEcho(cmd *cobra.Command, args []string) error {
	client, conn, connInfo, err := OpenClient(time.Duration(echoTimeout) * time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Tendonstat - Echo Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Actuator: %d\n", actuatorID)
	fmt.Printf("Timeout: %d seconds per echo\n", echoTimeout)
	fmt.Printf("Count: %d echoes\n\n", echoCount)

	ctx, stop := signalContext(cmd)
	defer stop()
	limiter := rate.NewLimiter(rate.Limit(echoRate), 1)
	payload := []byte(echoPayload)

	successCount := 0
	failCount := 0
	var totalRTT time.Duration

	for i := 1; i <= echoCount; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		fmt.Printf("Echo %d/%d: ", i, echoCount)

		start := time.Now()
		got, err := client.Echo(ctx, actuatorID, payload)
		rtt := time.Since(start)
		switch {
		case err != nil:
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		case !bytes.Equal(got, payload):
			fmt.Printf("MISMATCH: sent %q, got %q\n", payload, got)
			failCount++
		default:
			fmt.Printf("%d bytes from id=%d, rtt=%v\n", len(got), actuatorID, rtt.Round(time.Microsecond))
			successCount++
			totalRTT += rtt
		}
	}

	fmt.Printf("\n--- Echo statistics ---\n")
	fmt.Printf("%d echoes sent, %d replies received, %.0f%% loss\n",
		echoCount, successCount, float64(failCount)/float64(echoCount)*100)
	if successCount > 0 {
		fmt.Printf("avg rtt=%v\n", (totalRTT / time.Duration(successCount)).Round(time.Microsecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
