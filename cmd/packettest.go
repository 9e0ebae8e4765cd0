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

var packetTestTimeout int

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid frame",
	Long: `Wait for a valid tendon frame on the connection until timeout.

Boards only speak when spoken to, so this is meant for listening in on a
bus where a host is already talking. Invalid bytes are skipped until a
complete frame passing its CRC check arrives.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Tendonstat - Frame Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid frame...\n\n")

	events := make(chan frameEvent, 16)
	go readFrames(conn, events)

	timeout := time.After(time.Duration(packetTestTimeout) * time.Second)
	skipped := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				os.Exit(2)
			}
			if ev.readErr != nil {
				fmt.Fprintf(os.Stderr, "Read error: %v\n", ev.readErr)
				os.Exit(2)
			}
			if ev.decodeErr != nil || ev.packet.ValidateCRC() != tendon.Success {
				skipped++
				continue
			}
			p := ev.packet
			if skipped > 0 {
				fmt.Printf("(skipped %d invalid frames before sync)\n", skipped)
			}
			fmt.Printf("SUCCESS: Received valid frame\n")
			fmt.Printf("  Opcode: %s (0x%02X)\n", tendon.FormatOpcode(p.Opcode()), uint8(p.Opcode()))
			fmt.Printf("  Id: %d\n", p.ID())
			fmt.Printf("  Length: %d bytes\n", p.Length())
			fmt.Printf("  CRC: 0x%04X\n", p.CRC())
			return nil

		case <-timeout:
			fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
			os.Exit(1)
		}
	}
}
