// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

var rawLogStatsInterval int

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display tendon protocol frames as they arrive.

Each frame is shown with timestamp, id, opcode and decoded parameters. Frames
failing the CRC check are flagged. A statistics summary is printed every
--stats-interval seconds and on exit.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().IntVar(&rawLogStatsInterval, "stats-interval", 0, "Statistics interval in seconds (0 disables)")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Tendonstat - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := tendon.NewStatistics()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Printf("\n%s", stats)
		conn.Close()
	}()

	var statsTick <-chan time.Time
	if rawLogStatsInterval > 0 {
		ticker := time.NewTicker(time.Duration(rawLogStatsInterval) * time.Second)
		defer ticker.Stop()
		statsTick = ticker.C
	}

	frames := make(chan frameEvent, 64)
	go readFrames(conn, frames)

	for {
		select {
		case <-statsTick:
			fmt.Printf("\n%s\n", stats)
		case ev, ok := <-frames:
			if !ok {
				return nil
			}
			if ev.readErr != nil {
				if errors.Is(ev.readErr, ErrConnectionClosed) || errors.Is(ev.readErr, io.EOF) {
					logger.Info("connection closed")
					return nil
				}
				return fmt.Errorf("read error: %w", ev.readErr)
			}
			stats.Update(ev.packet, ev.decodeErr)
			if ev.decodeErr != nil {
				fmt.Printf("[ERROR] %v\n", ev.decodeErr)
				continue
			}
			fmt.Print(tendon.FormatPacket(ev.packet))
			if ev.packet.ValidateCRC() != tendon.Success {
				fmt.Printf("  >>> CRC MISMATCH <<<\n")
			}
		}
	}
}

// frameEvent is one decoder outcome from readFrames
type frameEvent struct {
	packet    *tendon.Packet
	decodeErr error
	readErr   error
}

// readFrames decodes conn into events until the first read error, which is
// sent as the final event before the channel is closed
func readFrames(conn io.Reader, out chan<- frameEvent) {
	defer close(out)
	decoder := tendon.NewDecoder()
	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		for i := 0; i < n; i++ {
			packet, decodeErr := decoder.DecodeByte(buf[i])
			if decodeErr != nil || packet != nil {
				out <- frameEvent{packet: packet, decodeErr: decodeErr}
			}
		}
		if err != nil {
			logger.Debug("reader stopped", zap.Error(err))
			out <- frameEvent{readErr: err}
			return
		}
	}
}
