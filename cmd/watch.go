// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

var (
	watchRate      float64
	watchCount     int
	watchJump      int
	watchUseTUI    bool
	watchShowAll   bool
	watchStatsSecs int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll actuator angles and detect link errors",
	Long: `Poll every actuator's angle and status at a fixed rate.

Each poll cycle sends READ_ANGLE and READ_STATUS to every actuator. The
following are tracked and reported:
  - Timeouts and error replies (ID_ERROR, CRC_ERROR, ...)
  - CRC failures on received replies
  - Status changes (IDLE, DRIVING, AT_LIMIT, CALIBRATED)
  - Angle jumps larger than --jump degrees between two polls
  - Statistics and trends (frame rate, error rate)

The actuator count is found with a scan unless --count is given. In text mode
only events are printed; use --show-all to print every sample too.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Float64Var(&watchRate, "rate", 10, "Poll cycles per second")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Number of actuators (0 scans the board)")
	watchCmd.Flags().IntVar(&watchJump, "jump", 45, "Angle change between polls reported as a jump (degrees)")
	watchCmd.Flags().BoolVar(&watchUseTUI, "tui", true, "Use terminal UI (false for text mode)")
	watchCmd.Flags().BoolVar(&watchShowAll, "show-all", false, "Print every sample (text mode)")
	watchCmd.Flags().IntVar(&watchStatsSecs, "stats-interval", 10, "Statistics interval in seconds (text mode)")
}

//////////////////////////////////////////////////////////////
// Watch State
//////////////////////////////////////////////////////////////

// actuatorRow is the latest poll result for one actuator
type actuatorRow struct {
	id       uint8
	angle    int16
	status   uint8
	rtt      time.Duration
	err      error
	polls    uint64
	failures uint64
	seen     bool
}

// eventLogEntry is one line of the event log
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// watchState is shared between the poller, the frame hook and the display
type watchState struct {
	mu            sync.Mutex
	stats         *tendon.Statistics
	rows          []actuatorRow
	events        []eventLogEntry
	maxLogEntries int
	jump          int
}

func newWatchState(jump int) *watchState {
	return &watchState{
		stats:         tendon.NewStatistics(),
		maxLogEntries: 100,
		jump:          jump,
	}
}

// setCount sizes the rows before polling starts
func (w *watchState) setCount(count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = make([]actuatorRow, count)
	for i := range w.rows {
		w.rows[i].id = uint8(i)
	}
}

// frame records a received reply in the statistics
func (w *watchState) frame(p *tendon.Packet, outgoing bool) {
	if outgoing {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Update(p, nil)
}

// watchSample is the outcome of polling one actuator
type watchSample struct {
	id     uint8
	angle  int16
	status uint8
	rtt    time.Duration
	err    error
}

// apply folds a sample into the rows and returns the events it raised
func (w *watchState) apply(s watchSample) []eventLogEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := &w.rows[s.id]
	row.polls++
	var events []eventLogEntry
	now := time.Now()

	if s.err != nil {
		row.failures++
		if row.err == nil || row.err.Error() != s.err.Error() {
			events = append(events, eventLogEntry{now, describeWatchError(s.id, s.err), true})
		}
		row.err = s.err
		w.log(events)
		return events
	}

	if row.err != nil {
		events = append(events, eventLogEntry{now, fmt.Sprintf("id=%d answering again", s.id), false})
	}
	if row.seen && s.status != row.status {
		events = append(events, eventLogEntry{now, fmt.Sprintf("id=%d status %s -> %s",
			s.id, tendon.FormatStatus(row.status), tendon.FormatStatus(s.status)), false})
	}
	if row.seen && w.jump > 0 && math.Abs(float64(s.angle)-float64(row.angle)) >= float64(w.jump) {
		events = append(events, eventLogEntry{now, fmt.Sprintf("id=%d angle jumped %d -> %d",
			s.id, row.angle, s.angle), true})
	}

	row.angle, row.status, row.rtt, row.err, row.seen = s.angle, s.status, s.rtt, nil, true
	w.log(events)
	return events
}

// log appends events to the bounded event log. Caller holds mu.
func (w *watchState) log(events []eventLogEntry) {
	w.events = append(w.events, events...)
	if over := len(w.events) - w.maxLogEntries; over > 0 {
		w.events = w.events[over:]
	}
}

func describeWatchError(id uint8, err error) string {
	var re *tendon.ResultError
	switch {
	case errors.As(err, &re):
		return fmt.Sprintf("id=%d %s replied %s", id, tendon.FormatOpcode(re.Op), tendon.FormatResult(re.Result))
	case errors.Is(err, tendon.ErrNoResponse):
		return fmt.Sprintf("id=%d timeout", id)
	default:
		return fmt.Sprintf("id=%d %v", id, err)
	}
}

//////////////////////////////////////////////////////////////
// Poller
//////////////////////////////////////////////////////////////

// pollActuators polls every actuator once per limiter token and hands each
// sample to emit until ctx is done or the client closes
func pollActuators(ctx context.Context, client *tendon.Client, count int, limiter *rate.Limiter, emit func(watchSample)) error {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		for id := 0; id < count; id++ {
			start := time.Now()
			s := watchSample{id: uint8(id)}
			s.angle, s.err = client.ReadAngle(ctx, s.id)
			if s.err == nil {
				s.status, s.err = client.ReadStatus(ctx, s.id)
			}
			s.rtt = time.Since(start)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(s.err, tendon.ErrClientClosed) {
				return s.err
			}
			emit(s)
		}
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	state := newWatchState(watchJump)
	client, conn, connInfo, err := OpenClient(tendon.DefaultTimeout, state.frame)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	count := watchCount
	if count <= 0 {
		count, err = client.Scan(ctx, tendon.IDBroadcast)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("no actuators answered")
		}
	}
	if count > tendon.IDBroadcast {
		return fmt.Errorf("--count must be at most %d", tendon.IDBroadcast)
	}
	state.setCount(count)
	limiter := rate.NewLimiter(rate.Limit(watchRate), 1)
	logger.Debug("watching", zap.Int("actuators", count), zap.Float64("rate", watchRate))

	if watchUseTUI {
		return runWatchTUI(ctx, client, connInfo, state, limiter)
	}
	return runWatchText(ctx, client, connInfo, state, limiter)
}

// runWatchText prints events as they happen and a statistics summary every
// --stats-interval seconds
func runWatchText(ctx context.Context, client *tendon.Client, connInfo string, state *watchState, limiter *rate.Limiter) error {
	fmt.Printf("Tendonstat - Watch\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Actuators: %d | Rate: %.1f Hz\n", len(state.rows), watchRate)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	lastStats := time.Now()
	err := pollActuators(ctx, client, len(state.rows), limiter, func(s watchSample) {
		for _, ev := range state.apply(s) {
			printEvent(ev)
		}
		if watchShowAll && s.err == nil {
			fmt.Printf("[%s] id=%d angle=%d status=%s rtt=%v\n",
				time.Now().Format("15:04:05.000"), s.id, s.angle, tendon.FormatStatus(s.status), s.rtt.Round(time.Microsecond))
		}
		if watchStatsSecs > 0 && time.Since(lastStats) >= time.Duration(watchStatsSecs)*time.Second {
			lastStats = time.Now()
			state.mu.Lock()
			fmt.Printf("\n%s\n", state.stats)
			state.mu.Unlock()
		}
	})

	state.mu.Lock()
	fmt.Printf("\n%s", state.stats)
	state.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printEvent(ev eventLogEntry) {
	timestamp := ev.timestamp.Format("15:04:05.000")
	if ev.isError {
		fmt.Printf("[%s] \033[1;31mERROR:\033[0m %s\n", timestamp, ev.message)
		return
	}
	fmt.Printf("[%s] \033[1;33mEVENT:\033[0m %s\n", timestamp, ev.message)
}

// runWatchTUI runs the poller behind a bubbletea display
func runWatchTUI(ctx context.Context, client *tendon.Client, connInfo string, state *watchState, limiter *rate.Limiter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newWatchModel(connInfo, state), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		err := pollActuators(ctx, client, len(state.rows), limiter, func(s watchSample) {
			state.apply(s)
			p.Send(watchRefreshMsg{})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			p.Send(watchStoppedMsg{err: err})
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
