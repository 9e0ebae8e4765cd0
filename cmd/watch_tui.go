// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// watchModel renders a watchState
type watchModel struct {
	connInfo string
	state    *watchState
	width    int
	height   int
	quitting bool
	stopped  error
}

// Messages
type watchTickMsg time.Time
type watchRefreshMsg struct{}
type watchStoppedMsg struct {
	err error
}

func newWatchModel(connInfo string, state *watchState) watchModel {
	return watchModel{
		connInfo: connInfo,
		state:    state,
		width:    80,
		height:   24,
	}
}

func (m watchModel) Init() tea.Cmd {
	return watchTickCmd()
}

func watchTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.state.mu.Lock()
			m.state.stats.Reset()
			m.state.mu.Unlock()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case watchTickMsg:
		m.state.mu.Lock()
		m.state.stats.CalculateRates()
		m.state.mu.Unlock()
		return m, watchTickCmd()

	case watchStoppedMsg:
		m.stopped = msg.err
	}

	return m, nil
}

func (m watchModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	stats := m.state.stats

	var s strings.Builder
	s.WriteString(titleStyle.Render("TENDONSTAT - WATCH"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %d actuators @ %.1f Hz | 'r' resets stats, 'q' quits",
		m.connInfo, len(m.state.rows), watchRate)))
	s.WriteString("\n\n")

	if m.stopped != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Polling stopped: %v", m.stopped)))
		s.WriteString("\n\n")
	}

	// Statistics
	var validPercent float64
	if stats.TotalFrames > 0 {
		validPercent = float64(stats.ValidFrames) * 100.0 / float64(stats.TotalFrames)
	}
	errorCount := stats.CRCErrors + stats.FramingErrors + stats.ErrorReplies

	var statsContent strings.Builder
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Replies:"), valueStyle.Render(fmt.Sprintf("%d", stats.TotalFrames)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", stats.ValidFrames, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d", errorCount)),
	))
	if stats.CRCErrors > 0 || stats.ErrorReplies > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", stats.CRCErrors)),
			labelStyle.Render("Error Replies:"), errorStyle.Render(fmt.Sprintf("%d", stats.ErrorReplies)),
		))
	}
	errorRate := valueStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
	if stats.ErrorRate > 0 {
		errorRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Frame Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", stats.FrameRate)),
		labelStyle.Render("Error Rate:"), errorRate,
	))
	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Actuators
	s.WriteString(labelStyle.Render("Actuators:"))
	s.WriteString("\n")
	var table strings.Builder
	table.WriteString(headerStyle.Render(fmt.Sprintf("%-4s %7s  %-26s %10s %8s", "ID", "ANGLE", "STATUS", "RTT", "FAILS")))
	for _, row := range m.state.rows {
		table.WriteString("\n")
		switch {
		case row.err != nil:
			table.WriteString(errorStyle.Render(fmt.Sprintf("%-4d %7s  %-26s %10s %8d",
				row.id, "-", describeWatchError(row.id, row.err), "-", row.failures)))
		case !row.seen:
			table.WriteString(headerStyle.Render(fmt.Sprintf("%-4d %7s  %-26s", row.id, "-", "waiting")))
		default:
			line := fmt.Sprintf("%-4d %7d  %-26s %10v %8d",
				row.id, row.angle, tendon.FormatStatus(row.status), row.rtt.Round(time.Microsecond), row.failures)
			if row.status&tendon.StatusAtLimit != 0 {
				table.WriteString(warningStyle.Render(line))
			} else {
				table.WriteString(valueStyle.Render(line))
			}
		}
	}
	s.WriteString(boxStyle.Render(table.String()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - len(m.state.rows) - 16
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.state.events) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	var logContent strings.Builder
	if len(m.state.events) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.state.events[startIdx:] {
		timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
		if entry.isError {
			logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
