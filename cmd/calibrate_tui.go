// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const anglePollInterval = 200 * time.Millisecond

var jogIncrements = []int{1, 5, 10}

// Calibration phases
const (
	phaseMaxAngle = iota
	phaseJog
	phaseFinished
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// calibrationResult records one finished actuator
type calibrationResult struct {
	id       uint8
	maxAngle int16
	goal     int
}

// calibrateModel is the Bubble Tea model for the calibration TUI
type calibrateModel struct {
	ctx      context.Context
	client   *tendon.Client
	connInfo string

	// Actuator being calibrated
	id       int
	last     int
	maxAngle int16
	goal     int
	incIdx   int
	angle    int16
	hasAngle bool

	phase      int
	maxInput   textinput.Model
	inputError string
	lastError  error
	busy       bool
	done       []calibrationResult

	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type calibrateTickMsg time.Time

type angleReadMsg struct {
	id    int
	angle int16
	err   error
}

// requestDoneMsg reports a request the model waits on
type requestDoneMsg struct {
	op  tendon.Opcode
	id  int
	err error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func newCalibrateModel(ctx context.Context, client *tendon.Client, connInfo string, first, count int) calibrateModel {
	ti := textinput.New()
	ti.Placeholder = "180"
	ti.CharLimit = 6
	ti.Width = 10
	ti.Focus()

	return calibrateModel{
		ctx:      ctx,
		client:   client,
		connInfo: connInfo,
		id:       first,
		last:     count - 1,
		phase:    phaseMaxAngle,
		maxInput: ti,
		width:    80,
		height:   24,
	}
}

//////////////////////////////////////////////////////////////
// Requests
//////////////////////////////////////////////////////////////

func (m calibrateModel) readAngleCmd() tea.Cmd {
	id := m.id
	return func() tea.Msg {
		angle, err := m.client.ReadAngle(m.ctx, uint8(id))
		return angleReadMsg{id: id, angle: angle, err: err}
	}
}

func (m calibrateModel) requestCmd(op tendon.Opcode, fn func(ctx context.Context, id uint8) error) tea.Cmd {
	id := m.id
	return func() tea.Msg {
		err := fn(m.ctx, uint8(id))
		if err != nil {
			logger.Warn("calibration request failed",
				zap.Int("id", id), zap.String("opcode", tendon.FormatOpcode(op)), zap.Error(err))
		}
		return requestDoneMsg{op: op, id: id, err: err}
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m calibrateModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, calibrateTickCmd())
}

func calibrateTickCmd() tea.Cmd {
	return tea.Tick(anglePollInterval, func(t time.Time) tea.Msg {
		return calibrateTickMsg(t)
	})
}

func (m calibrateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case calibrateTickMsg:
		if m.phase == phaseJog && !m.busy {
			return m, tea.Batch(m.readAngleCmd(), calibrateTickCmd())
		}
		return m, calibrateTickCmd()

	case angleReadMsg:
		if msg.id != m.id {
			return m, nil
		}
		if msg.err != nil {
			m.lastError = msg.err
			return m, nil
		}
		m.angle, m.hasAngle, m.lastError = msg.angle, true, nil

	case requestDoneMsg:
		return m.handleRequestDone(msg)
	}

	if m.phase == phaseMaxAngle {
		var cmd tea.Cmd
		m.maxInput, cmd = m.maxInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m calibrateModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	}

	switch m.phase {
	case phaseMaxAngle:
		if msg.Type == tea.KeyEnter {
			if m.busy {
				return m, nil
			}
			v, err := strconv.ParseInt(strings.TrimSpace(m.maxInput.Value()), 10, 16)
			if err != nil {
				m.inputError = "enter a whole number of degrees"
				m.maxInput.SetValue("")
				return m, nil
			}
			m.inputError = ""
			m.maxAngle = int16(v)
			m.busy = true
			deg := m.maxAngle
			return m, m.requestCmd(tendon.OpSetMaxAngle, func(ctx context.Context, id uint8) error {
				return m.client.SetMaxAngle(ctx, id, deg)
			})
		}
		var cmd tea.Cmd
		m.maxInput, cmd = m.maxInput.Update(msg)
		return m, cmd

	case phaseJog:
		if m.busy {
			return m, nil
		}
		switch msg.String() {
		case "left", "h":
			return m.jog(-jogIncrements[m.incIdx])
		case "right", "l":
			return m.jog(jogIncrements[m.incIdx])
		case "up", "k":
			m.incIdx = min(len(jogIncrements)-1, m.incIdx+1)
		case "down", "j":
			m.incIdx = max(0, m.incIdx-1)
		case "enter":
			m.busy = true
			return m, m.requestCmd(tendon.OpSetZeroAngle, m.client.SetZeroAngle)
		}

	case phaseFinished:
		if msg.String() == "enter" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// jog moves the goal by delta percent within 0..100 and reads the angle back
func (m calibrateModel) jog(delta int) (tea.Model, tea.Cmd) {
	m.goal = max(0, min(100, m.goal+delta))
	pct := uint8(m.goal)
	return m, tea.Sequence(
		m.requestCmd(tendon.OpWriteAngle, func(ctx context.Context, id uint8) error {
			return m.client.WriteAngle(ctx, id, pct)
		}),
		m.readAngleCmd(),
	)
}

func (m calibrateModel) handleRequestDone(msg requestDoneMsg) (tea.Model, tea.Cmd) {
	if msg.id != m.id {
		return m, nil
	}
	m.busy = false
	if msg.err != nil {
		m.lastError = msg.err
		return m, nil
	}
	m.lastError = nil

	switch msg.op {
	case tendon.OpSetMaxAngle:
		m.phase = phaseJog
		m.goal, m.incIdx, m.hasAngle = 0, 0, false
		m.maxInput.Blur()
		return m, m.readAngleCmd()

	case tendon.OpSetZeroAngle:
		m.done = append(m.done, calibrationResult{id: uint8(m.id), maxAngle: m.maxAngle, goal: m.goal})
		if m.id >= m.last {
			m.phase = phaseFinished
			return m, nil
		}
		m.id++
		m.phase = phaseMaxAngle
		m.maxInput.SetValue("")
		m.maxInput.Focus()
		return m, textinput.Blink
	}
	return m, nil
}

func (m calibrateModel) View() string {
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

	selectedStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("TENDONSTAT - CALIBRATION"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Connection: %s | Esc to quit", m.connInfo)))
	s.WriteString("\n\n")

	var help strings.Builder
	help.WriteString(labelStyle.Render("CONTROLS"))
	help.WriteString("\n")
	help.WriteString("left/right : move the goal by the selected increment\n")
	help.WriteString("up/down    : change the increment (1, 5, 10)\n")
	help.WriteString("enter      : set the current position as the zero angle")
	s.WriteString(boxStyle.Render(help.String()))
	s.WriteString("\n\n")

	var body strings.Builder
	switch m.phase {
	case phaseMaxAngle:
		body.WriteString(labelStyle.Render(fmt.Sprintf("Calibrating actuator %d (last is %d)", m.id, m.last)))
		body.WriteString("\n\n")
		body.WriteString("Maximum angle (degrees): ")
		body.WriteString(m.maxInput.View())
		if m.inputError != "" {
			body.WriteString("\n")
			body.WriteString(errorStyle.Render(m.inputError))
		}

	case phaseJog:
		body.WriteString(labelStyle.Render(fmt.Sprintf("Calibrating actuator %d (last is %d)", m.id, m.last)))
		body.WriteString("\n\n")
		body.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Max angle:"), valueStyle.Render(fmt.Sprintf("%d°", m.maxAngle))))
		body.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Goal:"), valueStyle.Render(fmt.Sprintf("%d%% of max", m.goal))))
		angle := "-"
		if m.hasAngle {
			angle = fmt.Sprintf("%d°", m.angle)
		}
		body.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Angle:"), valueStyle.Render(angle)))
		body.WriteString(labelStyle.Render("Increment:"))
		for i, inc := range jogIncrements {
			body.WriteString(" ")
			if i == m.incIdx {
				body.WriteString(selectedStyle.Render(fmt.Sprintf("[%d]", inc)))
			} else {
				body.WriteString(headerStyle.Render(fmt.Sprintf(" %d ", inc)))
			}
		}

	case phaseFinished:
		body.WriteString(valueStyle.Render("✓ Finished calibration"))
		body.WriteString("\n\n")
		for _, r := range m.done {
			body.WriteString(fmt.Sprintf("  actuator %d: max %d°\n", r.id, r.maxAngle))
		}
		body.WriteString(headerStyle.Render("Press Enter to exit"))
	}

	if m.lastError != nil {
		body.WriteString("\n\n")
		body.WriteString(errorStyle.Render("✗ " + m.lastError.Error()))
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(body.String()))

	return s.String()
}
