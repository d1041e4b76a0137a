// Copyright 2023 Ewout Prangsma
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Author Ewout Prangsma
//
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/binkynet/ServoWorker/pkg/service"
)

const (
	refreshInterval = time.Second
	commandTimeout  = time.Second * 5
	maxLogLines     = 8
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	logStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Service is the part of the servo service used by the UI.
type Service interface {
	ExecuteLine(ctx context.Context, line string) (service.State, error)
	States() service.State
	StartedAt() time.Time
}

// LogSource provides the most recent log lines.
type LogSource interface {
	Tail(n int) []string
}

// Root is the model of the servo console.
type Root struct {
	service Service
	logs    LogSource
	term    string
	width   int
	height  int

	input  textinput.Model
	state  service.State
	result string
	err    error
}

var _ tea.Model = Root{}

// NewRoot creates a new console model.
func NewRoot(svc Service, logs LogSource, term string) Root {
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "angle <servo> <degree>"
	input.CharLimit = 128
	input.Focus()
	return Root{
		service: svc,
		logs:    logs,
		term:    term,
		input:   input,
		state:   svc.States(),
	}
}

// Init is the first function that will be called. It returns an optional
// initial command. To not perform an initial command return nil.
func (r Root) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, doRefresh())
}

// Update is called when a message is received. Use it to inspect messages
// and, in response, update the model and/or send a command.
func (r Root) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		r.state = r.service.States()
		return r, doRefresh()
	case resultMsg:
		r.err = msg.err
		if msg.err == nil {
			r.state = msg.state
			r.result = msg.line
		} else {
			r.result = ""
		}
		return r, nil
	case tea.WindowSizeMsg:
		r.height = msg.Height
		r.width = msg.Width
		r.input.Width = msg.Width - len(r.input.Prompt) - 1
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return r, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(r.input.Value())
			r.input.SetValue("")
			switch strings.ToLower(line) {
			case "":
				return r, nil
			case "q", "quit", "exit":
				return r, tea.Quit
			}
			return r, r.execute(line)
		}
	}

	var cmd tea.Cmd
	r.input, cmd = r.input.Update(msg)
	return r, cmd
}

// View renders the program's UI, which is just a string. The view is
// rendered after every Update.
func (r Root) View() string {
	var sb strings.Builder
	sb.WriteString(r.headerView())
	sb.WriteString("\n\n")
	sb.WriteString(r.servosView())
	if len(r.state.Joints) > 0 {
		sb.WriteString("\n")
		sb.WriteString(r.jointsView())
	}
	sb.WriteString("\n")
	switch {
	case r.err != nil:
		sb.WriteString(errorStyle.Render("Error: " + r.err.Error()))
	case r.result != "":
		sb.WriteString(okStyle.Render("OK: " + r.result))
	}
	sb.WriteString("\n")
	sb.WriteString(r.input.View())
	sb.WriteString("\n\n")
	sb.WriteString(r.logView())
	return sb.String()
}

func (r Root) headerView() string {
	uptime := "not started"
	if startedAt := r.service.StartedAt(); !startedAt.IsZero() {
		uptime = "started " + humanize.Time(startedAt)
	}
	return lipgloss.JoinHorizontal(lipgloss.Left,
		titleStyle.Render("Servo worker"),
		fmt.Sprintf("  %.2f Hz  %s", r.state.Frequency, uptime),
	)
}

func (r Root) servosView() string {
	rows := []string{headerStyle.Render(fmt.Sprintf("%-12s %-4s %-10s %-8s %s", "SERVO", "CH", "MODE", "POSITION", "PULSE"))}
	for _, s := range r.state.Servos {
		position := fmt.Sprintf("%.1f°", s.Angle)
		if !s.Mode.IsAngle() {
			position = fmt.Sprintf("%+.0f%%", s.Direction)
		}
		pulse := offStyle.Render("off")
		if s.PulseWidth > 0 {
			pulse = fmt.Sprintf("%.0fµs", s.PulseWidth)
		}
		rows = append(rows, fmt.Sprintf("%-12s %-4d %-10s %-8s %s", s.Name, s.Channel, s.Mode, position, pulse))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (r Root) jointsView() string {
	rows := []string{headerStyle.Render(fmt.Sprintf("%-12s %s", "JOINT", "X / Y"))}
	for _, j := range r.state.Joints {
		rows = append(rows, fmt.Sprintf("%-12s %s=%.1f° %s=%.1f°", j.Name, j.X, j.AngleX, j.Y, j.AngleY))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (r Root) logView() string {
	if r.logs == nil {
		return ""
	}
	n := maxLogLines
	if r.height > 0 {
		used := lipgloss.Height(r.headerView()) + len(r.state.Servos) + len(r.state.Joints) + 8
		if free := r.height - used; free < n {
			n = free
		}
	}
	if n <= 0 {
		return ""
	}
	lines := r.logs.Tail(n)
	if r.width > 0 {
		for i, l := range lines {
			if len(l) > r.width {
				lines[i] = l[:r.width]
			}
		}
	}
	return logStyle.Render(strings.Join(lines, "\n"))
}

// execute the given line outside of the update loop.
func (r Root) execute(line string) tea.Cmd {
	svc := r.service
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		state, err := svc.ExecuteLine(ctx, line)
		return resultMsg{line: line, state: state, err: err}
	}
}

type resultMsg struct {
	line  string
	state service.State
	err   error
}

type refreshMsg time.Time

func doRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}
