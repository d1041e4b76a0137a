// Copyright 2024 Ewout Prangsma
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

package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service"
)

const prompt = "> "

// Executor runs a command line.
type Executor interface {
	ExecuteLine(ctx context.Context, line string) (service.State, error)
}

// Prompt reads commands line by line and prints their result.
type Prompt struct {
	in       io.Reader
	out      io.Writer
	executor Executor
	log      zerolog.Logger
}

// New creates a prompt reading from in and writing to out.
func New(in io.Reader, out io.Writer, executor Executor, log zerolog.Logger) *Prompt {
	return &Prompt{
		in:       in,
		out:      out,
		executor: executor,
		log:      log.With().Str("component", "console").Logger(),
	}
}

// Run the prompt until the input is exhausted, "quit" is entered or the
// given context is canceled.
func (p *Prompt) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintf(p.out, "Type 'help' for a list of commands\n%s", prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						p.log.Warn().Err(err).Msg("Failed to read input")
						return err
					}
				default:
				}
				return nil
			}
			if !p.handleLine(ctx, line) {
				return nil
			}
			fmt.Fprint(p.out, prompt)
		}
	}
}

// handleLine executes a single line.
// Returns false when the prompt must stop.
func (p *Prompt) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return true
	case "quit", "exit":
		return false
	case "help", "?":
		fmt.Fprint(p.out, service.Usage())
		fmt.Fprintln(p.out, "help")
		fmt.Fprintln(p.out, "quit")
		return true
	}
	state, err := p.executor.ExecuteLine(ctx, line)
	if err != nil {
		fmt.Fprintf(p.out, "Error: %v\n", err)
		return true
	}
	fmt.Fprint(p.out, FormatState(state))
	return true
}

// FormatState renders the state as a table.
func FormatState(state service.State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "frequency %.4f Hz\n", state.Frequency)
	for _, s := range state.Servos {
		fmt.Fprintf(&sb, "%-12s ch%-2d %-10s ", s.Name, s.Channel, s.Mode)
		if s.Mode.IsAngle() {
			fmt.Fprintf(&sb, "angle %6.1f°", s.Angle)
		} else {
			fmt.Fprintf(&sb, "speed %6.1f ", s.Direction)
		}
		if s.PulseWidth > 0 {
			fmt.Fprintf(&sb, "  pulse %6.1fµs\n", s.PulseWidth)
		} else {
			sb.WriteString("  off\n")
		}
	}
	for _, j := range state.Joints {
		fmt.Fprintf(&sb, "%-12s joint (%s, %s) = (%.1f°, %.1f°)\n", j.Name, j.X, j.Y, j.AngleX, j.AngleY)
	}
	return sb.String()
}
