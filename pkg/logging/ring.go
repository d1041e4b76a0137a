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

package logging

import (
	"strings"
	"sync"
)

// RingWriter keeps the most recent log lines in memory.
type RingWriter struct {
	mutex sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRingWriter returns a writer that keeps the last size lines.
func NewRingWriter(size int) *RingWriter {
	if size < 1 {
		size = 1
	}
	return &RingWriter{lines: make([]string, size)}
}

// Write adds the given log record(s) to the ring.
func (r *RingWriter) Write(p []byte) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		r.lines[r.next] = line
		r.next++
		if r.next == len(r.lines) {
			r.next = 0
			r.full = true
		}
	}
	return len(p), nil
}

// Lines returns the buffered lines, oldest first.
func (r *RingWriter) Lines() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	result := make([]string, 0, len(r.lines))
	result = append(result, r.lines[r.next:]...)
	return append(result, r.lines[:r.next]...)
}

// Tail returns at most n of the most recent lines, oldest first.
func (r *RingWriter) Tail(n int) []string {
	lines := r.Lines()
	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
