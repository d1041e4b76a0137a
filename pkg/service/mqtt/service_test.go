// Copyright 2021 Ewout Prangsma
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

package mqtt

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service"
	"github.com/binkynet/ServoWorker/pkg/service/devices"
	"github.com/binkynet/ServoWorker/pkg/service/objects"
)

type recordingExecutor struct {
	mutex sync.Mutex
	lines []string
	err   error
}

func (e *recordingExecutor) ExecuteLine(ctx context.Context, line string) (service.State, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.lines = append(e.lines, line)
	return service.State{}, e.err
}

func (e *recordingExecutor) States() service.State {
	return service.State{}
}

func (e *recordingExecutor) Subscribe(cb func(objects.ServoState)) context.CancelFunc {
	return func() {}
}

func newTestService(t *testing.T, executor Executor) *Service {
	t.Helper()
	s, err := NewService(Config{
		Broker:      "tcp://localhost:1883",
		TopicPrefix: "servoworker/",
		ClientID:    "test",
	}, executor, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return s
}

func TestNewServiceInvalid(t *testing.T) {
	if _, err := NewService(Config{TopicPrefix: "x"}, &recordingExecutor{}, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing broker")
	}
	if _, err := NewService(Config{Broker: "tcp://localhost:1883", TopicPrefix: "/"}, &recordingExecutor{}, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing topic prefix")
	}
}

func TestCommandForMessage(t *testing.T) {
	s := newTestService(t, &recordingExecutor{})
	tests := []struct {
		topic   string
		payload string
		line    string
		ok      bool
	}{
		{"servoworker/command", "angle pan 45", "angle pan 45", true},
		{"servoworker/command", " status\n", "status", true},
		{"servoworker/pan/set", "45", "set pan 45", true},
		{"servoworker/pan/set", " -12.5 ", "set pan -12.5", true},
		{"servoworker/wheel/set", "speed 50", "speed wheel 50", true},
		{"servoworker/wheel/set", "stop", "stop wheel", true},
		{"servoworker/pan/set", "", "", false},
		{"servoworker/pan/state", "{}", "", false},
		{"servoworker/a/b/set", "45", "", false},
		{"other/pan/set", "45", "", false},
		{"servoworker//set", "45", "", false},
	}
	for _, test := range tests {
		line, ok := s.CommandForMessage(test.topic, test.payload)
		if line != test.line || ok != test.ok {
			t.Errorf("CommandForMessage(%q, %q) = %q, %v; expected %q, %v", test.topic, test.payload, line, ok, test.line, test.ok)
		}
	}
}

func TestHandleMessage(t *testing.T) {
	executor := &recordingExecutor{}
	s := newTestService(t, executor)
	ctx := context.Background()

	s.handleMessage(ctx, "servoworker/pan/set", []byte("90"))
	s.handleMessage(ctx, "servoworker/pan/state", []byte("{}"))
	executor.err = devices.BusError
	s.handleMessage(ctx, "servoworker/command", []byte("angle tilt 10"))

	if len(executor.lines) != 2 || executor.lines[0] != "set pan 90" || executor.lines[1] != "angle tilt 10" {
		t.Errorf("Executed %v", executor.lines)
	}
}

func TestStateTopic(t *testing.T) {
	s := newTestService(t, &recordingExecutor{})
	if topic := s.StateTopic("pan"); topic != "servoworker/pan/state" {
		t.Errorf("StateTopic = %s", topic)
	}
	if topic := s.LogTopic(); topic != "servoworker/log" {
		t.Errorf("LogTopic = %s", topic)
	}
	if err := s.Publish(context.Background(), "servoworker/log", "x"); err == nil {
		t.Error("Expected Publish to fail when not connected")
	}
}
