// Copyright 2022 Ewout Prangsma
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

package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/config"
	"github.com/binkynet/ServoWorker/pkg/service/bridge"
	"github.com/binkynet/ServoWorker/pkg/service/devices"
	"github.com/binkynet/ServoWorker/pkg/service/objects"
)

type testService struct {
	*Service
	bridge *bridge.VirtualBridge
	regs   *bridge.RegisterFile
}

func testConfig() config.Config {
	var c config.Config
	c.Servos = []config.ServoConfig{
		{Name: "pan", Channel: 0},
		{Name: "tilt", Channel: 1, Mode: "relative"},
		{Name: "wheel", Channel: 2, Mode: "continuous"},
		{Name: "lift", Channel: 3, Mode: "relative"},
	}
	c.Joints = []config.JointConfig{
		{Name: "shoulder", X: "tilt", Y: "lift"},
	}
	c.ApplyDefaults()
	return c
}

func newTestService(t *testing.T, c config.Config) testService {
	t.Helper()
	br := bridge.NewVirtualBridge()
	regs := devices.NewSimulatedPCA9685()
	br.Attach(devices.DefaultAddress, regs)
	svc, err := NewService(Config{c}, Dependencies{Logger: zerolog.Nop(), Bridge: br})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return testService{Service: svc, bridge: br, regs: regs}
}

func startTestService(t *testing.T) testService {
	t.Helper()
	ts := newTestService(t, testConfig())
	if err := ts.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { ts.Shutdown(context.Background()) })
	return ts
}

// offLevel returns the off level of the given channel in the simulated chip.
func (ts testService) offLevel(ch int) uint16 {
	base := uint8(0x06 + 4*ch)
	return uint16(ts.regs.Register(base+2)) | uint16(ts.regs.Register(base+3)&0x1F)<<8
}

func TestStartDefaultConfig(t *testing.T) {
	ts := newTestService(t, config.Default())
	if err := ts.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ts.Shutdown(context.Background())

	state := ts.States()
	if len(state.Servos) != 16 {
		t.Errorf("Expected 16 servos, got %d", len(state.Servos))
	}
	if math.Abs(state.Frequency-50.0288) > 0.001 {
		t.Errorf("Frequency = %v, expected about 50.0288", state.Frequency)
	}
	if p := ts.regs.Register(0xFE); p != 121 {
		t.Errorf("PRESCALE = %d, expected 121", p)
	}
	// No pulses before the first command
	for ch := 0; ch < 16; ch++ {
		if off := ts.offLevel(ch); off != 4096 {
			t.Errorf("channel %d: off = %d, expected full off", ch, off)
		}
	}
}

func TestStartConfiguredFrequency(t *testing.T) {
	c := testConfig()
	c.Frequency = 60
	ts := newTestService(t, c)
	if err := ts.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ts.Shutdown(context.Background())
	if p := ts.regs.Register(0xFE); p != 101 {
		t.Errorf("PRESCALE = %d, expected 101", p)
	}
}

func TestStartWithoutChip(t *testing.T) {
	br := bridge.NewVirtualBridge()
	svc, err := NewService(Config{testConfig()}, Dependencies{Logger: zerolog.Nop(), Bridge: br})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if err := svc.Start(context.Background()); !devices.IsDevice(err) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}
	if _, red := br.LEDs(); !red {
		t.Error("Expected red led to be on")
	}
	if _, err := svc.ExecuteLine(context.Background(), "angle pan 10"); !IsNotStarted(err) {
		t.Errorf("Expected NotStartedError, got %v", err)
	}
}

// unavailableBusBridge is a bridge whose I2C bus cannot be opened.
type unavailableBusBridge struct {
	*bridge.VirtualBridge
}

func (unavailableBusBridge) I2CBus() (bridge.I2CBus, error) {
	return nil, errors.New("i2c bus /dev/i2c-1 not available")
}

func TestStartWithoutBus(t *testing.T) {
	br := unavailableBusBridge{bridge.NewVirtualBridge()}
	svc, err := NewService(Config{testConfig()}, Dependencies{Logger: zerolog.Nop(), Bridge: br})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	err = svc.Start(context.Background())
	if !devices.IsDevice(err) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}
	if !strings.Contains(err.Error(), "/dev/i2c-1 not available") {
		t.Errorf("Expected cause in error message, got %q", err.Error())
	}
	if _, red := br.LEDs(); !red {
		t.Error("Expected red led to be on")
	}
}

func TestNewServiceInvalid(t *testing.T) {
	if _, err := NewService(Config{testConfig()}, Dependencies{Logger: zerolog.Nop()}); !devices.IsInvalidInput(err) {
		t.Errorf("Missing bridge: expected InvalidInputError, got %v", err)
	}
	c := testConfig()
	c.Servos[1].Channel = 0
	if _, err := NewService(Config{c}, Dependencies{Logger: zerolog.Nop(), Bridge: bridge.NewVirtualBridge()}); !devices.IsInvalidInput(err) {
		t.Errorf("Duplicate channel: expected InvalidInputError, got %v", err)
	}
}

func TestExecuteAngle(t *testing.T) {
	ts := startTestService(t)
	ctx := context.Background()

	state, err := ts.ExecuteLine(ctx, "angle pan 90")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if off := ts.offLevel(0); off != 297 {
		t.Errorf("off = %d, expected 297", off)
	}
	if state.Servos[0].Angle != 90 || math.Abs(state.Servos[0].PulseWidth-1450) > 1e-9 {
		t.Errorf("Unexpected state %+v", state.Servos[0])
	}
	// By channel number
	if _, err := ts.ExecuteLine(ctx, "angle 0 0"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if s, _ := ts.Servo("pan"); s.Angle() != 0 {
		t.Errorf("Angle = %v, expected 0", s.Angle())
	}
}

func TestExecuteServoCommands(t *testing.T) {
	ts := startTestService(t)
	ctx := context.Background()

	steps := []struct {
		line  string
		check func() bool
	}{
		{"move tilt 30", func() bool { s, _ := ts.Servo("tilt"); return s.Angle() == 120 }},
		{"speed wheel -100", func() bool { return ts.offLevel(2) == 102 }},
		{"stop wheel", func() bool { s, _ := ts.Servo("wheel"); return s.Direction() == 0 }},
		{"rate pan 100", func() bool { s, _ := ts.Servo("pan"); return math.Abs(s.State().PulseWidth-2400) < 1e-9 }},
		{"set pan 180", func() bool { s, _ := ts.Servo("pan"); return s.Angle() == 180 }},
		{"release pan", func() bool { return ts.offLevel(0) == 4096 }},
		{"joint shoulder 10 20", func() bool { s, _ := ts.Joint("shoulder"); x, y := s.Angles(); return x == 10 && y == 20 }},
		{"nudge shoulder 5 -5", func() bool { s, _ := ts.Joint("shoulder"); x, y := s.Angles(); return x == 15 && y == 15 }},
		{"duty 5 50", func() bool { return ts.offLevel(5) == 2048 }},
		{"pulse 6 1000", func() bool { return ts.offLevel(6) == 205 }},
		{"freq 60", func() bool { return ts.regs.Register(0xFE) == 101 }},
		{"status", func() bool { return true }},
	}
	for _, step := range steps {
		if _, err := ts.ExecuteLine(ctx, step.line); err != nil {
			t.Fatalf("%s failed: %v", step.line, err)
		}
		if !step.check() {
			t.Errorf("%s: unexpected result", step.line)
		}
	}
}

func TestExecuteErrors(t *testing.T) {
	ts := startTestService(t)
	ctx := context.Background()

	if _, err := ts.ExecuteLine(ctx, "angle nope 10"); !IsNotFound(err) {
		t.Errorf("Unknown servo: expected NotFoundError, got %v", err)
	}
	if _, err := ts.ExecuteLine(ctx, "angle 9 10"); !IsNotFound(err) {
		t.Errorf("Channel without servo: expected NotFoundError, got %v", err)
	}
	if _, err := ts.ExecuteLine(ctx, "joint nope 10 10"); !IsNotFound(err) {
		t.Errorf("Unknown joint: expected NotFoundError, got %v", err)
	}
	if _, err := ts.ExecuteLine(ctx, "speed pan 10"); !devices.IsInvalidInput(err) {
		t.Errorf("Mode mismatch: expected InvalidInputError, got %v", err)
	}
	if _, err := ts.ExecuteLine(ctx, "freq 5000"); !devices.IsInvalidInput(err) {
		t.Errorf("Frequency: expected InvalidInputError, got %v", err)
	}
	if _, red := ts.bridge.LEDs(); red {
		t.Error("Red led must stay off for invalid input")
	}
}

func TestExecuteBusErrorDropsCommand(t *testing.T) {
	ts := startTestService(t)
	ctx := context.Background()

	if _, err := ts.ExecuteLine(ctx, "angle pan 45"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	ts.regs.FailWrites(errors.New("nack"))
	if _, err := ts.ExecuteLine(ctx, "angle pan 135"); !devices.IsBus(err) {
		t.Fatalf("Expected BusError, got %v", err)
	}
	if _, red := ts.bridge.LEDs(); !red {
		t.Error("Expected red led to be on after a bus error")
	}
	if s, _ := ts.Servo("pan"); s.Angle() != 45 {
		t.Errorf("Angle = %v, expected 45", s.Angle())
	}

	// The service keeps running
	ts.regs.FailWrites(nil)
	if _, err := ts.ExecuteLine(ctx, "angle pan 135"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, red := ts.bridge.LEDs(); red {
		t.Error("Expected red led to be off after a successful command")
	}
}

func TestSubscribe(t *testing.T) {
	ts := startTestService(t)
	events := make(chan objects.ServoState, 10)
	cancel := ts.Subscribe(func(state objects.ServoState) {
		events <- state
	})
	defer cancel()

	if _, err := ts.ExecuteLine(context.Background(), "angle pan 30"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	select {
	case state := <-events:
		if state.Name != "pan" || state.Angle != 30 {
			t.Errorf("Unexpected event %+v", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No state event received")
	}
}

func TestSubscribeInOrder(t *testing.T) {
	ts := startTestService(t)
	var mutex sync.Mutex
	var received []objects.ServoState
	cancel := ts.Subscribe(func(state objects.ServoState) {
		mutex.Lock()
		defer mutex.Unlock()
		received = append(received, state)
	})
	defer cancel()

	const count = 100
	for i := 1; i <= count; i++ {
		if _, err := ts.ExecuteLine(context.Background(), fmt.Sprintf("angle pan %d", i)); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		n := len(received)
		last := objects.ServoState{}
		if n > 0 {
			last = received[n-1]
		}
		mutex.Unlock()
		if last.Angle == count {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Last received angle is %v, expected %d", last.Angle, count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mutex.Lock()
	defer mutex.Unlock()
	for i := 1; i < len(received); i++ {
		prev, cur := received[i-1], received[i]
		if cur.Seq <= prev.Seq || cur.Angle <= prev.Angle {
			t.Errorf("Event %d (seq %d, angle %v) arrived after seq %d, angle %v",
				i, cur.Seq, cur.Angle, prev.Seq, prev.Angle)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	ts := startTestService(t)
	first := make(chan objects.ServoState, 10)
	second := make(chan objects.ServoState, 10)
	cancelFirst := ts.Subscribe(func(state objects.ServoState) { first <- state })
	cancelSecond := ts.Subscribe(func(state objects.ServoState) { second <- state })
	defer cancelSecond()
	cancelFirst()
	cancelFirst()

	if _, err := ts.ExecuteLine(context.Background(), "angle pan 40"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	select {
	case state := <-second:
		if state.Angle != 40 {
			t.Errorf("Unexpected event %+v", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Remaining subscriber received no event")
	}
	select {
	case state := <-first:
		t.Errorf("Unsubscribed callback received %+v", state)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDetectDevices(t *testing.T) {
	ts := startTestService(t)
	addrs, err := ts.DetectDevices()
	if err != nil {
		t.Fatalf("DetectDevices failed: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != 0x40 {
		t.Errorf("DetectDevices = %v, expected [0x40]", addrs)
	}
}

func TestShutdown(t *testing.T) {
	ts := startTestService(t)
	ctx := context.Background()
	if _, err := ts.ExecuteLine(ctx, "pulse all 1500"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := ts.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := ts.Shutdown(ctx); err != nil {
		t.Errorf("Second Shutdown failed: %v", err)
	}
	for ch := 0; ch < 16; ch++ {
		if off := ts.offLevel(ch); off != 4096 {
			t.Errorf("channel %d: off = %d, expected full off", ch, off)
		}
	}
	if _, err := ts.ExecuteLine(ctx, "angle pan 10"); !devices.IsClosed(err) {
		t.Errorf("Expected ClosedError, got %v", err)
	}
}

func TestRun(t *testing.T) {
	ts := newTestService(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if green, _ := ts.bridge.LEDs(); green {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected green led to blink while running")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := ts.ExecuteLine(context.Background(), "angle pan 10"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if ts.offLevel(0) != 4096 {
		t.Error("Expected outputs to be off after Run returned")
	}
	if green, _ := ts.bridge.LEDs(); green {
		t.Error("Expected green led off after Run returned")
	}
}

func TestRunStartFailure(t *testing.T) {
	br := bridge.NewVirtualBridge()
	svc, _ := NewService(Config{testConfig()}, Dependencies{Logger: zerolog.Nop(), Bridge: br})
	if err := svc.Run(context.Background()); !devices.IsDevice(err) {
		t.Errorf("Expected DeviceError, got %v", err)
	}
	if !br.IsClosed() {
		t.Error("Expected bridge to be closed after Run returned")
	}
}

func TestRunClosesBridgeAfterBusError(t *testing.T) {
	ts := newTestService(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if green, _ := ts.bridge.LEDs(); green {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected green led to blink while running")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ts.regs.FailWrites(errors.New("nack"))
	if _, err := ts.ExecuteLine(context.Background(), "angle pan 10"); !devices.IsBus(err) {
		t.Fatalf("Expected BusError, got %v", err)
	}
	if _, red := ts.bridge.LEDs(); !red {
		t.Fatal("Expected red led on after a bus error")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if green, red := ts.bridge.LEDs(); green || red {
		t.Errorf("Expected both leds off after Run returned, got green=%v red=%v", green, red)
	}
	if !ts.bridge.IsClosed() {
		t.Error("Expected bridge to be closed after Run returned")
	}
}
