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
package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUntilCanceled(t *testing.T) {
	minRetryDelay = time.Millisecond
	defer func() { minRetryDelay = time.Millisecond * 250 }()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := UntilCanceled(ctx, zerolog.Nop(), "test", func() error {
		calls++
		if calls == 3 {
			cancel()
			return nil
		}
		return errors.New("failure")
	})
	if err != nil {
		t.Errorf("UntilCanceled returned %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestUntilCanceledNotCalledWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	UntilCanceled(ctx, zerolog.Nop(), "test", func() error {
		called = true
		return nil
	})
	if called {
		t.Error("Callback must not be called after cancel")
	}
}

func TestNextDelay(t *testing.T) {
	if d := nextDelay(time.Second); d != time.Millisecond*1500 {
		t.Errorf("nextDelay(1s) = %s", d)
	}
	if d := nextDelay(maxRetryDelay); d != maxRetryDelay {
		t.Errorf("nextDelay must not exceed %s, got %s", maxRetryDelay, d)
	}
}
