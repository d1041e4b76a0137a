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

package service

import (
	"context"
	"sync"

	"github.com/binkynet/ServoWorker/pkg/service/objects"
)

// subscriber receives servo state events in order, on its own goroutine.
// Undelivered states are coalesced per servo, so a slow subscriber
// skips intermediate states but always gets the latest one.
type subscriber struct {
	mutex     sync.Mutex
	pending   []objects.ServoState // At most one state per servo
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe registers a callback that is invoked for every servo state
// change. Per servo, states are delivered in the order they were made and
// never older than a state delivered before. The callback runs on a single
// goroutine owned by the subscription. The returned function unsubscribes.
func (s *Service) Subscribe(cb func(objects.ServoState)) context.CancelFunc {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.eventsMutex.Lock()
	s.lastSubID++
	id := s.lastSubID
	s.subscribers[id] = sub
	s.eventsMutex.Unlock()

	go sub.run(cb)
	return func() {
		s.eventsMutex.Lock()
		delete(s.subscribers, id)
		s.eventsMutex.Unlock()
		sub.closeOnce.Do(func() { close(sub.done) })
	}
}

// dispatch is called by the pubsub for every published state.
// Pubsub calls arrive on separate goroutines, so a state can arrive
// after a newer state of the same servo. Such states are dropped.
func (s *Service) dispatch(state objects.ServoState) {
	s.eventsMutex.Lock()
	defer s.eventsMutex.Unlock()

	if last, found := s.lastSeqs[state.Name]; found && state.Seq <= last {
		staleEventsTotal.Inc()
		return
	}
	s.lastSeqs[state.Name] = state.Seq
	for _, sub := range s.subscribers {
		sub.push(state)
	}
}

// push queues the state, replacing an undelivered state of the same servo.
func (sub *subscriber) push(state objects.ServoState) {
	sub.mutex.Lock()
	replaced := false
	for i, p := range sub.pending {
		if p.Name == state.Name {
			sub.pending[i] = state
			replaced = true
			coalescedEventsTotal.Inc()
			break
		}
	}
	if !replaced {
		sub.pending = append(sub.pending, state)
	}
	sub.mutex.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
		// Already woken
	}
}

// run delivers queued states until unsubscribed.
func (sub *subscriber) run(cb func(objects.ServoState)) {
	for {
		select {
		case <-sub.wake:
			sub.mutex.Lock()
			states := sub.pending
			sub.pending = nil
			sub.mutex.Unlock()
			for _, state := range states {
				cb(state)
			}
		case <-sub.done:
			return
		}
	}
}
