// Copyright 2025 The Loom Authors
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

// Package bus fans out run events in-process. Delivery is best-effort with
// per-subscriber bounded buffers; a slow subscriber loses events and gets
// a Lagged marker instead of blocking producers.
package bus

import (
	"sync"

	"github.com/loomctl/loom/internal/store"
)

// Event kinds published on the bus.
const (
	KindStepStarted       = "step_started"
	KindStepFinished      = "step_finished"
	KindApprovalRequested = "approval_requested"
	KindRunStatusChanged  = "run_status_changed"
)

// Message is one delivery to a subscriber. Either Event is set, or Lagged
// is non-zero and reports how many events the subscriber missed.
type Message struct {
	Event  *store.Event
	Lagged int
}

// Filter selects which events a subscriber receives. A zero filter
// matches everything.
type Filter struct {
	RunID string
}

func (f Filter) matches(e *store.Event) bool {
	return f.RunID == "" || f.RunID == e.RunID
}

// Subscription is one subscriber's handle.
type Subscription struct {
	bus    *Bus
	filter Filter
	ch     chan Message

	mu      sync.Mutex
	dropped int
	closed  bool
}

// C is the delivery channel. It closes on Cancel.
func (s *Subscription) C() <-chan Message { return s.ch }

// Cancel removes the subscription and closes the channel.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
}

// deliver queues one event without ever blocking. A full buffer drops the
// event; the loss is reported through a Lagged marker once space frees.
func (s *Subscription) deliver(e *store.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.dropped > 0 {
		// Try to flush the marker first so loss is reported in order.
		select {
		case s.ch <- Message{Lagged: s.dropped}:
			s.dropped = 0
		default:
			s.dropped++
			return
		}
	}

	select {
	case s.ch <- Message{Event: e}:
	default:
		s.dropped++
	}
}

// Bus is the in-process fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// New creates a bus with the given per-subscriber buffer size.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for events matching the filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan Message, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, present := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if !present {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()
}

// Publish fans the event out to every matching subscriber. Never blocks.
func (b *Bus) Publish(e *store.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.filter.matches(e) {
			sub.deliver(e)
		}
	}
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}
