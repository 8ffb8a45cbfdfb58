// Copyright 2025 Tom Barlow
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

// Package eventbus fans out per-run events to local observers. Delivery is
// best-effort and lossy: a slow observer may miss updates (a full buffer
// drops its oldest event), since the store (not the bus) is the canonical
// record.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/tombee/rundispatch/internal/store"
)

// DefaultBufferSize is the suggested per-subscriber buffer capacity.
const DefaultBufferSize = 256

// RunnersTopic is the topic observers subscribe to for runner
// registry-wide events (online/offline/busy transitions).
const RunnersTopic = "runners"

// RunTopic returns the topic name for a specific run's events.
func RunTopic(runID string) string { return "run:" + runID }

// Event is a unit of fan-out. Most Events wrap a store.RunEvent; Kind lets
// subscribers distinguish run-lifecycle events from ad-hoc runner-registry
// notices on the "runners" topic without a type assertion.
type Event struct {
	Topic string
	Kind  string // "run_event", "runner_status", "log"
	Run   *store.RunEvent
	Log   *store.RunLog
	Extra map[string]any
}

type subscriber struct {
	ch     chan Event
	closed atomic.Bool
}

// Subscription is a live handle to a topic's event stream.
type Subscription struct {
	topic string
	sub   *subscriber
	bus   *Bus
}

// C returns the channel to range over for delivered events.
func (s *Subscription) C() <-chan Event { return s.sub.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.topic, s.sub)
}

// DropHandler is invoked when a publish drops an event because a
// subscriber's buffer was full. Typically wired to a Prometheus counter.
type DropHandler func(topic string)

// Bus is the in-process event fan-out registry.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	bufferSize  int
	onDrop      DropHandler
}

// New constructs a Bus with the given per-subscriber buffer size. A zero
// size uses DefaultBufferSize.
func New(bufferSize int, onDrop DropHandler) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		bufferSize:  bufferSize,
		onDrop:      onDrop,
	}
}

// Subscribe registers a new listener for topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()
	return &Subscription{topic: topic, sub: sub, bus: b}
}

func (b *Bus) unsubscribe(topic string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == target {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			if !target.closed.Swap(true) {
				close(target.ch)
			}
			return
		}
	}
}

// Publish is non-blocking: it enqueues event into each subscriber's bounded
// buffer. If a buffer is full, the oldest queued event is dropped to make
// room (best-effort; the store remains the canonical record) and onDrop is
// invoked.
func (b *Bus) Publish(topic string, event Event) {
	event.Topic = topic
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		select {
		case s.ch <- event:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- event:
			default:
			}
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}
}

// Shutdown closes every live subscription. Safe to call once during
// process teardown.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, s := range subs {
			if !s.closed.Swap(true) {
				close(s.ch)
			}
		}
	}
	b.subscribers = make(map[string][]*subscriber)
}
