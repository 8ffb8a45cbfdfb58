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

package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/eventbus"
	"github.com/tombee/rundispatch/internal/store"
)

func TestPublishDeliversToASubscriber(t *testing.T) {
	bus := eventbus.New(4, nil)
	sub := bus.Subscribe(eventbus.RunTopic("run-1"))
	defer sub.Close()

	bus.Publish(eventbus.RunTopic("run-1"), eventbus.Event{Kind: "run_event", Run: &store.RunEvent{RunID: "run-1"}})

	select {
	case evt := <-sub.C():
		require.Equal(t, "run_event", evt.Kind)
		require.Equal(t, "run-1", evt.Run.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	bus := eventbus.New(4, nil)
	sub := bus.Subscribe(eventbus.RunTopic("run-1"))
	defer sub.Close()

	bus.Publish(eventbus.RunTopic("run-2"), eventbus.Event{Kind: "run_event"})

	select {
	case <-sub.C():
		t.Fatal("received an event from a different topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOldestWhenBufferFullAndInvokesOnDrop(t *testing.T) {
	var dropped string
	bus := eventbus.New(1, func(topic string) { dropped = topic })
	sub := bus.Subscribe("t")

	bus.Publish("t", eventbus.Event{Kind: "first"})
	bus.Publish("t", eventbus.Event{Kind: "second"})

	require.Equal(t, "t", dropped)
	evt := <-sub.C()
	require.Equal(t, "second", evt.Kind)
}

func TestCloseUnregistersTheSubscription(t *testing.T) {
	bus := eventbus.New(4, nil)
	sub := bus.Subscribe("t")
	sub.Close()

	_, ok := <-sub.C()
	require.False(t, ok)

	// publishing after close must not panic even though no one is listening
	bus.Publish("t", eventbus.Event{Kind: "x"})
}

func TestShutdownClosesEveryLiveSubscription(t *testing.T) {
	bus := eventbus.New(4, nil)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	bus.Shutdown()

	_, okA := <-a.C()
	_, okB := <-b.C()
	require.False(t, okA)
	require.False(t, okB)
}
