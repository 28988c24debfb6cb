package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/regionmesh/regiond/internal/projection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeEvent(i int) projection.ClientEvent {
	return projection.ClientEvent{
		Type: projection.ClientNodeUpdated,
		Node: &projection.NodeProjection{Node: projection.Node{ID: fmt.Sprintf("node-%d", i)}},
	}
}

func drain(sub *Subscription) []projection.ClientEvent {
	var events []projection.ClientEvent
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestHubPublishOrder(t *testing.T) {
	hub := NewHub(0, nil)
	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Publish([]projection.ClientEvent{nodeEvent(1), nodeEvent(2), nodeEvent(3)})

	for _, sub := range []*Subscription{a, b} {
		events := drain(sub)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, fmt.Sprintf("node-%d", i+1), ev.Node.ID)
		}
	}
}

func TestHubSlowSubscriberIsolation(t *testing.T) {
	hub := NewHub(DefaultBufferSize, nil)
	slow := hub.Subscribe()
	fast := hub.Subscribe()

	const total = DefaultBufferSize + 8

	done := make(chan struct{})
	var received []projection.ClientEvent
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			hub.Publish([]projection.ClientEvent{nodeEvent(i)})
			received = append(received, <-fast.C())
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a subscriber that stopped reading")
	}

	require.Len(t, received, total)
	assert.Zero(t, fast.Dropped())

	queued := drain(slow)
	require.Len(t, queued, DefaultBufferSize)
	assert.Equal(t, uint64(total-DefaultBufferSize), slow.Dropped())
	assert.Equal(t, "node-8", queued[0].Node.ID, "oldest events are the ones dropped")
	assert.Equal(t, fmt.Sprintf("node-%d", total-1), queued[len(queued)-1].Node.ID)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(4, nil)
	a := hub.Subscribe()
	b := hub.Subscribe()
	require.Equal(t, 2, hub.Len())

	a.Close()
	a.Close()
	assert.Equal(t, 1, hub.Len())

	_, ok := <-a.C()
	assert.False(t, ok, "closed subscription channel should be closed")

	hub.Publish([]projection.ClientEvent{nodeEvent(1)})
	assert.Len(t, drain(b), 1)

	hub.Close()
	_, ok = <-b.C()
	assert.False(t, ok)
	assert.Zero(t, hub.Len())

	late := hub.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing to a closed hub yields a closed subscription")
}

type recordingSink struct {
	failAfter int
	sent      []projection.ClientEvent
}

func (s *recordingSink) Send(_ context.Context, ev projection.ClientEvent) error {
	if s.failAfter >= 0 && len(s.sent) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.sent = append(s.sent, ev)
	return nil
}

func TestForwardStopsOnFailedSend(t *testing.T) {
	hub := NewHub(DefaultBufferSize, nil)
	broken := hub.Subscribe()
	healthy := hub.Subscribe()

	hub.Publish([]projection.ClientEvent{nodeEvent(1), nodeEvent(2), nodeEvent(3)})

	brokenSink := &recordingSink{failAfter: 1}
	err := Forward(context.Background(), broken, brokenSink)
	assert.Error(t, err)
	assert.Len(t, brokenSink.sent, 1)
	assert.Equal(t, 1, hub.Len())

	hub.Publish([]projection.ClientEvent{nodeEvent(4)})
	hub.Close()

	healthySink := &recordingSink{failAfter: -1}
	require.NoError(t, Forward(context.Background(), healthy, healthySink))
	assert.Len(t, healthySink.sent, 4)
}

func TestForwardContextCancel(t *testing.T) {
	hub := NewHub(DefaultBufferSize, nil)
	sub := hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Forward(ctx, sub, &recordingSink{failAfter: -1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hub.Len())
}
