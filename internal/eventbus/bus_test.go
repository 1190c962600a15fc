package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	var count int32
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe("tool.called", func(e Event) error {
		atomic.AddInt32(&count, 1)
		wg.Done()
		return nil
	})
	b.Subscribe("tool.called", func(e Event) error {
		atomic.AddInt32(&count, 1)
		wg.Done()
		return nil
	})

	require.NoError(t, b.Publish(Event{Type: "tool.called", Priority: PriorityNormal}))
	wg.Wait()
	assert.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int32
	unsub := b.Subscribe("x", func(e Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	unsub()

	require.NoError(t, b.Publish(Event{Type: "x", Priority: PriorityNormal}))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&count))
}

func TestCriticalPublishBlocksUntilHandled(t *testing.T) {
	b := New()
	var handled int32
	b.Subscribe("critical.event", func(e Event) error {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&handled, 1)
		return nil
	})

	err := b.Publish(Event{Type: "critical.event", Priority: PriorityCritical})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&handled))
}

func TestCriticalPublishPropagatesHandlerError(t *testing.T) {
	b := New()
	wantErr := errors.New("boom")
	b.Subscribe("critical.event", func(e Event) error {
		return wantErr
	})

	err := b.Publish(Event{Type: "critical.event", Priority: PriorityCritical})
	require.Error(t, err)
	assert.Equal(t, wantErr, err)
}

func TestCriticalPublishTimesOutOnBackpressure(t *testing.T) {
	b := New()
	b.backpressureDeadline = 20 * time.Millisecond
	b.Subscribe("critical.event", func(e Event) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	err := b.Publish(Event{Type: "critical.event", Priority: PriorityCritical})
	require.Error(t, err)
}

func TestNonCriticalDropsWhenInboxFull(t *testing.T) {
	b := New()
	block := make(chan struct{})
	b.Subscribe("flood", func(e Event) error {
		<-block
		return nil
	})

	for i := 0; i < defaultInboxSize+10; i++ {
		err := b.Publish(Event{Type: "flood", Priority: PriorityLow})
		require.NoError(t, err)
	}
	close(block)
}

func TestPublishDefaultsPriorityToNormal(t *testing.T) {
	b := New()
	received := make(chan Event, 1)
	b.Subscribe("y", func(e Event) error {
		received <- e
		return nil
	})

	require.NoError(t, b.Publish(Event{Type: "y"}))
	select {
	case e := <-received:
		assert.Equal(t, PriorityNormal, e.Priority)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
