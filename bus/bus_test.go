package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env := <-sub.Events():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(nil)
	first := b.Subscribe()
	second := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	b.PublishEvent(TypeDeploy, "deploy_detected", map[string]any{"project": "demo"})

	for _, sub := range []*Subscription{first, second} {
		env := receive(t, sub)
		assert.Equal(t, TypeDeploy, env.Type)
		assert.Equal(t, "deploy_detected", env.Event)
		assert.Equal(t, "demo", env.Data["project"])
		assert.NotEmpty(t, env.Timestamp)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.PublishEvent(TypeTimer, fmt.Sprintf("tick_%d", i), nil)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("tick_%d", i), receive(t, sub).Event)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()

	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op

	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after the last unsubscribe must not panic.
	b.PublishEvent(TypeSystem, "connected", nil)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			b.PublishEvent(TypeLogs, "entry", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The buffer's worth of events is still readable.
	for i := 0; i < subscriberBuffer; i++ {
		receive(t, sub)
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := b.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.PublishEvent(TypeNotification, "shown", nil)
			}
		}()
		go func() {
			defer wg.Done()
			for range sub.Events() {
			}
		}()
		sub.Unsubscribe()
	}
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount())
}
