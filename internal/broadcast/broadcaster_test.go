package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestBroadcaster_FanOutToAllSubscribers(t *testing.T) {
	b := New()
	subs := []*Subscription{b.Subscribe(), b.Subscribe(), b.Subscribe()}

	require.Equal(t, 3, b.Publish(TopicEvent, "x"))

	for _, sub := range subs {
		got := drain(sub)
		require.Len(t, got, 1)
		require.Equal(t, TopicEvent, got[0].Topic)
		require.Equal(t, "x", got[0].Payload)
	}
}

func TestBroadcaster_PreservesPublishOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	for i := 0; i < 10; i++ {
		b.Publish(TopicEvent, i)
	}
	b.Publish(TopicSummary, "done")

	got := drain(sub)
	require.Len(t, got, 11)
	for i := 0; i < 10; i++ {
		require.Equal(t, i, got[i].Payload)
		if i > 0 {
			require.Greater(t, got[i].Seq, got[i-1].Seq)
		}
	}
	require.Equal(t, TopicSummary, got[10].Topic)
}

func TestBroadcaster_NoDeliveryAfterUnsubscribe(t *testing.T) {
	b := New()
	a, leaving, c := b.Subscribe(), b.Subscribe(), b.Subscribe()

	b.Publish(TopicEvent, 1)
	b.Unsubscribe(leaving)
	b.Publish(TopicEvent, 2)

	require.Len(t, drain(a), 2)
	require.Len(t, drain(c), 2)

	got := drain(leaving)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Payload)
	_, ok := <-leaving.C()
	require.False(t, ok)

	b.Unsubscribe(leaving)
	require.Equal(t, 2, b.Len())
}

func TestBroadcaster_EvictsLaggingSubscriber(t *testing.T) {
	b := New(WithBuffer(2))
	slow := b.Subscribe()
	fast := b.Subscribe()

	b.Publish(TopicEvent, 1)
	b.Publish(TopicEvent, 2)
	drain(fast)
	delivered := b.Publish(TopicEvent, 3)

	require.Equal(t, 1, delivered)
	require.True(t, b.Lagged(slow))
	require.False(t, b.Lagged(fast))
	require.Equal(t, 1, b.Len())

	got := drain(slow)
	require.Len(t, got, 2)
	_, ok := <-slow.C()
	require.False(t, ok)
}

func TestBroadcaster_RejectsUnknownTopic(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	require.Equal(t, 0, b.Publish(Topic("bogus"), nil))
	require.Empty(t, drain(sub))
}

func TestBroadcaster_CloseEndsSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()

	_, ok := <-sub.C()
	require.False(t, ok)
	require.Equal(t, 0, b.Publish(TopicEvent, "late"))

	after := b.Subscribe()
	_, ok = <-after.C()
	require.False(t, ok)
	b.Unsubscribe(after)
}

func TestBroadcaster_ConcurrentSubscribeUnsubscribePublish(t *testing.T) {
	b := New(WithBuffer(1024))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := b.Subscribe()
				b.Unsubscribe(sub)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			b.Publish(TopicEvent, j)
		}
	}()
	wg.Wait()
	require.Equal(t, 0, b.Len())
}

type countingObserver struct {
	mu      sync.Mutex
	last    int
	evicted int
}

func (o *countingObserver) SubscribersChanged(count int) {
	o.mu.Lock()
	o.last = count
	o.mu.Unlock()
}

func (o *countingObserver) SubscriberEvicted() {
	o.mu.Lock()
	o.evicted++
	o.mu.Unlock()
}

func TestBroadcaster_NotifiesObserver(t *testing.T) {
	obs := &countingObserver{}
	b := New(WithBuffer(1), WithObserver(obs))
	sub := b.Subscribe()
	b.Subscribe()
	require.Equal(t, 2, obs.last)

	b.Unsubscribe(sub)
	require.Equal(t, 1, obs.last)

	b.Publish(TopicEvent, 1)
	b.Publish(TopicEvent, 2)
	require.Equal(t, 1, obs.evicted)
	require.Equal(t, 0, obs.last)
}
