package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topic is the closed set of message kinds on a live channel.
type Topic string

const (
	TopicEvent   Topic = "event"
	TopicSummary Topic = "summary"
	TopicPing    Topic = "ping"
	TopicReady   Topic = "ready"
)

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	switch t {
	case TopicEvent, TopicSummary, TopicPing, TopicReady:
		return true
	default:
		return false
	}
}

// Message is one published item.
type Message struct {
	Topic   Topic     `json:"topic"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

const defaultBuffer = 256

// Subscription is a registered receiver.
type Subscription struct {
	id     uint64
	ch     chan Message
	lagged bool
}

// C returns the delivery channel. It is closed on unsubscribe, lag eviction or broadcaster close.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// ID returns the subscription id.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Observer receives subscriber set changes.
type Observer interface {
	SubscribersChanged(count int)
	SubscriberEvicted()
}

// Broadcaster fans published messages out to subscribers.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	seq      uint64
	buffer   int
	closed   bool
	logger   *zap.Logger
	observer Observer
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(size int) Option {
	return func(b *Broadcaster) {
		if size > 0 {
			b.buffer = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver sets a subscriber observer.
func WithObserver(observer Observer) Option {
	return func(b *Broadcaster) {
		b.observer = observer
	}
}

// New constructs a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: defaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber. After Close it returns a closed subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan Message, b.buffer)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	b.notifyCount()
	return sub
}

// Unsubscribe removes sub. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	b.notifyCount()
}

// Lagged reports whether sub was evicted for falling behind.
func (b *Broadcaster) Lagged(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return sub.lagged
}

// Publish delivers payload to every current subscriber and returns the delivery count.
// A subscriber whose buffer is full is evicted rather than skipped.
func (b *Broadcaster) Publish(topic Topic, payload any) int {
	if !topic.Valid() {
		b.logger.Warn("broadcast: unknown topic dropped", zap.String("topic", string(topic)))
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.seq++
	msg := Message{Topic: topic, Seq: b.seq, At: time.Now().UTC(), Payload: payload}
	delivered, evicted := 0, 0
	for id, sub := range b.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			sub.lagged = true
			delete(b.subs, id)
			close(sub.ch)
			evicted++
			b.logger.Warn("broadcast: subscriber evicted", zap.Uint64("subscriber", id), zap.Int("buffer", b.buffer))
			if b.observer != nil {
				b.observer.SubscriberEvicted()
			}
		}
	}
	if evicted > 0 {
		b.notifyCount()
	}
	return delivered
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription and rejects further publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.notifyCount()
}

func (b *Broadcaster) notifyCount() {
	if b.observer != nil {
		b.observer.SubscribersChanged(len(b.subs))
	}
}
