package broadcast

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultKeepalive is the ping cadence of a live channel.
const DefaultKeepalive = 15 * time.Second

var (
	// ErrLagged ends a live channel whose subscriber fell behind.
	ErrLagged = errors.New("broadcast: subscriber lagged")
	// ErrClosed ends a live channel when the broadcaster shuts down.
	ErrClosed = errors.New("broadcast: broadcaster closed")
)

// Sink writes messages to one client transport.
type Sink interface {
	Send(msg Message) error
}

// ReadyPayload is sent once when a live channel opens.
type ReadyPayload struct {
	Subscriber uint64 `json:"subscriber"`
}

// PingPayload is sent on every keepalive.
type PingPayload struct {
	Time time.Time `json:"time"`
}

// LiveChannel streams broadcast messages to a single client.
type LiveChannel struct {
	broadcaster *Broadcaster
	keepalive   time.Duration
	logger      *zap.Logger
}

// NewLiveChannel constructs a live channel factory.
func NewLiveChannel(b *Broadcaster, keepalive time.Duration, logger *zap.Logger) (*LiveChannel, error) {
	if b == nil {
		return nil, errors.New("live channel: nil broadcaster")
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveChannel{broadcaster: b, keepalive: keepalive, logger: logger}, nil
}

// Serve streams to sink until ctx ends, the sink fails or the subscription closes.
// The subscription and keepalive ticker are released exactly once on return.
func (l *LiveChannel) Serve(ctx context.Context, sink Sink) error {
	sub := l.broadcaster.Subscribe()
	defer l.broadcaster.Unsubscribe(sub)
	ticker := time.NewTicker(l.keepalive)
	defer ticker.Stop()

	logger := l.logger.With(zap.Uint64("subscriber", sub.ID()))
	logger.Debug("live channel opened")
	defer logger.Debug("live channel closed")

	ready := Message{Topic: TopicReady, At: time.Now().UTC(), Payload: ReadyPayload{Subscriber: sub.ID()}}
	if err := sink.Send(ready); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				if l.broadcaster.Lagged(sub) {
					return ErrLagged
				}
				return ErrClosed
			}
			if msg.Topic != TopicEvent && msg.Topic != TopicSummary {
				continue
			}
			if err := sink.Send(msg); err != nil {
				return err
			}
		case at := <-ticker.C:
			ping := Message{Topic: TopicPing, At: at.UTC(), Payload: PingPayload{Time: at.UTC()}}
			if err := sink.Send(ping); err != nil {
				return err
			}
		}
	}
}
