// Package event provides the session-update notification broadcaster,
// built on watermill's in-process pub/sub.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// ErrNoSubscribers is returned by Send when nobody is listening.
// Notifications are best-effort: callers log and continue.
var ErrNoSubscribers = errors.New("event: no subscribers")

// ErrClosed is returned by Send after the broadcaster has been closed.
var ErrClosed = errors.New("event: broadcaster closed")

// updatesTopic is the single topic all session updates flow through.
const updatesTopic = "session.updates"

// Envelope is one session-update notification. The update payload is kept as
// raw JSON so the envelope can be re-emitted on the wire without another
// marshaling pass; typed history copies live in the session table.
type Envelope struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
	Meta      map[string]any  `json:"_meta,omitempty"`
}

// NewEnvelope marshals a typed update payload into an Envelope.
func NewEnvelope(sessionID string, update any) (Envelope, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{SessionID: sessionID, Update: data}, nil
}

// Broadcaster fans session updates out to every subscriber, preserving
// enqueue order per subscriber. Delivery is bounded by the underlying
// channel buffer; a slow subscriber applies backpressure to its own feed
// only, never to other subscribers.
type Broadcaster struct {
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	subs   int
	closed bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
// A buffer of 0 uses a sensible default.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: int64(buffer),
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
	}
}

// Subscribe registers a new subscriber. The returned channel yields envelopes
// in enqueue order until the cancel function is called or the broadcaster
// is closed.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Envelope, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	b.subs++
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(subCtx, updatesTopic)
	if err != nil {
		cancel()
		b.dropSubscriber()
		return nil, nil, err
	}

	out := make(chan Envelope)
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			b.dropSubscriber()
		})
	}

	go func() {
		defer close(out)
		defer unsubscribe()
		for msg := range msgs {
			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- env:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, unsubscribe, nil
}

// Send enqueues an envelope to every current subscriber. When there are no
// subscribers the send is reported as failed rather than silently dropped,
// so the caller can log it.
func (b *Broadcaster) Send(env Envelope) error {
	b.mu.RLock()
	closed, subs := b.closed, b.subs
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if subs == 0 {
		return ErrNoSubscribers
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(updatesTopic, message.NewMessage(watermill.NewUUID(), data))
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs
}

// Close shuts the broadcaster down. Subscriber channels are closed after
// in-flight envelopes drain.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return b.pubsub.Close()
}

func (b *Broadcaster) dropSubscriber() {
	b.mu.Lock()
	if b.subs > 0 {
		b.subs--
	}
	b.mu.Unlock()
}
