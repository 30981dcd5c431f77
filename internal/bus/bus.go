package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wortley/dechecs/pkg/logging"
)

// BroadcastKey is the routing key that reaches every participant of a
// session; a client id as routing key reaches only that participant.
const BroadcastKey = "all"

// maxEmitAttempts bounds local re-delivery to a client's transport
// connection. An event still undelivered after the last attempt is dropped.
const maxEmitAttempts = 5

// Bus is the per-session fan-out. Each session id scopes a topic; one
// channel per routing key. Workers subscribe on behalf of the clients whose
// connections they hold and re-emit received events over those connections.
type Bus struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

func channelName(sessionID, routingKey string) string {
	return "game:" + sessionID + ":" + routingKey
}

// Publish sends an event to the session topic under the given routing key.
func (b *Bus) Publish(ctx context.Context, sessionID, routingKey string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.Name, err)
	}
	if err := b.rdb.Publish(ctx, channelName(sessionID, routingKey), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Name, err)
	}
	return nil
}

// Broadcast sends an event to every participant of the session.
func (b *Bus) Broadcast(ctx context.Context, sessionID string, ev Event) error {
	return b.Publish(ctx, sessionID, BroadcastKey, ev)
}

// Emitter re-emits an event over one client's transport connection.
type Emitter func(ev Event) error

// Subscription is this worker's handle on one client's queue for one
// session. Cancelling it stops the pump and unsubscribes both routing keys.
type Subscription struct {
	ClientID string

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Cancel() {
	s.cancel()
	_ = s.pubsub.Close()
	<-s.done
}

// Subscribe binds a queue for the client to its own routing key and the
// broadcast key, then pumps received events to the emitter until cancelled.
// The context should be the worker's root context, not a request context.
func (b *Bus) Subscribe(ctx context.Context, sessionID, clientID string, emit Emitter) *Subscription {
	pubsub := b.rdb.Subscribe(ctx,
		channelName(sessionID, clientID),
		channelName(sessionID, BroadcastKey),
	)
	// Subscribe does not wait for the server's acknowledgement; receive it
	// here so a publish issued right after we return cannot race ahead of
	// the subscription and lose the event.
	if _, err := pubsub.Receive(ctx); err != nil {
		logging.Error("failed to confirm subscription",
			zap.String("session_id", sessionID),
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ClientID: clientID,
		pubsub:   pubsub,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logging.Error("dropping malformed event",
						zap.String("session_id", sessionID),
						zap.String("client_id", clientID),
						zap.Error(err),
					)
					continue
				}
				deliver(ev, sessionID, clientID, emit)
			}
		}
	}()
	logging.Info("listener initialised",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID),
	)
	return sub
}

// deliver retries local emission up to maxEmitAttempts, then drops the
// event. There is no replay for an exhausted delivery.
func deliver(ev Event, sessionID, clientID string, emit Emitter) {
	for attempt := 1; attempt <= maxEmitAttempts; attempt++ {
		err := emit(ev)
		if err == nil {
			return
		}
		logging.Error("failed to emit event, retrying",
			zap.String("event", ev.Name),
			zap.String("client_id", clientID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	logging.Error("delivery exhausted, dropping event",
		zap.String("event", ev.Name),
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID),
		zap.Int("attempts", maxEmitAttempts),
	)
}
