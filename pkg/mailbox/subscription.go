package mailbox

import (
	"context"
	"fmt"
	"sync"
)

// Subscription is an active Pub/Sub subscription to delivery events.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan *DeliveryEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of delivery events. It is closed when the
// subscription is closed or its context is cancelled.
func (s *Subscription) Events() <-chan *DeliveryEvent {
	return s.events
}

// Errors returns non-fatal subscription errors such as undecodable payloads.
// The subscription keeps running after an error; the message is skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeDeliveries subscribes to delivery events for this instance.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once; a slow subscriber may miss events.
func (s *RedisStore) SubscribeDeliveries(ctx context.Context) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, DeliveryEventsChannel(s.instanceName))

	// Wait for the subscription to be confirmed so events published right
	// after this call returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to delivery events: %w", err)
	}

	eventsChan := make(chan *DeliveryEvent, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event DeliveryEvent
				if err := json.UnmarshalFromString(msg.Payload, &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal delivery event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
