package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/parley/pkg/message"
	"github.com/redis/go-redis/v9"
)

// Submit appends a message to the outbox for a dispatcher to pick up.
// The message is validated first; invalid messages never reach Redis.
func (s *RedisStore) Submit(ctx context.Context, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}
	if err := s.rdb.RPush(ctx, OutboxKey(s.instanceName), data).Err(); err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}
	return nil
}

// NextSubmission pops the oldest outbox entry.
//
// With wait > 0 it blocks up to wait (BLPOP, whole seconds, minimum one);
// otherwise it returns immediately. An empty outbox yields (nil, redis.Nil).
func (s *RedisStore) NextSubmission(ctx context.Context, wait time.Duration) (*message.Message, error) {
	key := OutboxKey(s.instanceName)

	var payload string
	if wait > 0 {
		res, err := s.rdb.BLPop(ctx, wait, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, redis.Nil
			}
			return nil, fmt.Errorf("failed to pop submission: %w", err)
		}
		// BLPOP returns [key, value]
		payload = res[1]
	} else {
		res, err := s.rdb.LPop(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, redis.Nil
			}
			return nil, fmt.Errorf("failed to pop submission: %w", err)
		}
		payload = res
	}

	var msg message.Message
	if err := json.UnmarshalFromString(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal submission: %w", err)
	}
	return &msg, nil
}

// Requeue puts a message back at the head of the outbox so it is the next
// one popped. Used when a dispatcher cannot accept a popped submission.
func (s *RedisStore) Requeue(ctx context.Context, msg *message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}
	if err := s.rdb.LPush(ctx, OutboxKey(s.instanceName), data).Err(); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}

// OutboxLen returns the number of pending submissions.
func (s *RedisStore) OutboxLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, OutboxKey(s.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox length: %w", err)
	}
	return n, nil
}
