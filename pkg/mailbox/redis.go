package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dyluth/parley/pkg/message"
	"github.com/redis/go-redis/v9"
)

// DeliveryEvent is published after a message lands in an inbox.
type DeliveryEvent struct {
	Recipient string           `json:"recipient"`
	Message   *message.Message `json:"message"`
	StoredAt  time.Time        `json:"stored_at"`
}

// RedisStore keeps per-recipient inboxes in Redis.
// All keys and channels are namespaced with the instance name.
// The store is safe for concurrent use.
type RedisStore struct {
	rdb          *redis.Client
	instanceName string
}

// NewRedisStore creates a store for the specified instance.
// Returns an error if instanceName is empty.
func NewRedisStore(redisOpts *redis.Options, instanceName string) (*RedisStore, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &RedisStore{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Client exposes the underlying Redis client so other components (the audit
// mirror, the health check) can share the connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// InstanceName returns the namespace this store writes under.
func (s *RedisStore) InstanceName() string {
	return s.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RegisterRecipient adds a recipient to the registry. Re-registering updates the role.
func (s *RedisStore) RegisterRecipient(ctx context.Context, name string, role message.Role) error {
	if name == "" {
		return fmt.Errorf("recipient name cannot be empty")
	}
	if err := role.Validate(); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, RecipientsKey(s.instanceName), name, string(role)).Err(); err != nil {
		return fmt.Errorf("failed to register recipient: %w", err)
	}
	return nil
}

// Recipients returns every registered recipient and its role.
func (s *RedisStore) Recipients(ctx context.Context) (map[string]message.Role, error) {
	raw, err := s.rdb.HGetAll(ctx, RecipientsKey(s.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients from Redis: %w", err)
	}
	out := make(map[string]message.Role, len(raw))
	for name, role := range raw {
		out[name] = message.Role(role)
	}
	return out, nil
}

// putScript stores a message atomically.
//
//	KEYS: recipients registry, message hash, inbox zset
//	ARGV: recipient, message id, score, event payload, event channel, field/value pairs...
//
// Returns -1 for an unknown recipient, 0 when the message is already stored
// and 1 when it was written. A hash holding one field or fewer is treated as
// absent and overwritten.
var putScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return -1
end
if redis.call('HLEN', KEYS[2]) > 1 then
  return 0
end
redis.call('HSET', KEYS[2], unpack(ARGV, 6))
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
redis.call('PUBLISH', ARGV[5], ARGV[4])
return 1
`)

// Put stores msg in the recipient's inbox and publishes a DeliveryEvent.
//
// Unknown recipients fail with ErrUnknownRecipient (not retryable). Redis
// errors and timeouts are retryable. The recipient check, hash write, inbox
// insert and publish run as one script, so an interrupted call leaves
// either nothing or the complete message behind. A repeated Put for the
// same (recipient, id) succeeds without rewriting the inbox or publishing a
// second event.
func (s *RedisStore) Put(ctx context.Context, recipientID string, msg *message.Message, timeout time.Duration) (bool, bool, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	hash, err := MessageToHash(msg)
	if err != nil {
		return false, false, fmt.Errorf("failed to serialize message: %w", err)
	}

	storedAt := time.Now()
	event, err := json.Marshal(DeliveryEvent{Recipient: recipientID, Message: msg, StoredAt: storedAt})
	if err != nil {
		return false, false, fmt.Errorf("failed to marshal delivery event: %w", err)
	}
	hash["stored_at_ms"] = storedAt.UnixMilli()

	args := make([]interface{}, 0, 5+2*len(hash))
	args = append(args, recipientID, msg.ID, Score(msg), string(event), DeliveryEventsChannel(s.instanceName))
	for field, value := range hash {
		args = append(args, field, value)
	}

	keys := []string{
		RecipientsKey(s.instanceName),
		MessageKey(s.instanceName, recipientID, msg.ID),
		InboxKey(s.instanceName, recipientID),
	}
	result, err := putScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, true, fmt.Errorf("%w: failed to write message: %v", ErrStoreUnavailable, err)
	}
	if result < 0 {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}
	return true, false, nil
}

// GetMessage retrieves one message from a recipient's inbox.
// Returns (nil, redis.Nil) if it does not exist; use IsNotFound to check.
func (s *RedisStore) GetMessage(ctx context.Context, recipientID, messageID string) (*message.Message, error) {
	hashData, err := s.rdb.HGetAll(ctx, MessageKey(s.instanceName, recipientID, messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read message from Redis: %w", err)
	}
	// Fewer than two fields is not a stored message.
	if len(hashData) <= 1 {
		return nil, redis.Nil
	}

	m, err := HashToMessage(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %w", err)
	}
	return m, nil
}

// ScanMessageIDs returns every message ID in a recipient's inbox, oldest first.
func (s *RedisStore) ScanMessageIDs(ctx context.Context, recipientID string) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, InboxKey(s.instanceName, recipientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan inbox: %w", err)
	}
	return ids, nil
}

// ListInbox returns up to limit messages, newest first. limit <= 0 returns all.
func (s *RedisStore) ListInbox(ctx context.Context, recipientID string, limit int) ([]*message.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.rdb.ZRevRange(ctx, InboxKey(s.instanceName, recipientID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	if len(ids) == 0 {
		return []*message.Message{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, MessageKey(s.instanceName, recipientID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read inbox messages: %w", err)
	}

	messages := make([]*message.Message, 0, len(ids))
	for i, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) <= 1 {
			continue
		}
		m, err := HashToMessage(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize message %s: %w", ids[i], err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// InboxSizes returns the number of messages held per registered recipient.
func (s *RedisStore) InboxSizes(ctx context.Context) (map[string]int64, error) {
	recipients, err := s.Recipients(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(recipients))
	for name := range recipients {
		names = append(names, name)
	}
	sort.Strings(names)

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(names))
	for _, name := range names {
		cmds[name] = pipe.ZCard(ctx, InboxKey(s.instanceName, name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read inbox sizes: %w", err)
	}

	sizes := make(map[string]int64, len(names))
	for name, cmd := range cmds {
		sizes[name] = cmd.Val()
	}
	return sizes, nil
}
