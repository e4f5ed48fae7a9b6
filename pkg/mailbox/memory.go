package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/parley/pkg/message"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps inboxes in process memory, sharded by recipient.
// It follows the same registry and idempotency rules as RedisStore.
type MemoryStore struct {
	recipients cmap.ConcurrentMap // name → message.Role
	inboxes    cmap.ConcurrentMap // name → *memoryInbox
}

type memoryInbox struct {
	mu       sync.Mutex
	messages map[string]*message.Message
	order    []string // insertion order, oldest first
}

// NewMemoryStore creates an empty store with the given recipients registered
// as agents.
func NewMemoryStore(recipients ...string) *MemoryStore {
	s := &MemoryStore{
		recipients: cmap.New(),
		inboxes:    cmap.New(),
	}
	for _, r := range recipients {
		s.recipients.Set(r, message.RoleAgent)
	}
	return s
}

// RegisterRecipient adds a recipient. Re-registering updates the role.
func (s *MemoryStore) RegisterRecipient(_ context.Context, name string, role message.Role) error {
	if name == "" {
		return fmt.Errorf("recipient name cannot be empty")
	}
	if err := role.Validate(); err != nil {
		return err
	}
	s.recipients.Set(name, role)
	return nil
}

// Recipients returns every registered recipient and its role.
func (s *MemoryStore) Recipients(_ context.Context) (map[string]message.Role, error) {
	out := make(map[string]message.Role, s.recipients.Count())
	for item := range s.recipients.IterBuffered() {
		out[item.Key] = item.Val.(message.Role)
	}
	return out, nil
}

// Put stores a copy of msg. A cancelled or expired context is a retryable failure.
func (s *MemoryStore) Put(ctx context.Context, recipientID string, msg *message.Message, timeout time.Duration) (bool, bool, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return false, true, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !s.recipients.Has(recipientID) {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}

	s.inboxes.SetIfAbsent(recipientID, &memoryInbox{messages: make(map[string]*message.Message)})
	v, _ := s.inboxes.Get(recipientID)
	inbox := v.(*memoryInbox)

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	if _, exists := inbox.messages[msg.ID]; exists {
		return true, false, nil
	}
	inbox.messages[msg.ID] = msg.Clone()
	inbox.order = append(inbox.order, msg.ID)
	return true, false, nil
}

// GetMessage returns a copy of a stored message, or (nil, redis.Nil) when absent.
func (s *MemoryStore) GetMessage(_ context.Context, recipientID, messageID string) (*message.Message, error) {
	inbox := s.inbox(recipientID)
	if inbox == nil {
		return nil, redis.Nil
	}

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	m, ok := inbox.messages[messageID]
	if !ok {
		return nil, redis.Nil
	}
	return m.Clone(), nil
}

// ListInbox returns up to limit messages, newest first. limit <= 0 returns all.
func (s *MemoryStore) ListInbox(_ context.Context, recipientID string, limit int) ([]*message.Message, error) {
	inbox := s.inbox(recipientID)
	if inbox == nil {
		return []*message.Message{}, nil
	}

	inbox.mu.Lock()
	defer inbox.mu.Unlock()

	n := len(inbox.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*message.Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, inbox.messages[inbox.order[i]].Clone())
	}
	return out, nil
}

// ScanMessageIDs returns every message ID in a recipient's inbox, oldest first.
func (s *MemoryStore) ScanMessageIDs(_ context.Context, recipientID string) ([]string, error) {
	inbox := s.inbox(recipientID)
	if inbox == nil {
		return nil, nil
	}

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	return append([]string(nil), inbox.order...), nil
}

// InboxSizes returns the number of messages held per registered recipient.
func (s *MemoryStore) InboxSizes(_ context.Context) (map[string]int64, error) {
	names := s.recipients.Keys()
	sort.Strings(names)

	sizes := make(map[string]int64, len(names))
	for _, name := range names {
		inbox := s.inbox(name)
		if inbox == nil {
			sizes[name] = 0
			continue
		}
		inbox.mu.Lock()
		sizes[name] = int64(len(inbox.order))
		inbox.mu.Unlock()
	}
	return sizes, nil
}

// Count returns the total number of stored messages across all inboxes.
func (s *MemoryStore) Count() int {
	total := 0
	for item := range s.inboxes.IterBuffered() {
		inbox := item.Val.(*memoryInbox)
		inbox.mu.Lock()
		total += len(inbox.order)
		inbox.mu.Unlock()
	}
	return total
}

func (s *MemoryStore) inbox(recipientID string) *memoryInbox {
	v, ok := s.inboxes.Get(recipientID)
	if !ok {
		return nil
	}
	return v.(*memoryInbox)
}
