package routing

import (
	"fmt"
	"maps"
	"sync"

	"github.com/dyluth/parley/pkg/message"
)

// DefaultStrategy is returned when no rule table matches a message.
const DefaultStrategy = "standard"

// Table names one of the three rule tables.
type Table string

const (
	TablePriority Table = "priority"
	TableType     Table = "type"
	TableRole     Table = "role"
)

// ParseTable converts a table name into a Table.
func ParseTable(s string) (Table, error) {
	switch Table(s) {
	case TablePriority, TableType, TableRole:
		return Table(s), nil
	case "sender_role", "sender":
		return TableRole, nil
	case "message_type":
		return TableType, nil
	}
	return "", fmt.Errorf("unknown rule table: %q (must be 'priority', 'type' or 'role')", s)
}

// RuleSet maps message attributes to strategy names.
// Resolution is read-mostly; updates go through UpdateRule and DeleteRule and
// are synchronized against concurrent Resolve calls.
type RuleSet struct {
	mu       sync.RWMutex
	priority map[message.Priority]string
	types    map[message.Type]string
	roles    map[message.Role]string
}

// NewRuleSet builds a rule set from the three tables. The maps are copied.
func NewRuleSet(priority map[message.Priority]string, types map[message.Type]string, roles map[message.Role]string) *RuleSet {
	rs := &RuleSet{
		priority: make(map[message.Priority]string),
		types:    make(map[message.Type]string),
		roles:    make(map[message.Role]string),
	}
	maps.Copy(rs.priority, priority)
	maps.Copy(rs.types, types)
	maps.Copy(rs.roles, roles)
	return rs
}

// Resolve returns the strategy for a message. First match wins, in fixed order:
// priority table, type table, role table, then DefaultStrategy.
func (rs *RuleSet) Resolve(msg *message.Message) string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if strategy, ok := rs.priority[msg.Priority]; ok {
		return strategy
	}
	if strategy, ok := rs.types[msg.Type]; ok {
		return strategy
	}
	if strategy, ok := rs.roles[msg.SenderRole]; ok {
		return strategy
	}
	return DefaultStrategy
}

// UpdateRule sets key → strategy in the named table. The key must be a valid
// value of that table's enum and the strategy must be non-empty.
func (rs *RuleSet) UpdateRule(table Table, key, strategy string) error {
	if strategy == "" {
		return fmt.Errorf("strategy for %s rule %q cannot be empty", table, key)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch table {
	case TablePriority:
		p, err := message.ParsePriority(key)
		if err != nil {
			return err
		}
		rs.priority[p] = strategy
	case TableType:
		t, err := message.ParseType(key)
		if err != nil {
			return err
		}
		rs.types[t] = strategy
	case TableRole:
		r, err := message.ParseRole(key)
		if err != nil {
			return err
		}
		rs.roles[r] = strategy
	default:
		return fmt.Errorf("unknown rule table: %q", table)
	}
	return nil
}

// DeleteRule removes a key from the named table. Removing an absent key is a no-op.
func (rs *RuleSet) DeleteRule(table Table, key string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch table {
	case TablePriority:
		p, err := message.ParsePriority(key)
		if err != nil {
			return err
		}
		delete(rs.priority, p)
	case TableType:
		t, err := message.ParseType(key)
		if err != nil {
			return err
		}
		delete(rs.types, t)
	case TableRole:
		r, err := message.ParseRole(key)
		if err != nil {
			return err
		}
		delete(rs.roles, r)
	default:
		return fmt.Errorf("unknown rule table: %q", table)
	}
	return nil
}

// Snapshot is a point-in-time copy of all three tables, keyed by string.
type Snapshot struct {
	Priority map[string]string `json:"priority"`
	Type     map[string]string `json:"type"`
	Role     map[string]string `json:"role"`
}

// Snapshot copies the current tables.
func (rs *RuleSet) Snapshot() Snapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	s := Snapshot{
		Priority: make(map[string]string, len(rs.priority)),
		Type:     make(map[string]string, len(rs.types)),
		Role:     make(map[string]string, len(rs.roles)),
	}
	for k, v := range rs.priority {
		s.Priority[string(k)] = v
	}
	for k, v := range rs.types {
		s.Type[string(k)] = v
	}
	for k, v := range rs.roles {
		s.Role[string(k)] = v
	}
	return s
}
