// Package message defines the inter-agent message entity that moves through
// the parley coordination engine, together with its validation rules and
// lifecycle state machine.
//
// A Message is owned by exactly one component at a time. Ownership transfers
// on handoff (caller → queue → delivery worker); components never share a
// mutable Message.
package message

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Message is a single unit of communication between agents.
type Message struct {
	ID          string     `json:"id"`                     // Caller-supplied or generated UUIDv7; idempotency key
	Sender      string     `json:"sender"`                 // Non-empty sender identifier
	Recipient   string     `json:"recipient"`              // Non-empty recipient identifier
	Content     string     `json:"content"`                // Non-empty payload
	Type        Type       `json:"message_type"`           // Direction of the message
	Priority    Priority   `json:"priority"`               // Urgency level
	SenderRole  Role       `json:"sender_role"`            // Role of the sender
	Tags        []string   `json:"tags,omitempty"`         // Label set, kept sorted and unique
	Status      Status     `json:"status"`                 // Lifecycle state
	RetryCount  int        `json:"retry_count"`            // Retries performed so far
	MaxRetries  int        `json:"max_retries"`            // Retry budget from the routing policy
	CreatedAt   time.Time  `json:"created_at"`             // Creation time
	ProcessedAt *time.Time `json:"processed_at,omitempty"` // Set when a terminal status is reached
}

// Type describes who is talking to whom.
type Type string

const (
	// TypeAgentToAgent is a peer message between two worker agents
	TypeAgentToAgent Type = "agent_to_agent"

	// TypeAgentToCoordinator is a report or request sent up to a coordinator
	TypeAgentToCoordinator Type = "agent_to_coordinator"

	// TypeSystemBroadcast is a system-wide announcement
	TypeSystemBroadcast Type = "system_broadcast"

	// TypeCoordinatorToAgent is a directive sent down from a coordinator
	TypeCoordinatorToAgent Type = "coordinator_to_agent"

	// TypeHumanToAgent is an instruction from a human operator
	TypeHumanToAgent Type = "human_to_agent"
)

// Types lists every valid message type.
var Types = []Type{
	TypeAgentToAgent,
	TypeAgentToCoordinator,
	TypeSystemBroadcast,
	TypeCoordinatorToAgent,
	TypeHumanToAgent,
}

// Validate returns an error if the type is not one of the known values.
func (t Type) Validate() error {
	if slices.Contains(Types, t) {
		return nil
	}
	return fmt.Errorf("invalid message type: %q", t)
}

// Priority is the urgency level of a message.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every valid priority, most urgent first.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Validate returns an error if the priority is not one of the known values.
func (p Priority) Validate() error {
	if slices.Contains(Priorities, p) {
		return nil
	}
	return fmt.Errorf("invalid priority: %q", p)
}

// Role is the role of the message sender.
type Role string

const (
	RoleAgent       Role = "agent"
	RoleCoordinator Role = "coordinator"
	RoleSystem      Role = "system"
	RoleHuman       Role = "human"
)

// Roles lists every valid sender role.
var Roles = []Role{RoleAgent, RoleCoordinator, RoleSystem, RoleHuman}

// Validate returns an error if the role is not one of the known values.
func (r Role) Validate() error {
	if slices.Contains(Roles, r) {
		return nil
	}
	return fmt.Errorf("invalid sender role: %q", r)
}

// ParseType parses a message type, accepting the canonical snake_case value
// or its CamelCase spelling (e.g. "SystemBroadcast").
func ParseType(s string) (Type, error) {
	t := Type(normalize(s))
	return t, t.Validate()
}

// ParsePriority parses a priority case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(normalize(s))
	return p, p.Validate()
}

// ParseRole parses a sender role case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(normalize(s))
	return r, r.Validate()
}

// normalize lower-cases s and converts CamelCase or kebab-case to snake_case.
func normalize(s string) string {
	var b strings.Builder
	var prev rune
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if prev >= 'a' && prev <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

// HasTag reports whether the message carries the given tag.
func (m *Message) HasTag(tag string) bool {
	_, found := slices.BinarySearch(m.Tags, tag)
	return found
}

// AddTags merges tags into the message's tag set.
func (m *Message) AddTags(tags ...string) {
	m.Tags = normalizeTags(append(m.Tags, tags...))
}

// normalizeTags returns tags sorted, trimmed and without duplicates or blanks.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Tags = slices.Clone(m.Tags)
	if m.ProcessedAt != nil {
		processed := *m.ProcessedAt
		clone.ProcessedAt = &processed
	}
	return &clone
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID: %s, Sender: %s, Recipient: %s, Type: %s, Priority: %s, Status: %s}",
		m.ID, m.Sender, m.Recipient, m.Type, m.Priority, m.Status)
}
