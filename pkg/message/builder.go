package message

import (
	"time"

	"github.com/google/uuid"
)

// Builder constructs messages with a fluent API.
//
//	msg := message.New("planner", "coder", "implement the parser").
//	    Type(message.TypeCoordinatorToAgent).
//	    Priority(message.PriorityHigh).
//	    Role(message.RoleCoordinator).
//	    Tags("parser").
//	    Build()
type Builder struct {
	message *Message
}

// New starts a message with defaults: agent-to-agent, normal priority,
// agent sender role, pending status and a fresh UUIDv7 ID.
func New(sender, recipient, content string) *Builder {
	return &Builder{
		message: &Message{
			ID:         NewID(),
			Sender:     sender,
			Recipient:  recipient,
			Content:    content,
			Type:       TypeAgentToAgent,
			Priority:   PriorityNormal,
			SenderRole: RoleAgent,
			Status:     StatusPending,
			CreatedAt:  time.Now(),
		},
	}
}

func (b *Builder) ID(id string) *Builder {
	b.message.ID = id
	return b
}

func (b *Builder) Type(t Type) *Builder {
	b.message.Type = t
	return b
}

func (b *Builder) Priority(p Priority) *Builder {
	b.message.Priority = p
	return b
}

func (b *Builder) Role(r Role) *Builder {
	b.message.SenderRole = r
	return b
}

func (b *Builder) Tags(tags ...string) *Builder {
	b.message.AddTags(tags...)
	return b
}

func (b *Builder) CreatedAt(t time.Time) *Builder {
	b.message.CreatedAt = t
	return b
}

func (b *Builder) Build() *Message {
	return b.message
}

// NewID returns a time-sortable unique message identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ApplyDefaults fills in the fields a caller may omit: ID, enums, status and
// creation time. Fields already set are left untouched.
func ApplyDefaults(m *Message) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Type == "" {
		m.Type = TypeAgentToAgent
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.SenderRole == "" {
		m.SenderRole = RoleAgent
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.Tags = normalizeTags(m.Tags)
}
