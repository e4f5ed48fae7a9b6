package filter

import (
	"path/filepath"

	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/message"
)

// Criteria selects inbox messages. All set criteria must match.
type Criteria struct {
	Window   timespec.Range   // on CreatedAt; zero = any time
	TypeGlob string           // glob over message_type, e.g. "agent_*"
	Sender   string           // exact sender match
	Priority message.Priority // exact priority match
	Tag      string           // message must carry this tag
}

// Matches returns true if msg satisfies every criterion.
func (c *Criteria) Matches(msg *message.Message) bool {
	if !c.Window.Contains(msg.CreatedAt) {
		return false
	}

	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(msg.Type))
		if err != nil || !matched {
			return false
		}
	}

	if c.Sender != "" && msg.Sender != c.Sender {
		return false
	}
	if c.Priority != "" && msg.Priority != c.Priority {
		return false
	}
	if c.Tag != "" && !msg.HasTag(c.Tag) {
		return false
	}
	return true
}

// HasFilters returns true if any criterion is set.
func (c *Criteria) HasFilters() bool {
	return !c.Window.IsZero() ||
		c.TypeGlob != "" ||
		c.Sender != "" ||
		c.Priority != "" ||
		c.Tag != ""
}

// Apply returns the messages that match, preserving order.
func (c *Criteria) Apply(msgs []*message.Message) []*message.Message {
	if !c.HasFilters() {
		return msgs
	}
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		if c.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}
