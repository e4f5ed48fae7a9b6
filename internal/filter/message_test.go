package filter

import (
	"testing"
	"time"

	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/message"
	"github.com/stretchr/testify/assert"
)

func TestCriteriaMatches(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := message.New("lead", "coder", "x").
		Type(message.TypeCoordinatorToAgent).
		Priority(message.PriorityHigh).
		Tags("parser").
		CreatedAt(created).
		Build()

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"no criteria", Criteria{}, true},
		{"type glob", Criteria{TypeGlob: "coordinator_*"}, true},
		{"type glob miss", Criteria{TypeGlob: "agent_*"}, false},
		{"bad glob", Criteria{TypeGlob: "["}, false},
		{"sender", Criteria{Sender: "lead"}, true},
		{"sender miss", Criteria{Sender: "coder"}, false},
		{"priority", Criteria{Priority: message.PriorityHigh}, true},
		{"priority miss", Criteria{Priority: message.PriorityLow}, false},
		{"tag", Criteria{Tag: "parser"}, true},
		{"tag miss", Criteria{Tag: "ui"}, false},
		{"window", Criteria{Window: timespec.Range{Since: created.Add(-time.Hour)}}, true},
		{"window miss", Criteria{Window: timespec.Range{Until: created}}, false},
		{"combined", Criteria{Sender: "lead", Tag: "parser", TypeGlob: "*_to_agent"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(msg))
		})
	}
}

func TestApply(t *testing.T) {
	a := message.New("lead", "coder", "1").Build()
	b := message.New("peer", "coder", "2").Build()
	c := message.New("lead", "coder", "3").Build()
	msgs := []*message.Message{a, b, c}

	criteria := Criteria{Sender: "lead"}
	assert.True(t, criteria.HasFilters())
	assert.Equal(t, []*message.Message{a, c}, criteria.Apply(msgs))

	empty := Criteria{}
	assert.False(t, empty.HasFilters())
	assert.Len(t, empty.Apply(msgs), 3)
}
