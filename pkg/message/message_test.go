package message

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	msg := New("planner", "coder", "do the thing").Build()

	_, err := uuid.Parse(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeAgentToAgent, msg.Type)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, RoleAgent, msg.SenderRole)
	assert.Equal(t, StatusPending, msg.Status)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Nil(t, msg.ProcessedAt)
}

func TestBuilderFluent(t *testing.T) {
	msg := New("lead", "coder", "ship it").
		ID("msg-1").
		Type(TypeCoordinatorToAgent).
		Priority(PriorityUrgent).
		Role(RoleCoordinator).
		Tags("release", "backend", "release", " ").
		Build()

	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, TypeCoordinatorToAgent, msg.Type)
	assert.Equal(t, PriorityUrgent, msg.Priority)
	assert.Equal(t, RoleCoordinator, msg.SenderRole)
	assert.Equal(t, []string{"backend", "release"}, msg.Tags)
	assert.True(t, msg.HasTag("release"))
	assert.False(t, msg.HasTag("frontend"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		msg        *Message
		wantValid  bool
		wantErrors []string
	}{
		{
			name:      "valid message",
			msg:       New("a", "b", "hello").Build(),
			wantValid: true,
		},
		{
			name:       "empty content",
			msg:        &Message{Sender: "a", Recipient: "b"},
			wantErrors: []string{"content is required"},
		},
		{
			name:       "whitespace sender and recipient",
			msg:        &Message{Sender: "  ", Recipient: "\t", Content: "x"},
			wantErrors: []string{"sender is required", "recipient is required"},
		},
		{
			name:       "unknown priority",
			msg:        &Message{Sender: "a", Recipient: "b", Content: "x", Priority: "critical"},
			wantErrors: []string{`invalid priority: "critical"`},
		},
		{
			name:       "negative retry count",
			msg:        &Message{Sender: "a", Recipient: "b", Content: "x", RetryCount: -1},
			wantErrors: []string{"retry counters must be non-negative"},
		},
		{
			name:       "nil message",
			msg:        nil,
			wantErrors: []string{"message is nil"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.msg)
			assert.Equal(t, tt.wantValid, result.Valid)
			assert.Equal(t, tt.wantErrors, result.Errors)
			if tt.wantValid {
				assert.NoError(t, result.Err())
			} else {
				var ve *ValidationError
				assert.ErrorAs(t, result.Err(), &ve)
			}
		})
	}
}

func TestMessageValidateCarriesID(t *testing.T) {
	msg := &Message{ID: "m-42", Sender: "a", Recipient: "b"}
	err := msg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m-42")
	assert.Contains(t, err.Error(), "content is required")
}

func TestParseEnums(t *testing.T) {
	typ, err := ParseType("SystemBroadcast")
	require.NoError(t, err)
	assert.Equal(t, TypeSystemBroadcast, typ)

	typ, err = ParseType("coordinator-to-agent")
	require.NoError(t, err)
	assert.Equal(t, TypeCoordinatorToAgent, typ)

	prio, err := ParsePriority("URGENT")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, prio)

	role, err := ParseRole("Coordinator")
	require.NoError(t, err)
	assert.Equal(t, RoleCoordinator, role)

	_, err = ParseRole("robot")
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusRouted, true},
		{StatusPending, StatusDelivered, false},
		{StatusRouted, StatusDelivered, true},
		{StatusRouted, StatusFailed, true},
		{StatusRouted, StatusAbandoned, true},
		{StatusRouted, StatusPending, false},
		{StatusFailed, StatusFailed, true},
		{StatusFailed, StatusDelivered, true},
		{StatusFailed, StatusAbandoned, true},
		{StatusFailed, StatusRouted, false},
		{StatusDelivered, StatusFailed, false},
		{StatusAbandoned, StatusRouted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAdvance(t *testing.T) {
	now := time.Now()
	msg := New("a", "b", "c").Build()

	require.NoError(t, msg.Advance(StatusRouted, now))
	assert.Nil(t, msg.ProcessedAt)

	require.NoError(t, msg.Advance(StatusDelivered, now))
	require.NotNil(t, msg.ProcessedAt)
	assert.Equal(t, now, *msg.ProcessedAt)

	err := msg.Advance(StatusFailed, now)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusDelivered, te.From)
	assert.Equal(t, StatusDelivered, msg.Status)
}

func TestRecordRetry(t *testing.T) {
	msg := &Message{MaxRetries: 2}

	assert.True(t, msg.RecordRetry())
	assert.True(t, msg.RecordRetry())
	assert.False(t, msg.RecordRetry())
	assert.Equal(t, 2, msg.RetryCount)
}

func TestClone(t *testing.T) {
	processed := time.Now()
	original := New("a", "b", "c").Tags("x").Build()
	original.ProcessedAt = &processed

	clone := original.Clone()
	clone.Tags[0] = "changed"
	*clone.ProcessedAt = processed.Add(time.Hour)

	assert.Equal(t, []string{"x"}, original.Tags)
	assert.Equal(t, processed, *original.ProcessedAt)
}

func TestApplyDefaults(t *testing.T) {
	msg := &Message{Sender: "a", Recipient: "b", Content: "c", Priority: PriorityHigh, Tags: []string{"b", "a", "b"}}
	ApplyDefaults(msg)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, PriorityHigh, msg.Priority)
	assert.Equal(t, TypeAgentToAgent, msg.Type)
	assert.Equal(t, RoleAgent, msg.SenderRole)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, []string{"a", "b"}, msg.Tags)
}
