package mailbox

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/parley/pkg/message"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Serialization helpers for converting messages to and from Redis hashes.
//
// Scalar fields map to hash fields directly; tags are JSON-encoded into a
// single field. Times are stored as Unix milliseconds.

// MessageToHash converts a message to Redis hash format.
func MessageToHash(m *message.Message) (map[string]interface{}, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	hash := map[string]interface{}{
		"id":            m.ID,
		"sender":        m.Sender,
		"recipient":     m.Recipient,
		"content":       m.Content,
		"message_type":  string(m.Type),
		"priority":      string(m.Priority),
		"sender_role":   string(m.SenderRole),
		"tags":          string(tagsJSON),
		"status":        string(m.Status),
		"retry_count":   m.RetryCount,
		"max_retries":   m.MaxRetries,
		"created_at_ms": m.CreatedAt.UnixMilli(),
	}
	if m.ProcessedAt != nil {
		hash["processed_at_ms"] = m.ProcessedAt.UnixMilli()
	}

	return hash, nil
}

// HashToMessage converts a Redis hash back to a message.
func HashToMessage(hash map[string]string) (*message.Message, error) {
	retryCount, err := strconv.Atoi(hash["retry_count"])
	if err != nil {
		return nil, fmt.Errorf("invalid retry_count field: %w", err)
	}
	maxRetries, err := strconv.Atoi(hash["max_retries"])
	if err != nil {
		return nil, fmt.Errorf("invalid max_retries field: %w", err)
	}

	var tags []string
	if tagsJSON := hash["tags"]; tagsJSON != "" {
		if err := json.UnmarshalFromString(tagsJSON, &tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	m := &message.Message{
		ID:         hash["id"],
		Sender:     hash["sender"],
		Recipient:  hash["recipient"],
		Content:    hash["content"],
		Type:       message.Type(hash["message_type"]),
		Priority:   message.Priority(hash["priority"]),
		SenderRole: message.Role(hash["sender_role"]),
		Tags:       tags,
		Status:     message.Status(hash["status"]),
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		CreatedAt:  time.UnixMilli(createdAtMs),
	}

	if raw, ok := hash["processed_at_ms"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid processed_at_ms field: %w", err)
		}
		processed := time.UnixMilli(ms)
		m.ProcessedAt = &processed
	}

	return m, nil
}

// Score returns the inbox ZSET score for a message (creation time in ms).
func Score(m *message.Message) float64 {
	return float64(m.CreatedAt.UnixMilli())
}
