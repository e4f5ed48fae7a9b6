package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HistoryKey returns the Redis list holding mirrored entries, newest first.
// Pattern: parley:{instance_name}:audit
func HistoryKey(instanceName string) string {
	return fmt.Sprintf("parley:%s:audit", instanceName)
}

// StatsKey returns the Redis hash holding mirrored counters.
// Pattern: parley:{instance_name}:stats
func StatsKey(instanceName string) string {
	return fmt.Sprintf("parley:%s:stats", instanceName)
}

// RedisMirror copies audit entries into Redis so another process can read
// delivery statistics and history.
type RedisMirror struct {
	rdb          redis.UniversalClient
	instanceName string
	capacity     int64
	timeout      time.Duration
}

// NewRedisMirror creates a mirror that retains at most capacity entries.
func NewRedisMirror(rdb redis.UniversalClient, instanceName string, capacity int) (*RedisMirror, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisMirror{
		rdb:          rdb,
		instanceName: instanceName,
		capacity:     int64(capacity),
		timeout:      2 * time.Second,
	}, nil
}

// Append implements Sink. The list push, trim and counter increments run in
// a single MULTI/EXEC.
func (m *RedisMirror) Append(entry Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	outcomeField := "failed"
	if entry.Successful() {
		outcomeField = "successful"
	}

	historyKey := HistoryKey(m.instanceName)
	statsKey := StatsKey(m.instanceName)

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, historyKey, data)
		pipe.LTrim(ctx, historyKey, 0, m.capacity-1)
		pipe.HIncrBy(ctx, statsKey, "total", 1)
		pipe.HIncrBy(ctx, statsKey, outcomeField, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror audit entry: %w", err)
	}
	return nil
}

// Snapshot reads the mirrored counters.
func (m *RedisMirror) Snapshot(ctx context.Context) (Stats, error) {
	raw, err := m.rdb.HGetAll(ctx, StatsKey(m.instanceName)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read audit stats from Redis: %w", err)
	}

	parse := func(field string) int64 {
		v, _ := strconv.ParseInt(raw[field], 10, 64)
		return v
	}
	return NewStats(parse("total"), parse("successful"), parse("failed")), nil
}

// History reads up to limit mirrored entries, most recent first.
// limit <= 0 returns every retained entry.
func (m *RedisMirror) History(ctx context.Context, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := m.rdb.LRange(ctx, HistoryKey(m.instanceName), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit history from Redis: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		var e Entry
		if err := json.UnmarshalFromString(item, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Reset deletes the mirrored history and counters.
func (m *RedisMirror) Reset(ctx context.Context) error {
	if err := m.rdb.Del(ctx, HistoryKey(m.instanceName), StatsKey(m.instanceName)).Err(); err != nil {
		return fmt.Errorf("failed to reset audit mirror: %w", err)
	}
	return nil
}
