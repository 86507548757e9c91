// Package state is the Redis-backed collaborator that tracks live stream
// metadata and fans emitted decisions out on Redis Streams. The decision
// core never depends on it for correctness; it is the durable side the
// transport layer and settlement services read from.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamKeyPrefix   = "morphine:stream:"
	streamSetKey      = "morphine:streams"
	decisionKeyPrefix = "morphine:decisions:"
	activitySuffix    = ":activity"
	activityKeep      = 100
)

// StreamInfo is the registry entry for one live stream.
type StreamInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamActivity is one recorded event on a stream.
type StreamActivity struct {
	Type      string          `json:"type"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Manager wraps the Redis client.
type Manager struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewManager connects to Redis and verifies the connection.
func NewManager(redisURL string, logger *zap.Logger) (*Manager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis state store connected")
	return &Manager{rdb: rdb, logger: logger}, nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.rdb.Close()
}

// SetStream stores a stream's registry entry and adds it to the stream set.
func (m *Manager) SetStream(ctx context.Context, info *StreamInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal stream %s: %w", info.ID, err)
	}
	if err := m.rdb.Set(ctx, streamKeyPrefix+info.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("set stream %s: %w", info.ID, err)
	}
	if err := m.rdb.SAdd(ctx, streamSetKey, info.ID).Err(); err != nil {
		return fmt.Errorf("add stream %s to set: %w", info.ID, err)
	}
	return nil
}

// GetStream returns a stream's registry entry, or nil when absent.
func (m *Manager) GetStream(ctx context.Context, streamID string) (*StreamInfo, error) {
	data, err := m.rdb.Get(ctx, streamKeyPrefix+streamID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamID, err)
	}
	var info StreamInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal stream %s: %w", streamID, err)
	}
	return &info, nil
}

// StreamIDs returns every registered stream id.
func (m *Manager) StreamIDs(ctx context.Context) ([]string, error) {
	ids, err := m.rdb.SMembers(ctx, streamSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return ids, nil
}

// RecordActivity prepends an activity entry, keeping the most recent 100.
func (m *Manager) RecordActivity(ctx context.Context, streamID string, activity *StreamActivity) error {
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}
	data, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	key := streamKeyPrefix + streamID + activitySuffix
	pipe := m.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, activityKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record activity for %s: %w", streamID, err)
	}
	return nil
}

// Activities returns a stream's recorded activity, newest first.
func (m *Manager) Activities(ctx context.Context, streamID string) ([]StreamActivity, error) {
	key := streamKeyPrefix + streamID + activitySuffix
	raw, err := m.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("activities for %s: %w", streamID, err)
	}

	out := make([]StreamActivity, 0, len(raw))
	for _, entry := range raw {
		var a StreamActivity
		if err := json.Unmarshal([]byte(entry), &a); err != nil {
			m.logger.Warn("skipping malformed activity entry",
				zap.String("stream", streamID),
				zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// PublishDecision appends a decision to the stream's Redis Stream so
// settlement services and connected clients can consume it.
func (m *Manager) PublishDecision(ctx context.Context, streamID string, decision any) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: decisionKeyPrefix + streamID,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish decision to %s: %w", streamID, err)
	}
	return nil
}

// ReadDecisions reads up to count decisions from a stream's Redis Stream
// starting at the given id ("0" for the beginning, "$" for new entries).
func (m *Manager) ReadDecisions(ctx context.Context, streamID, fromID string, count int64) ([]json.RawMessage, error) {
	entries, err := m.rdb.XRangeN(ctx, decisionKeyPrefix+streamID, fromID, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read decisions for %s: %w", streamID, err)
	}

	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if data, ok := e.Values["data"].(string); ok {
			out = append(out, json.RawMessage(data))
		}
	}
	return out, nil
}
