package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/datagate/internal/domain"
)

// RedisStore keeps sessions in Redis so several gateway replicas share them.
// Each session is a list of JSON messages plus a meta hash; both keys expire
// after the idle TTL and are refreshed on every write. Writes for one key go
// through MULTI/EXEC so an exchange is appended whole or not at all.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	idleTTL   time.Duration
	maxStored int
	logger    *slog.Logger
}

const (
	metaSummary = "summary"
	metaCreated = "created_ms"
	metaLast    = "last_ms"
)

// NewRedisStore wraps client. prefix namespaces keys (default "datagate").
func NewRedisStore(client redis.UniversalClient, prefix string, idleTTL time.Duration, maxStored int, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "datagate"
	}
	return &RedisStore{client: client, prefix: prefix, idleTTL: idleTTL, maxStored: maxStored, logger: logger}
}

// Keys share a hash tag so both land on the same cluster slot.
func (s *RedisStore) listKey(key domain.SessionKey) string {
	return fmt.Sprintf("%s:session:{%s}:messages", s.prefix, key.String())
}

func (s *RedisStore) metaKey(key domain.SessionKey) string {
	return fmt.Sprintf("%s:session:{%s}:meta", s.prefix, key.String())
}

func (s *RedisStore) Append(ctx context.Context, key domain.SessionKey, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now()
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		values = append(values, data)
	}

	listKey, metaKey := s.listKey(key), s.metaKey(key)
	nowMs := now.UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey, values...)
		if s.maxStored > 0 {
			pipe.LTrim(ctx, listKey, int64(-s.maxStored), -1)
		}
		pipe.HSetNX(ctx, metaKey, metaCreated, nowMs)
		pipe.HSet(ctx, metaKey, metaLast, nowMs)
		s.expire(ctx, pipe, listKey, metaKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending to session %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.idleTTL <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, s.idleTTL)
	}
}

func (s *RedisStore) History(ctx context.Context, key domain.SessionKey, max int) ([]Message, error) {
	start := int64(0)
	if max > 0 {
		start = int64(-max)
	}
	raw, err := s.client.LRange(ctx, s.listKey(key), start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	}
	return s.decode(ctx, key, raw), nil
}

func (s *RedisStore) decode(ctx context.Context, key domain.SessionKey, raw []string) []Message {
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable session message",
				slog.String("session", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *RedisStore) Summary(ctx context.Context, key domain.SessionKey) (string, error) {
	summary, err := s.client.HGet(ctx, s.metaKey(key), metaSummary).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading summary %s: %w", key, err)
	}
	return summary, nil
}

func (s *RedisStore) SetSummary(ctx context.Context, key domain.SessionKey, summary string) error {
	metaKey := s.metaKey(key)
	nowMs := time.Now().UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey, metaSummary, summary, metaLast, nowMs)
		pipe.HSetNX(ctx, metaKey, metaCreated, nowMs)
		s.expire(ctx, pipe, metaKey, s.listKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing summary %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, key domain.SessionKey) error {
	if err := s.client.Del(ctx, s.listKey(key), s.metaKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clearing session %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, key domain.SessionKey) (Stats, error) {
	var (
		listCmd *redis.StringSliceCmd
		metaCmd *redis.MapStringStringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		listCmd = pipe.LRange(ctx, s.listKey(key), 0, -1)
		metaCmd = pipe.HGetAll(ctx, s.metaKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("loading stats %s: %w", key, err)
	}

	msgs := s.decode(ctx, key, listCmd.Val())
	meta := metaCmd.Val()
	stats := Stats{MessageCount: len(msgs), ApproxTokenCount: estimateAll(msgs)}
	if created, ok := parseMillis(meta[metaCreated]); ok {
		stats.SessionAgeMs = time.Since(created).Milliseconds()
	}
	if last, ok := parseMillis(meta[metaLast]); ok {
		stats.LastActivity = last
	}
	return stats, nil
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Ping checks connectivity; used by readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
