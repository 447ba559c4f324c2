// Package session keeps per-session conversation history so classification
// sees recent context across turns.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zipsaai/zipsa/config"
	"github.com/zipsaai/zipsa/internal/turn"
)

// Store loads and appends conversation history for a session.
type Store interface {
	Load(ctx context.Context, sessionID string) (turn.SessionContext, error)
	Append(ctx context.Context, sessionID, query, answer string) error
}

const (
	historyKeyFormat = "session:%s:history"
	maxHistoryLines  = 20
)

// RedisStore keeps session history in redis with a TTL per session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Conn opens a redis client and verifies the connection.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps an open redis client as a session store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (turn.SessionContext, error) {
	sc := turn.SessionContext{SessionID: sessionID}
	if sessionID == "" {
		return sc, nil
	}

	key := fmt.Sprintf(historyKeyFormat, sessionID)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return sc, nil
	}
	if err != nil {
		return sc, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(val), &sc.History); err != nil {
		return sc, fmt.Errorf("decoding session %s history: %w", sessionID, err)
	}
	return sc, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID, query, answer string) error {
	if sessionID == "" {
		return nil
	}

	sc, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	history := appendHistory(sc.History, query, answer)

	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding session %s history: %w", sessionID, err)
	}
	key := fmt.Sprintf(historyKeyFormat, sessionID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving session %s: %w", sessionID, err)
	}
	return nil
}

// MemoryStore is the redis-free fallback used in tests and single-process
// runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]string)}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (turn.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]string, len(s.sessions[sessionID]))
	copy(history, s.sessions[sessionID])
	return turn.SessionContext{SessionID: sessionID, History: history}, nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID, query, answer string) error {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = appendHistory(s.sessions[sessionID], query, answer)
	return nil
}

func appendHistory(history []string, query, answer string) []string {
	history = append(history, "user: "+query)
	if answer != "" {
		history = append(history, "assistant: "+answer)
	}
	if len(history) > maxHistoryLines {
		history = history[len(history)-maxHistoryLines:]
	}
	return history
}
