package sender

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WidgetSession is what survives between page loads for one visitor.
type WidgetSession struct {
	Open     bool   `json:"open"`
	SenderID string `json:"senderId"`
}

// Store persists widget sessions keyed by an opaque visitor key.
type Store interface {
	Get(ctx context.Context, visitorKey string) (WidgetSession, bool, error)
	Put(ctx context.Context, visitorKey string, session WidgetSession) error
}

// MemoryStore implements Store with a mutex-guarded map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]WidgetSession
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]WidgetSession)}
}

// Get looks up a visitor's session.
func (s *MemoryStore) Get(_ context.Context, visitorKey string) (WidgetSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.items[visitorKey]
	return session, ok, nil
}

// Put stores a visitor's session.
func (s *MemoryStore) Put(_ context.Context, visitorKey string, session WidgetSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[visitorKey] = session
	return nil
}

// RedisStore keeps widget sessions in a redis hash per visitor so the sender
// id survives restarts and is shared across replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(visitorKey string) string {
	return "widget:" + visitorKey
}

// Get reads the visitor hash.
func (s *RedisStore) Get(ctx context.Context, visitorKey string) (WidgetSession, bool, error) {
	values, err := s.client.HGetAll(ctx, redisKey(visitorKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return WidgetSession{}, false, nil
		}
		return WidgetSession{}, false, fmt.Errorf("redis hgetall: %w", err)
	}

	senderID := values["sender_id"]
	if senderID == "" {
		return WidgetSession{}, false, nil
	}

	open, _ := strconv.ParseBool(values["open"])
	return WidgetSession{Open: open, SenderID: senderID}, true, nil
}

// Put writes the visitor hash and refreshes its expiry.
func (s *RedisStore) Put(ctx context.Context, visitorKey string, session WidgetSession) error {
	key := redisKey(visitorKey)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"sender_id":  session.SenderID,
		"open":       strconv.FormatBool(session.Open),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store session: %w", err)
	}
	return nil
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
