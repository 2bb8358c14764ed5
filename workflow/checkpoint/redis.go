package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/graphflow/internal/tlsutil"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
	TLS      bool   `json:"tls" yaml:"tls"`
}

// RedisStore keeps each checkpoint as a JSON string and indexes thread ids
// in a sorted set scored by update time. Both writes go through one
// MULTI/EXEC transaction.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// OpenRedisStore dials redis and verifies the connection.
func OpenRedisStore(cfg RedisConfig, keyPrefix string) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStore(client, keyPrefix)
	s.ownClient = true
	return s, nil
}

func (s *RedisStore) threadKey(threadID string) string {
	return s.keyPrefix + "checkpoint:" + threadID
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "checkpoints"
}

func (s *RedisStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.threadKey(threadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get checkpoint %q: %w", threadID, err)
	}
	return Unmarshal(data)
}

func (s *RedisStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	data, err := Marshal(cp)
	if err != nil {
		return err
	}
	score := float64(cp.UpdatedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.threadKey(cp.ThreadID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: cp.ThreadID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put checkpoint %q: %w", cp.ThreadID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.threadKey(threadID))
		pipe.ZRem(ctx, s.indexKey(), threadID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete checkpoint %q: %w", threadID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list checkpoints: %w", err)
	}
	ids := make([]string, 0, len(all))
	for _, id := range all {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
