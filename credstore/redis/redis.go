// Package redis provides a Redis-backed credstore.Store. TTLs are delegated
// to Redis key expiry, and the one-time semantics of flows and exchange codes
// ride on GETDEL, which removes and returns a key in a single atomic command.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"ssogate/credstore"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword is optional. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD,default="`
	// RedisDB selects the logical database. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: CREDSTORE_KEY_PREFIX
	KeyPrefix string `env:"CREDSTORE_KEY_PREFIX,default=ssogate:"`

	// Client, when set, is used directly and the dial fields above are
	// ignored. The store takes ownership and closes it.
	Client *redis.Client
}

// Store implements credstore.Store on top of a Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ credstore.Store = (*Store)(nil)

// envelope wraps stored values with write-time metadata.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// New constructs a Store and verifies connectivity with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cl := cfg.Client
	if cl == nil {
		cl = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ssogate:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

func (s *Store) flowKey(state string) string { return s.keyPrefix + "flow:" + state }
func (s *Store) tokenKey(sub string) string  { return s.keyPrefix + "token:" + sub }
func (s *Store) codeKey(code string) string  { return s.keyPrefix + "code:" + code }

func (s *Store) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	env, err := json.Marshal(envelope{Data: data, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, env, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, errors.Join(credstore.ErrUnavailable, err))
	}
	return nil
}

func (s *Store) take(ctx context.Context, key string, v any) error {
	raw, err := s.client.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return credstore.ErrNotFound
		}
		return fmt.Errorf("getdel %s: %w", key, errors.Join(credstore.ErrUnavailable, err))
	}
	return decode(key, raw, v)
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return credstore.ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, errors.Join(credstore.ErrUnavailable, err))
	}
	return decode(key, raw, v)
}

func decode(key, raw string, v any) error {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("unmarshal envelope for %s: %w", key, err)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("unmarshal value for %s: %w", key, err)
	}
	return nil
}

func (s *Store) PutFlow(ctx context.Context, flow credstore.PendingFlow, ttl time.Duration) error {
	return s.put(ctx, s.flowKey(flow.State), flow, ttl)
}

func (s *Store) TakeFlow(ctx context.Context, state string) (credstore.PendingFlow, error) {
	var flow credstore.PendingFlow
	if err := s.take(ctx, s.flowKey(state), &flow); err != nil {
		return credstore.PendingFlow{}, err
	}
	return flow, nil
}

func (s *Store) PutToken(ctx context.Context, rec credstore.TokenRecord, ttl time.Duration) error {
	return s.put(ctx, s.tokenKey(rec.SubjectID), rec, ttl)
}

func (s *Store) GetToken(ctx context.Context, subjectID string) (credstore.TokenRecord, error) {
	var rec credstore.TokenRecord
	if err := s.get(ctx, s.tokenKey(subjectID), &rec); err != nil {
		return credstore.TokenRecord{}, err
	}
	return rec, nil
}

func (s *Store) DeleteToken(ctx context.Context, subjectID string) error {
	if err := s.client.Del(ctx, s.tokenKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("del token: %w", errors.Join(credstore.ErrUnavailable, err))
	}
	return nil
}

func (s *Store) PutExchangeCode(ctx context.Context, code, subjectID string, ttl time.Duration) error {
	return s.put(ctx, s.codeKey(code), subjectID, ttl)
}

func (s *Store) TakeExchangeCode(ctx context.Context, code string) (string, error) {
	var subjectID string
	if err := s.take(ctx, s.codeKey(code), &subjectID); err != nil {
		return "", err
	}
	return subjectID, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", errors.Join(credstore.ErrUnavailable, err))
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }
