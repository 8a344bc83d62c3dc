// Package tcs talks to the telescope control system through a key/value
// channel: it reads pointing and laser status and writes the shutter
// sequence and the heartbeat.
package tcs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by KV.Get for a missing key.
var ErrNotFound = errors.New("key not found")

// KV is the telescope control channel.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Ping(ctx context.Context) error
}

// Reconnector is implemented by channels that can drop and re-dial their
// connection.
type Reconnector interface {
	Reconnect() error
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisKV is a KV backed by Redis.
type RedisKV struct {
	cfg    RedisConfig
	client atomic.Pointer[redis.Client]
	mu     sync.Mutex // serializes Reconnect
}

// NewRedisKV creates the client. No connection is made until first use.
func NewRedisKV(cfg RedisConfig) *RedisKV {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	kv := &RedisKV{cfg: cfg}
	kv.client.Store(kv.dial())
	return kv
}

func (r *RedisKV) dial() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         r.cfg.Addr,
		Password:     r.cfg.Password,
		DB:           r.cfg.DB,
		DialTimeout:  r.cfg.DialTimeout,
		ReadTimeout:  r.cfg.ReadTimeout,
		WriteTimeout: r.cfg.WriteTimeout,
		MaxRetries:   1,
	})
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Load().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Load().Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Load().Ping(ctx).Err()
}

// Reconnect replaces the client with a freshly dialed one.
func (r *RedisKV) Reconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.client.Swap(r.dial())
	if old != nil {
		return old.Close()
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisKV) Close() error {
	return r.client.Load().Close()
}

// maxMemoryWrites bounds the write history of a MemoryKV.
const maxMemoryWrites = 1024

// MemoryKV is an in-process KV used on test nights without a telescope and in
// tests.
type MemoryKV struct {
	mu     sync.Mutex
	data   map[string]string
	writes []string
	err    error
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.writes = append(m.writes, key+"="+value)
	if len(m.writes) > maxMemoryWrites {
		m.writes = append(m.writes[:0], m.writes[len(m.writes)-maxMemoryWrites/2:]...)
	}
	return nil
}

func (m *MemoryKV) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Fail makes every following call return err; nil restores the channel.
func (m *MemoryKV) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Value returns the stored value of key, bypassing Fail.
func (m *MemoryKV) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// Writes returns every successful Set as "key=value", oldest first.
func (m *MemoryKV) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}
