package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 * 1024
	DefaultKVMaxEntries   = 1000
)

var ErrKVFull = errors.New("kv store full")

// KVBackend stores string values by key. Implementations must be safe for
// concurrent use.
type KVBackend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

type KVOption func(*KVConfig)

func WithMaxKeySize(size int) KVOption {
	return func(c *KVConfig) { c.MaxKeySize = size }
}

func WithMaxValueSize(size int) KVOption {
	return func(c *KVConfig) { c.MaxValueSize = size }
}

func WithMaxEntries(n int) KVOption {
	return func(c *KVConfig) { c.MaxEntries = n }
}

// KV exposes a KVBackend to scripts as kv_get, kv_set, kv_delete and kv_keys.
type KV struct {
	cfg     KVConfig
	backend KVBackend
}

// NewKV wraps backend with size limits. A nil backend gets a fresh
// in-memory store.
func NewKV(backend KVBackend, opts ...KVOption) *KV {
	cfg := DefaultKVConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if backend == nil {
		backend = NewMemoryKV()
	}
	return &KV{cfg: cfg, backend: backend}
}

func (k *KV) Backend() KVBackend { return k.backend }

func (k *KV) key(args map[string]any) (string, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return "", errors.New("key required")
	}
	if k.cfg.MaxKeySize > 0 && len(key) > k.cfg.MaxKeySize {
		return "", fmt.Errorf("key exceeds max size (%d bytes)", k.cfg.MaxKeySize)
	}
	return key, nil
}

func (k *KV) Get(ctx context.Context, args map[string]any) (any, error) {
	key, err := k.key(args)
	if err != nil {
		return nil, err
	}
	val, ok, err := k.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return args["default"], nil
	}
	return val, nil
}

func (k *KV) Set(ctx context.Context, args map[string]any) (any, error) {
	key, err := k.key(args)
	if err != nil {
		return nil, err
	}
	val, ok := args["value"].(string)
	if !ok {
		return nil, errors.New("value required")
	}
	if k.cfg.MaxValueSize > 0 && len(val) > k.cfg.MaxValueSize {
		return nil, fmt.Errorf("value exceeds max size (%d bytes)", k.cfg.MaxValueSize)
	}

	if k.cfg.MaxEntries > 0 {
		_, exists, err := k.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !exists {
			n, err := k.backend.Len(ctx)
			if err != nil {
				return nil, err
			}
			if n >= k.cfg.MaxEntries {
				return nil, fmt.Errorf("%w (max %d entries)", ErrKVFull, k.cfg.MaxEntries)
			}
		}
	}

	if err := k.backend.Set(ctx, key, val); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (k *KV) Delete(ctx context.Context, args map[string]any) (any, error) {
	key, err := k.key(args)
	if err != nil {
		return nil, err
	}
	if err := k.backend.Delete(ctx, key); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (k *KV) Keys(ctx context.Context, args map[string]any) (any, error) {
	keys, err := k.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Register installs the kv_* functions into r.
func (k *KV) Register(r *Registry) {
	r.Register("kv_get", k.Get)
	r.Register("kv_set", k.Set)
	r.Register("kv_delete", k.Delete)
	r.Register("kv_keys", k.Keys)
}

type memoryKV struct {
	data map[string]string
	mu   sync.RWMutex
}

func NewMemoryKV() KVBackend {
	return &memoryKV{data: make(map[string]string)}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	val, ok := m.data[key]
	m.mu.RUnlock()
	return val, ok, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryKV) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryKV) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data), nil
}

func (m *memoryKV) Close() error { return nil }
