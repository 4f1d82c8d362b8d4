package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/slok/sbxd/internal/log"
)

// Provider applies the full dynamic configuration on the proxy.
type Provider interface {
	Apply(ctx context.Context, cfg *DynamicConfig) error
}

// FileProviderConfig is the configuration for the file provider.
type FileProviderConfig struct {
	// Path is the traefik dynamic configuration file watched by the file provider.
	Path   string
	Logger log.Logger
}

func (c *FileProviderConfig) defaults() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "proxy.FileProvider"})

	return nil
}

// FileProvider writes the configuration as a traefik dynamic configuration file.
// The file is replaced atomically so traefik never reads a partial file.
type FileProvider struct {
	path   string
	logger log.Logger
}

// NewFileProvider returns a new file provider.
func NewFileProvider(cfg FileProviderConfig) (*FileProvider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &FileProvider{path: cfg.Path, logger: cfg.Logger}, nil
}

func (f *FileProvider) Apply(ctx context.Context, cfg *DynamicConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("could not marshal dynamic config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("could not create config dir: %w", err)
	}
	if err := atomicwriter.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("could not write dynamic config: %w", err)
	}
	f.logger.Debugf("Dynamic config written to %s (%d routers)", f.path, len(cfg.HTTP.Routers))

	return nil
}

// KVStore is the key value store used by the KV provider.
type KVStore interface {
	// Replace sets and deletes keys atomically.
	Replace(ctx context.Context, set map[string]string, del []string) error
	// Keys returns the keys with a prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type redisKVStore struct {
	client redis.UniversalClient
}

// NewRedisKVStore returns a KVStore backed by redis.
func NewRedisKVStore(client redis.UniversalClient) KVStore {
	return &redisKVStore{client: client}
}

func (r *redisKVStore) Replace(ctx context.Context, set map[string]string, del []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			pipe.Del(ctx, del...)
		}
		if len(set) > 0 {
			pipe.MSet(ctx, set)
		}
		return nil
	})
	return err
}

func (r *redisKVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// KVProviderConfig is the configuration for the KV provider.
type KVProviderConfig struct {
	Store KVStore
	// RootKey is the traefik KV provider root key.
	RootKey string
	Logger  log.Logger
}

func (c *KVProviderConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}

	if c.RootKey == "" {
		c.RootKey = "traefik"
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "proxy.KVProvider"})

	return nil
}

// KVProvider publishes the configuration on a traefik KV provider store.
// Only keys owned by sandbox routes are managed, anything else under the root is left alone.
type KVProvider struct {
	mu      sync.Mutex
	store   KVStore
	root    string
	applied map[string]string
	synced  bool
	logger  log.Logger
}

// NewKVProvider returns a new KV provider.
func NewKVProvider(cfg KVProviderConfig) (*KVProvider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &KVProvider{
		store:  cfg.Store,
		root:   strings.TrimSuffix(cfg.RootKey, "/"),
		logger: cfg.Logger,
	}, nil
}

func (k *KVProvider) Apply(ctx context.Context, cfg *DynamicConfig) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	current, err := k.currentKeys(ctx)
	if err != nil {
		return err
	}

	want := kvPairs(k.root, cfg)
	var del []string
	for _, key := range current {
		if _, ok := want[key]; !ok {
			del = append(del, key)
		}
	}
	slices.Sort(del)

	set := map[string]string{}
	for key, v := range want {
		if old, ok := k.applied[key]; !ok || old != v {
			set[key] = v
		}
	}

	if len(set) == 0 && len(del) == 0 {
		return nil
	}
	if err := k.store.Replace(ctx, set, del); err != nil {
		return fmt.Errorf("could not replace keys: %w", err)
	}
	k.applied = want
	k.synced = true
	k.logger.Debugf("KV routes updated (set: %d, deleted: %d)", len(set), len(del))

	return nil
}

// currentKeys returns the managed keys on the store, they are listed until the first successful apply
// and then tracked locally.
func (k *KVProvider) currentKeys(ctx context.Context) ([]string, error) {
	if k.synced {
		res := make([]string, 0, len(k.applied))
		for key := range k.applied {
			res = append(res, key)
		}
		return res, nil
	}

	var res []string
	prefixes := []string{
		k.root + "/http/routers/sbx-",
		k.root + "/http/services/sbx-",
		k.root + "/tls/options/" + TLSOptionsName + "/",
	}
	for _, p := range prefixes {
		keys, err := k.store.Keys(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("could not list keys: %w", err)
		}
		res = append(res, keys...)
	}

	return res, nil
}
