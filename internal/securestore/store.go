// Package securestore persists JSON values through a storage backend,
// encrypting each value at rest.
package securestore

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/presenced/internal/metrics"
	"github.com/goodtune/presenced/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ErrCorrupt is returned when a stored value cannot be decrypted or parsed.
// A key rotation makes every existing value read as corrupt.
var ErrCorrupt = errors.New("securestore: stored value is corrupt")

const defaultCacheSize = 64

// Config holds store configuration
type Config struct {
	Secret    []byte
	CacheSize int
}

// Store is a typed, encrypted view over a storage.Store.
type Store struct {
	backend storage.Store
	aead    cipher.AEAD
	cache   *lru.Cache[string, []byte]
	logger  zerolog.Logger
}

// New creates an encrypted store. The key is derived once here.
func New(backend storage.Store, cfg Config, logger zerolog.Logger) (*Store, error) {
	key, err := DeriveKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create value cache: %w", err)
	}

	return &Store{
		backend: backend,
		aead:    aead,
		cache:   cache,
		logger:  logger.With().Str("component", "securestore").Logger(),
	}, nil
}

// Load decrypts the value at key into out. It returns storage.ErrNotFound
// when the key is absent and an error wrapping ErrCorrupt when the blob
// fails authentication or does not parse.
func (s *Store) Load(ctx context.Context, key string, out any) error {
	plaintext, err := s.plaintext(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		s.cache.Remove(key)
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (s *Store) plaintext(ctx context.Context, key string) ([]byte, error) {
	if cached, ok := s.cache.Get(key); ok {
		metrics.StoreCacheHits.Inc()
		return cached, nil
	}
	metrics.StoreCacheMisses.Inc()

	blob, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := openBlob(s.aead, key, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	s.cache.Add(key, plaintext)
	return plaintext, nil
}

// Set serializes, encrypts and persists v under key.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	blob, err := sealBlob(s.aead, key, plaintext)
	if err != nil {
		return err
	}

	if err := s.backend.Put(ctx, key, blob); err != nil {
		s.cache.Remove(key)
		return fmt.Errorf("persist %s: %w", key, err)
	}

	s.cache.Add(key, plaintext)
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.cache.Remove(key)
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the stored keys.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Keys(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	s.cache.Purge()
	return s.backend.Close()
}

// Lookup returns the value at key, or def if the key is absent or corrupt.
// Corruption is logged and counted. Any other backend failure is returned
// so callers never write back over data they could not read.
func Lookup[T any](ctx context.Context, s *Store, key string, def T) (T, error) {
	var out T
	err := s.Load(ctx, key, &out)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, storage.ErrNotFound):
		return def, nil
	case errors.Is(err, ErrCorrupt):
		metrics.StoreCorruptReads.WithLabelValues(key).Inc()
		s.logger.Error().Err(err).Str("key", key).Msg("Stored value unreadable, using default")
		return def, nil
	default:
		return def, err
	}
}

// Get is Lookup for read-only callers: a backend failure is logged and def
// is returned.
func Get[T any](ctx context.Context, s *Store, key string, def T) T {
	v, err := Lookup(ctx, s, key, def)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to read stored value, using default")
	}
	return v
}
