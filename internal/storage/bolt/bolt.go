package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/goodtune/presenced/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketValues = "values"
	bucketMeta   = "meta"

	metaSchemaKey = "schema"
	schemaVersion = "1"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketValues, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		current := meta.Get([]byte(metaSchemaKey))
		if current == nil {
			return meta.Put([]byte(metaSchemaKey), []byte(schemaVersion))
		}
		if string(current) != schemaVersion {
			return fmt.Errorf("unsupported schema version %q", current)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return getBucketValue(ctx, s.db, bucketValues, key)
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return putBucketValue(ctx, s.db, bucketValues, key, value)
}

// Delete removes key. It returns storage.ErrNotFound if key is absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	return deleteBucketValue(ctx, s.db, bucketValues, key)
}

// Keys lists all stored keys in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := listBucketKeys(ctx, s.db, bucketValues)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func listBucketKeys(ctx context.Context, db *bbolt.DB, bucket string) ([]string, error) {
	keys := make([]string, 0)
	return keys, db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			keys = append(keys, string(k))
			return nil
		})
	})
}

func getBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string) ([]byte, error) {
	var item []byte
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		// bolt values are only valid for the life of the transaction
		item = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func putBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string, value []byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

func deleteBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}
