// Package store persists small pieces of supervisor state that must survive an
// application crash, such as the DNS servers that were in place before an
// override and the last negotiated port binding.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store provides type-safe key-value storage
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errdefs.ErrNotFound

// BoltStore is a bolt-backed Store. Stores opened on the same path share one
// bolt.DB; the file is closed when the last of them is closed.
type BoltStore[T any] struct {
	db         *bolt.DB
	path       string
	bucketName []byte
}

var (
	sharedDBs = make(map[string]*sharedDB)
	dbMu      sync.Mutex
)

type sharedDB struct {
	db       *bolt.DB
	refCount int
}

// Open returns a Store backed by the bucket in the database at dbPath.
func Open[T any](dbPath string, bucketName string) (Store[T], error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	sdb, exists := sharedDBs[dbPath]
	if !exists {
		// A second corevisor instance holding the file lock fails here
		// after the timeout instead of blocking forever.
		db, err := bolt.Open(dbPath, 0600, &bolt.Options{
			Timeout: 2 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt db: %w", err)
		}
		sdb = &sharedDB{db: db}
		sharedDBs[dbPath] = sdb
	}

	sdb.refCount++

	err := sdb.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		sdb.refCount--
		if sdb.refCount == 0 {
			_ = sdb.db.Close()
			delete(sharedDBs, dbPath)
		}
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore[T]{
		db:         sdb.db,
		path:       dbPath,
		bucketName: []byte(bucketName),
	}, nil
}

// Get retrieves a value by key
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		return b.Delete([]byte(key))
	})
}

// Close releases this store's reference to the shared database.
func (s *BoltStore[T]) Close() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	sdb, ok := sharedDBs[s.path]
	if !ok || sdb.db != s.db {
		return nil
	}
	sdb.refCount--
	if sdb.refCount == 0 {
		delete(sharedDBs, s.path)
		return sdb.db.Close()
	}
	return nil
}
