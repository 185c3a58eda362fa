package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements session.Store on top of a BoltDB file. Values live in a single bucket and
// survive process restarts, which is what keeps the session identifier stable across runs.
type BoltDB struct {
	db *bolt.DB
}

var boltBucket = []byte("session")

// boltLockTimeout bounds the wait for the file lock held by another process.
const boltLockTimeout = time.Second

// NewBoltDB opens (or creates) the database at path and makes sure the bucket exists. The
// file is created with 0600 permissions. A file held open by another process fails with
// ErrStoreLocked.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltLockTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return BoltDB{}, fmt.Errorf("%w: %s", ErrStoreLocked, path)
	}
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Get retrieves the value stored under key.
func (b BoltDB) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return nil
		}

		v := bucket.Get([]byte(key))
		if v == nil {
			return nil
		}
		// The slice is only valid inside the transaction.
		value = string(v)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, found, nil
}

// Set stores value under key, replacing any previous value.
func (b BoltDB) Set(_ context.Context, key, value string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Close releases the database file lock.
func (b BoltDB) Close() error {
	return b.db.Close()
}
