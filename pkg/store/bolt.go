package store

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketReductions = []byte("reductions")
	bucketRemote     = []byte("remote")
)

// BoltStore implements ObjectStore with a BoltDB index next to an on-disk
// blob directory.
type BoltStore struct {
	db      *bolt.DB
	blobDir string
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	blobDir := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "foreman.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReductions, bucketRemote} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, blobDir: blobDir}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// IsAvailable reports whether the storage backend holds the blob.
func (s *BoltStore) IsAvailable(hash string) bool {
	available := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		available = tx.Bucket(bucketRemote).Get([]byte(hash)) != nil
		return nil
	})
	return available
}

// SetAvailable records that the storage backend holds the blob.
func (s *BoltStore) SetAvailable(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRemote).Put([]byte(hash), []byte{1})
	})
}

// InsertReduction records that key reduces to value.
func (s *BoltStore) InsertReduction(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReductions).Put([]byte(key), []byte(value))
	})
}

// LookupReduction returns the recorded reduction for key, if any.
func (s *BoltStore) LookupReduction(key string) (string, bool) {
	var value []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReductions).Get([]byte(key))
		if data != nil {
			value = make([]byte, len(data))
			copy(value, data)
		}
		return nil
	})
	if value == nil {
		return "", false
	}
	return string(value), true
}

// BlobPath returns the local path a blob lives at.
func (s *BoltStore) BlobPath(hash string) string {
	return filepath.Join(s.blobDir, hash)
}

// ReadBlob loads a local blob by content hash.
func (s *BoltStore) ReadBlob(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.BlobPath(hash))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}
