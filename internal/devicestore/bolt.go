package devicestore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketExtensions = []byte("extensions")
	bucketTree       = []byte("tree")
)

// BoltStore implements Store using BoltDB, one bucket per device family so
// an extension and a Tree child can legitimately share a serial without
// colliding (SPEC_FULL.md §6b).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketExtensions, bucketTree} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func serialKey(serial uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, serial)
	return key
}

func bucketFor(tx *bolt.Tx, isTreeChild bool) *bolt.Bucket {
	if isTreeChild {
		return tx.Bucket(bucketTree)
	}
	return tx.Bucket(bucketExtensions)
}

func (s *BoltStore) SaveAssignment(a *Assignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := bucketFor(tx, a.IsTreeChild)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(serialKey(a.Serial), data)
	})
}

func (s *BoltStore) getFrom(bucket []byte, serial uint32) (*Assignment, error) {
	var a Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get(serialKey(serial))
		if data == nil {
			return fmt.Errorf("assignment %d: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAssignment looks up serial in the extensions bucket first, then the
// tree bucket, since the caller doesn't always know which family a serial
// belongs to ahead of the first lookup.
func (s *BoltStore) GetAssignment(serial uint32) (*Assignment, error) {
	if a, err := s.getFrom(bucketExtensions, serial); err == nil {
		return a, nil
	}
	return s.getFrom(bucketTree, serial)
}

func (s *BoltStore) DeleteAssignment(serial uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := serialKey(serial)
		if err := tx.Bucket(bucketExtensions).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketTree).Delete(key)
	})
}

func (s *BoltStore) ListAssignments() ([]*Assignment, error) {
	var out []*Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketExtensions, bucketTree} {
			b := tx.Bucket(bucket)
			err := b.ForEach(func(k, v []byte) error {
				var a Assignment
				if err := json.Unmarshal(v, &a); err != nil {
					return err
				}
				out = append(out, &a)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
