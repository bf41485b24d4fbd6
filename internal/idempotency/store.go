// Package idempotency replays responses for retried requests that carry an
// Idempotency-Key header.
//
// Records live in an embedded BoltDB file keyed by (user, key). A record is
// reserved before the handler runs and completed with the response it
// produced, so a retry of a request that already went through returns the
// same order instead of charging the buyer twice.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "idempotency_keys"

// DefaultTTL is how long a completed response is replayed.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned when no live record exists for a key.
var ErrNotFound = errors.New("idempotency record not found")

// Record is a reserved or completed request. Status is zero while the
// original request is still running.
type Record struct {
	RequestHash string    `json:"requestHash"`
	Status      int       `json:"status"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Pending reports whether the original request has not finished yet.
func (r *Record) Pending() bool { return r.Status == 0 }

// Store is a BoltDB-backed idempotency record store.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the bucket exists.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create idempotency bucket: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(userID, key string) []byte {
	return []byte(userID + "\x00" + key)
}

func (s *Store) expired(r *Record) bool {
	return s.now().Sub(r.CreatedAt) > s.ttl
}

// Get returns the live record for a key.
func (s *Store) Get(userID, key string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get(recordKey(userID, key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if s.expired(&rec) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Reserve claims a key for a new request. When a live record already exists
// it is returned unchanged with reserved=false and nothing is written.
func (s *Store) Reserve(userID, key, requestHash string) (_ *Record, reserved bool, _ error) {
	var result Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		k := recordKey(userID, key)

		if existing := b.Get(k); existing != nil {
			if err := json.Unmarshal(existing, &result); err != nil {
				return err
			}
			if !s.expired(&result) {
				return nil
			}
		}

		result = Record{RequestHash: requestHash, CreatedAt: s.now().UTC()}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		reserved = true
		return b.Put(k, data)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, reserved, nil
}

// Complete stores the response of a reserved request.
func (s *Store) Complete(userID, key string, status int, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		k := recordKey(userID, key)

		v := b.Get(k)
		if v == nil {
			return ErrNotFound
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.Status = status
		rec.Body = body

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
}

// Release drops a reservation so the client can retry with the same key.
// Releasing a missing key is not an error.
func (s *Store) Release(userID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(recordKey(userID, key))
	})
}

// Purge deletes expired records and returns how many were removed.
func (s *Store) Purge() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil || s.expired(&rec) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
