// Package idempotency remembers which client keys and processor events were
// already handled, so retried deliveries return the first outcome instead of
// acting twice.
package idempotency

import (
	"encoding/json"
	"errors"
	"time"

	bolt "github.com/boltdb/bolt"
)

// Scopes keep client keys and processor event ids apart.
const (
	ScopeCreate  = "create_request"
	ScopeWebhook = "payment_webhook"
)

// PendingTimeout is how long a key with no value yet blocks retries. A
// pending record older than this was left by an attempt that never finished
// and is handed to the next caller.
const PendingTimeout = time.Minute

var ErrEmptyKey = errors.New("idempotency key is empty")

// Record is what a key maps to.
type Record struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a single-file bolt database with one bucket per scope.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, scope := range []string{ScopeCreate, ScopeWebhook} {
			if _, err := tx.CreateBucketIfNotExists([]byte(scope)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the record for key, if any.
func (s *Store) Lookup(scope, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	var rec Record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(scope))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// Remember stores value under key unless the key is already present, in
// which case the stored record is returned and created is false. A pending
// record older than PendingTimeout is replaced.
func (s *Store) Remember(scope, key, value string) (rec Record, created bool, err error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if existing := b.Get([]byte(key)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err != nil {
				return err
			}
			if rec.Value != "" || now.Sub(rec.CreatedAt) < PendingTimeout {
				return nil
			}
		}
		rec = Record{Key: key, Value: value, CreatedAt: now}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		created = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, created, nil
}

// Set overwrites the value of key, used once the first attempt finished.
func (s *Store) Set(scope, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		data, err := json.Marshal(Record{Key: key, Value: value, CreatedAt: s.now().UTC()})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Forget removes a key so a failed first attempt can be retried.
func (s *Store) Forget(scope, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(scope))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
