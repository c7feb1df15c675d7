// Package session provides infrastructure implementations for presentation session storage
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"verifiedid-verifier/pkg/domain/errors"
	"verifiedid-verifier/pkg/domain/presentation"
)

const (
	sessionsBucket = "presentations"
)

// BoltStore implements presentation.Store using BoltDB
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed session store
func NewBoltStore(dbPath string) (*BoltStore, error) {
	// Ensure the parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.New(errors.CodeIoError, "persistence", fmt.Sprintf("failed to create directory %s", dir), err)
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		if strings.Contains(err.Error(), "timeout") {
			return nil, errors.New(errors.CodeIoError, "persistence",
				fmt.Sprintf("database file '%s' is already in use by another verifier instance. "+
					"Use VERIFIER_STORE_PATH to specify a different database file", dbPath), err)
		}
		return nil, errors.New(errors.CodeIoError, "persistence", "failed to open bolt db", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeIoError, "persistence", "failed to create sessions bucket", err)
	}

	return &BoltStore{
		db:  db,
		now: time.Now,
	}, nil
}

// SetClock replaces the time source used for expiry checks. Not safe for
// concurrent use with other methods.
func (s *BoltStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the BoltDB connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create stores a new session
func (s *BoltStore) Create(ctx context.Context, sess presentation.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))

		if bucket.Get([]byte(sess.RequestID)) != nil {
			return errors.New(errors.CodeAlreadyExists, "persistence", fmt.Sprintf("session %s already exists", sess.RequestID), nil)
		}

		return put(bucket, sess)
	})
}

// Get retrieves a live session by request id
func (s *BoltStore) Get(ctx context.Context, id string) (presentation.Session, error) {
	var sess presentation.Session

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		sess, err = s.load(tx.Bucket([]byte(sessionsBucket)), id)
		return err
	})
	if err != nil {
		return presentation.Session{}, err
	}

	return sess, nil
}

// Update replaces an existing session
func (s *BoltStore) Update(ctx context.Context, sess presentation.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))

		if bucket.Get([]byte(sess.RequestID)) == nil {
			return notFound(sess.RequestID)
		}

		return put(bucket, sess)
	})
}

// Mutate performs a read-modify-write of one session inside a single transaction
func (s *BoltStore) Mutate(ctx context.Context, id string, fn func(*presentation.Session) error) (presentation.Session, error) {
	var sess presentation.Session

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))

		var err error
		sess, err = s.load(bucket, id)
		if err != nil {
			return err
		}

		if err := fn(&sess); err != nil {
			return err
		}

		return put(bucket, sess)
	})
	if err != nil {
		return presentation.Session{}, err
	}

	return sess, nil
}

// Delete removes a session
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))

		if bucket.Get([]byte(id)) == nil {
			return notFound(id)
		}

		if err := bucket.Delete([]byte(id)); err != nil {
			return errors.New(errors.CodeIoError, "persistence", "failed to delete session", err)
		}

		return nil
	})
}

// List returns all live sessions, optionally filtered
func (s *BoltStore) List(ctx context.Context, filters ...presentation.Filter) ([]presentation.Session, error) {
	var sessions []presentation.Session
	now := s.now()

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))

		return bucket.ForEach(func(k, v []byte) error {
			var sess presentation.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return nil // Continue iteration
			}
			if sess.IsExpiredAt(now) {
				return nil
			}

			if matches(sess, filters) {
				sessions = append(sessions, sess)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

// Cleanup removes expired sessions
func (s *BoltStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	var removedCount int

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))

		var expiredIDs [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var sess presentation.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				// Unreadable records are dropped with the expired ones.
				expiredIDs = append(expiredIDs, append([]byte(nil), k...))
				return nil
			}

			if sess.IsExpiredAt(now) {
				expiredIDs = append(expiredIDs, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range expiredIDs {
			if err := bucket.Delete(id); err != nil {
				continue
			}
			removedCount++
		}

		return nil
	})

	return removedCount, err
}

func (s *BoltStore) load(bucket *bbolt.Bucket, id string) (presentation.Session, error) {
	var sess presentation.Session

	data := bucket.Get([]byte(id))
	if data == nil {
		return sess, notFound(id)
	}
	if err := json.Unmarshal(data, &sess); err != nil {
		return sess, errors.New(errors.CodeInternalError, "persistence", "failed to unmarshal session", err)
	}
	if sess.IsExpiredAt(s.now()) {
		return presentation.Session{}, errors.New(errors.CodeSessionExpired, "persistence", fmt.Sprintf("session %s expired", id), nil)
	}

	return sess, nil
}

func put(bucket *bbolt.Bucket, sess presentation.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.New(errors.CodeInternalError, "persistence", "failed to marshal session", err)
	}

	if err := bucket.Put([]byte(sess.RequestID), data); err != nil {
		return errors.New(errors.CodeIoError, "persistence", "failed to store session", err)
	}

	return nil
}

func notFound(id string) error {
	return errors.New(errors.CodeNotFound, "persistence", fmt.Sprintf("session %s not found", id), nil)
}

func matches(sess presentation.Session, filters []presentation.Filter) bool {
	for _, filter := range filters {
		if !filter.Apply(sess) {
			return false
		}
	}
	return true
}
