package state

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/liftsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.liftsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// DefaultRetryCeiling is the number of failed push attempts after
	// which a queue item is parked as failed.
	DefaultRetryCeiling = 5
)

var (
	metaBucket        = []byte("meta")
	queueBucket       = []byte("queue")
	queueIndexBucket  = []byte("queue_index")
	idmapLocalBucket  = []byte("idmap_local")
	idmapRemoteBucket = []byte("idmap_remote")
	idmapTypeBucket   = []byte("idmap_type")

	lastSyncKey = []byte("last_sync_at")
)

func entityBucket(kind models.EntityType) []byte {
	return []byte("entity:" + string(kind))
}

// State wraps a bbolt database holding the local entities, the mutation
// queue and the identifier map. Keeping all three in one database lets a
// push or pull step update them in a single transaction.
type State struct {
	db      *bolt.DB
	now     func() time.Time
	ceiling int
}

// Option customizes a State at load time.
type Option func(*State)

// WithRetryCeiling overrides DefaultRetryCeiling. Values below 1 are ignored.
func WithRetryCeiling(n int) Option {
	return func(s *State) {
		if n > 0 {
			s.ceiling = n
		}
	}
}

// WithClock replaces time.Now for entity and queue timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// Load opens the state database at ~/.liftsync/state.db, creating it if
// it does not exist.
func Load(opts ...Option) (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, opts...)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string, opts ...Option) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			metaBucket,
			queueBucket,
			queueIndexBucket,
			idmapLocalBucket,
			idmapRemoteBucket,
			idmapTypeBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		for _, kind := range models.EntityTypes {
			if _, err := tx.CreateBucketIfNotExists(entityBucket(kind)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{db: db, now: time.Now, ceiling: DefaultRetryCeiling}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// RetryCeiling returns the configured retry ceiling.
func (s *State) RetryCeiling() int {
	return s.ceiling
}

// Queue returns the mutation queue view of the database.
func (s *State) Queue() *Queue {
	return &Queue{s: s}
}

// IDMap returns the identifier mapping view of the database.
func (s *State) IDMap() *IDMap {
	return &IDMap{s: s}
}

// LastSyncAt returns the completion time of the last sync cycle, or the
// zero time if no cycle has completed yet.
func (s *State) LastSyncAt() (time.Time, error) {
	var t time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastSyncKey)
		if len(v) != 8 {
			return nil
		}

		t = time.UnixMilli(int64(binary.BigEndian.Uint64(v)))

		return nil
	})

	return t, err
}

// SetLastSyncAt persists the completion time of a sync cycle.
func (s *State) SetLastSyncAt(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(t.UnixMilli()))

		return tx.Bucket(metaBucket).Put(lastSyncKey, buf)
	})
}

// DefaultPath returns ~/.liftsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".liftsync", "state.db"), nil
}

func (s *State) nowMillis() int64 {
	return s.now().UnixMilli()
}
