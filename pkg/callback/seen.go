package callback

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var seenBucket = []byte("callbacks")

// SeenStore records delivered callback keys in a local bbolt file so
// redelivered completions are acknowledged without side effects. Keys
// are "{runtime}:{external job id}".
type SeenStore struct {
	db *bolt.DB
}

// OpenSeenStore opens (or creates) the idempotency database at path.
func OpenSeenStore(path string) (*SeenStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening callback db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(seenBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing callback db: %w", err)
	}
	return &SeenStore{db: db}, nil
}

// Seen reports whether the key has been recorded.
func (s *SeenStore) Seen(key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(seenBucket).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Mark records the key with the node it resolved to.
func (s *SeenStore) Mark(key, nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(seenBucket).Put([]byte(key), []byte(nodeID))
	})
}

// Close closes the underlying database.
func (s *SeenStore) Close() error {
	return s.db.Close()
}
