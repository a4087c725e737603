package replay

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("pq-fsr-replay")

// BoltBackend persists the process-wide replay cache to an embedded Bolt
// database, the way the teacher's key-value store persists peer records:
// one bucket, opened once, one transaction per operation.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (creating if necessary) a Bolt database at path to
// back a process-wide Cache across restarts.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating replay bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltBackend) Close() error { return b.db.Close() }

// Put stores or overwrites a handshake id's first-seen time and attempt
// count.
func (b *BoltBackend) Put(id [HandshakeIDSize]byte, firstSeen time.Time, attemptCount int) error {
	value := make([]byte, 8+4)
	binary.BigEndian.PutUint64(value[:8], uint64(firstSeen.Unix()))
	binary.BigEndian.PutUint32(value[8:], uint32(attemptCount))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(id[:], value)
	})
}

// Delete removes a handshake id entry.
func (b *BoltBackend) Delete(id [HandshakeIDSize]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(id[:])
	})
}

// ForEach iterates every persisted entry, in the order Bolt's cursor
// presents them (ascending key order).
func (b *BoltBackend) ForEach(fn func(id [HandshakeIDSize]byte, firstSeen time.Time, attemptCount int) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			if len(k) != HandshakeIDSize || len(v) != 12 {
				return nil // skip malformed legacy records rather than fail the whole load
			}
			var id [HandshakeIDSize]byte
			copy(id[:], k)
			firstSeen := time.Unix(int64(binary.BigEndian.Uint64(v[:8])), 0)
			attemptCount := int(binary.BigEndian.Uint32(v[8:]))
			return fn(id, firstSeen, attemptCount)
		})
	})
}
