// Package poscache persists a worker's last-known ring position across
// restarts, so a restarting process can resume its old position instead of
// re-rolling a fresh gap-weighted placement and reshuffling its neighbours'
// ranges for no reason.
package poscache

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketPosition = []byte("position")

const keyPosition = "ring_position"

// Cache is a single-bucket bbolt-backed store of one integer value.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the position cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open position cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPosition)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create position bucket: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying bbolt file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Load returns the previously stored position and true, or false if none
// has been stored yet (first boot on this host).
func (c *Cache) Load() (int, bool, error) {
	var pos int
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPosition)
		data := b.Get([]byte(keyPosition))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("corrupt position cache entry: %d bytes", len(data))
		}
		pos = int(int64(binary.BigEndian.Uint64(data)))
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return pos, found, nil
}

// Store persists position, overwriting any previous value.
func (c *Cache) Store(position int) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(int64(position)))
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPosition)
		return b.Put([]byte(keyPosition), data)
	})
}
