// Package store is a thin, typed facade over a byte-keyed tree database
// (bbolt): get/put/delete/scan/scan_prefix/delete_prefix, with every value
// framed by a version header via pkg/wire so future schema changes stay
// additive-only. Grounded on the teacher's bucket-per-entity BoltStore
// (db.Update/db.View closures, fmt.Errorf wrapping) generalized from
// JSON-per-type to one generic Tree[V] parameterized over a wire codec.
package store

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/snops/pkg/apierr"
	bolt "go.etcd.io/bbolt"
)

// DB wraps the bbolt database holding the four logical trees the module
// persists to: agents, envs, storage, and the tx_* family keyed by
// (env, cannon, tx) triples. OpenTrees creates them.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if absent) the bbolt file at <dataDir>/snops.db.
func Open(dataDir string) (*DB, error) {
	path := filepath.Join(dataDir, "snops.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &DB{bolt: db}, nil
}

func (d *DB) Close() error {
	if err := d.bolt.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Codec marshals/unmarshals a tree's value type to/from the versioned wire
// framing. Tree implementations for each domain type supply this.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// Tree is a typed view over one bbolt bucket.
type Tree[V any] struct {
	db     *DB
	bucket []byte
	codec  Codec[V]
}

// NewTree opens (creating if absent) the named bucket and returns a typed
// view over it using codec for value (de)serialization.
func NewTree[V any](db *DB, name string, codec Codec[V]) (*Tree[V], error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create bucket %s: %w", name, err)
	}
	return &Tree[V]{db: db, bucket: []byte(name), codec: codec}, nil
}

// Restore fetches the value at key, or ok=false if absent.
func (t *Tree[V]) Restore(key []byte) (value V, ok bool, err error) {
	err = t.db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		decoded, decErr := t.codec.Decode(data)
		if decErr != nil {
			return apierr.Internal("store", fmt.Errorf("decode key %x: %w", key, decErr))
		}
		value = decoded
		ok = true
		return nil
	})
	return value, ok, err
}

// Save upserts key -> v.
func (t *Tree[V]) Save(key []byte, v V) error {
	data, err := t.codec.Encode(v)
	if err != nil {
		return apierr.Internal("store", fmt.Errorf("encode key %x: %w", key, err))
	}
	return t.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		return b.Put(key, data)
	})
}

// Delete removes key, reporting whether it was present.
func (t *Tree[V]) Delete(key []byte) (existed bool, err error) {
	err = t.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		existed = b.Get(key) != nil
		return b.Delete(key)
	})
	return existed, err
}

// Entry is one key/value pair returned by a scan.
type Entry[V any] struct {
	Key   []byte
	Value V
}

// Scan returns every entry in the tree, in key order.
func (t *Tree[V]) Scan() ([]Entry[V], error) {
	return t.ScanPrefix(nil)
}

// ScanPrefix returns every entry whose key has the given prefix, in key
// order, via bbolt's Cursor.Seek (the teacher's Store had no prefix scan;
// bbolt's own ordered-keys cursor gives it directly).
func (t *Tree[V]) ScanPrefix(prefix []byte) ([]Entry[V], error) {
	var out []Entry[V]
	err := t.db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(t.bucket).Cursor()
		var k, v []byte
		if len(prefix) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(prefix)
		}
		for ; k != nil; k, v = c.Next() {
			if len(prefix) > 0 && !hasPrefix(k, prefix) {
				break
			}
			decoded, err := t.codec.Decode(v)
			if err != nil {
				return apierr.Internal("store", fmt.Errorf("decode key %x: %w", k, err))
			}
			keyCopy := append([]byte(nil), k...)
			out = append(out, Entry[V]{Key: keyCopy, Value: decoded})
		}
		return nil
	})
	return out, err
}

// DeletePrefix removes every key with the given prefix and returns the
// count removed.
func (t *Tree[V]) DeletePrefix(prefix []byte) (int, error) {
	removed := 0
	err := t.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		c := b.Cursor()

		// Collect keys first: bbolt cursors do not guarantee correct
		// traversal across interleaved deletes.
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
