// Package bolt implements the persistent record store on bbolt.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")

	metaGeneration = []byte("generation")
	metaUpdated    = []byte("updated")
)

// boltStore implements recordstore.Store. Record sets are stored as JSON
// under their cache key.
type boltStore struct {
	db *bbolt.DB
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (recordstore.Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open record store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) Get(key string) (recordstore.RecordSet, bool, error) {
	var (
		set   recordstore.RecordSet
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &set)
	})
	if err != nil {
		return recordstore.RecordSet{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	return set, found, nil
}

// PutMany writes every set in one transaction and bumps the generation.
func (s *boltStore) PutMany(sets map[string]recordstore.RecordSet, now time.Time) error {
	if len(sets) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for key, set := range sets {
			v, err := json.Marshal(set)
			if err != nil {
				return fmt.Errorf("encode %q: %w", key, err)
			}
			if err := b.Put([]byte(key), v); err != nil {
				return err
			}
		}
		return bumpGeneration(tx, now)
	})
}

func (s *boltStore) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return bumpGeneration(tx, time.Now())
	})
}

// ForEach visits every stored set in key order until visit returns false.
// Entries that fail to decode are skipped.
func (s *boltStore) ForEach(visit func(key string, set recordstore.RecordSet) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var set recordstore.RecordSet
			if err := json.Unmarshal(v, &set); err != nil {
				continue
			}
			if !visit(string(k), set) {
				return nil
			}
		}
		return nil
	})
}

func (s *boltStore) Generation() (uint64, error) {
	var gen uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		gen = readUint64(tx.Bucket(bucketMeta), metaGeneration)
		return nil
	})
	return gen, err
}

func (s *boltStore) Stats() recordstore.StoreStats {
	st := recordstore.StoreStats{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		st.Keys = uint64(tx.Bucket(bucketRecords).Stats().KeyN)
		meta := tx.Bucket(bucketMeta)
		st.Generation = readUint64(meta, metaGeneration)
		st.UpdatedUnix = int64(readUint64(meta, metaUpdated))
		return nil
	})
	return st
}

func bumpGeneration(tx *bbolt.Tx, now time.Time) error {
	meta := tx.Bucket(bucketMeta)
	if err := putUint64(meta, metaGeneration, readUint64(meta, metaGeneration)+1); err != nil {
		return err
	}
	return putUint64(meta, metaUpdated, uint64(now.Unix()))
}

func readUint64(b *bbolt.Bucket, key []byte) uint64 {
	if v := b.Get(key); len(v) == 8 {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

func putUint64(b *bbolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}

var _ recordstore.Store = (*boltStore)(nil)
