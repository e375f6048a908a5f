package store

import (
	"bytes"
	"errors"

	bolt "go.etcd.io/bbolt"

	"loomcrypt/internal/domain"
)

var recordsBucket = []byte("records")

// BoltBackend stores records in a single-bucket bbolt database.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *BoltBackend) Save(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), value)
	})
}

func (b *BoltBackend) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
}

type boltTx struct {
	bkt *bolt.Bucket
}

func (t boltTx) Save(key string, value []byte) error {
	return t.bkt.Put([]byte(key), value)
}

func (t boltTx) Delete(key string) error {
	return t.bkt.Delete([]byte(key))
}

// Transaction runs fn inside one bbolt write transaction; bbolt gives the
// all-or-nothing crash guarantee the store contract requires.
func (b *BoltBackend) Transaction(fn func(tx domain.BackendTx) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(boltTx{bkt: tx.Bucket(recordsBucket)})
	})
}

func (b *BoltBackend) Scan(prefix string, fn func(key string, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	if b.db == nil {
		return errors.New("bolt backend already closed")
	}
	err := b.db.Close()
	b.db = nil
	return err
}

var _ domain.Backend = (*BoltBackend)(nil)
