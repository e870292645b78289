package hcache

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("hcache")

// boltBackend stores entries directly in a bbolt bucket.
type boltBackend struct {
	db *bolt.DB
}

func openBolt(path string) (backend, error) {
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		xerr := db.Close()
		xlog.Check(xerr, "closing cache database after bucket create error")
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) get(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return ErrAbsent
		}
		// The value is only valid during the transaction.
		data = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *boltBackend) set(key string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), data)
	})
}

func (b *boltBackend) delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (b *boltBackend) close() error {
	return b.db.Close()
}
