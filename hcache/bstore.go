package hcache

import (
	"context"
	"time"

	"github.com/mjl-/bstore"
)

// Entry is a single header-cache record in a bstore database. Key is the
// folder-prefixed canonical key, Data the validity-prefixed payload.
type Entry struct {
	Key  string `bstore:"nonzero"`
	Data []byte
}

// bstoreBackend stores entries as records in a bstore (typed, bbolt-backed)
// database.
type bstoreBackend struct {
	db *bstore.DB
}

func openBstore(path string) (backend, error) {
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, Entry{})
	if err != nil {
		return nil, err
	}
	return &bstoreBackend{db: db}, nil
}

func (b *bstoreBackend) get(key string) ([]byte, error) {
	e := Entry{Key: key}
	err := b.db.Get(context.Background(), &e)
	if err == bstore.ErrAbsent {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, err
	}
	return e.Data, nil
}

func (b *bstoreBackend) set(key string, data []byte) error {
	return b.db.Write(context.Background(), func(tx *bstore.Tx) error {
		e := Entry{Key: key}
		err := tx.Get(&e)
		if err == bstore.ErrAbsent {
			return tx.Insert(&Entry{Key: key, Data: data})
		}
		if err != nil {
			return err
		}
		e.Data = data
		return tx.Update(&e)
	})
}

func (b *bstoreBackend) delete(key string) error {
	err := b.db.Delete(context.Background(), &Entry{Key: key})
	if err == bstore.ErrAbsent {
		return nil
	}
	return err
}

func (b *bstoreBackend) close() error {
	return b.db.Close()
}
