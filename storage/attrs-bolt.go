//go:build !noboltdb && !wasm

package storage

import (
	"bytes"
	"path/filepath"
	"time"

	g "github.com/anacrolix/generics"
	"go.etcd.io/bbolt"
)

// Attributes in a bbolt database, one bucket per namespace.
type boltAttributeStore struct {
	db *bbolt.DB
}

var _ AttributeStore = (*boltAttributeStore)(nil)

func NewBoltAttributeStore(dir string) (AttributeStore, error) {
	db, err := bbolt.Open(filepath.Join(dir, ".piecestore.bolt.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, err
	}
	db.NoSync = true
	return &boltAttributeStore{db}, nil
}

func (me *boltAttributeStore) Get(namespace, name string) (ret g.Option[[]byte], err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(name))
		if v != nil {
			// Only valid for the life of the transaction.
			ret.Set(bytes.Clone(v))
		}
		return nil
	})
	return
}

func (me *boltAttributeStore) Set(namespace, name string, value []byte) error {
	return me.SetBatch(namespace, map[string][]byte{name: value})
}

func (me *boltAttributeStore) SetBatch(namespace string, values map[string][]byte) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		for name, v := range values {
			if err := b.Put([]byte(name), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (me *boltAttributeStore) Close() error {
	return me.db.Close()
}
