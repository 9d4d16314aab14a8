package gateway

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// bboltPersistence writes through top-level records (users/{uid},
// chats/{chatId}, ...) into one bucket per collection, msgpack-encoded.
type bboltPersistence struct {
	db *bbolt.DB
}

func openBboltPersistence(path string) (*bboltPersistence, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}
	return &bboltPersistence{db: db}, nil
}

func (p *bboltPersistence) Close() error {
	return p.db.Close()
}

// saveRecord stores the subtree of one record, or deletes it when nil.
func (p *bboltPersistence) saveRecord(collection, key string, value any) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", collection, err)
		}
		if value == nil {
			return b.Delete([]byte(key))
		}
		data, err := msgpack.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s/%s: %w", collection, key, err)
		}
		return b.Put([]byte(key), data)
	})
}

// saveCollection replaces every record of a collection in one transaction.
func (p *bboltPersistence) saveCollection(collection string, children map[string]any) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(collection)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if len(children) == 0 {
			return nil
		}
		b, err := tx.CreateBucket([]byte(collection))
		if err != nil {
			return err
		}
		for key, value := range children {
			data, err := msgpack.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s/%s: %w", collection, key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadAll reconstructs the full path tree from disk.
func (p *bboltPersistence) loadAll() (map[string]any, error) {
	root := make(map[string]any)
	err := p.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			collection := make(map[string]any)
			err := b.ForEach(func(k, v []byte) error {
				var value any
				if err := msgpack.Unmarshal(v, &value); err != nil {
					return fmt.Errorf("corrupt record %s/%s: %w", name, k, err)
				}
				collection[string(k)] = value
				return nil
			})
			if err != nil {
				return err
			}
			root[string(name)] = collection
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}
