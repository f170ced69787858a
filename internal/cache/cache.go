// Package cache is a thin wrapper around Badger used for session lookups and
// the task-package pool. Badger transactions fail with ErrConflict when a
// concurrently committed write touched the same key, which gives pool
// checkout its compare-and-swap semantics.
package cache

import (
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrConflict reports that a concurrent transaction won the race on a key.
// Callers retry or give up.
var ErrConflict = badger.ErrConflict

type Cache struct {
	db *badger.DB
}

// Open opens the cache at dir. An empty dir opens an in-memory store, used
// in tests and by one-shot CLI commands.
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the value for key and whether it was present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Set writes key with an optional TTL. A zero TTL keeps the entry until
// overwritten or deleted.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *Cache) Delete(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Update runs fn against the current value of key inside one transaction.
// fn receives the current value (nil, false when absent) and returns the
// replacement; returning nil deletes the key. The commit fails with
// ErrConflict when another transaction wrote the key in between, so a
// successful Update is an atomic read-modify-write.
func (c *Cache) Update(key string, ttl time.Duration, fn func(current []byte, found bool) ([]byte, error)) error {
	txn := c.db.NewTransaction(true)
	defer txn.Discard()

	var cur []byte
	found := true
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		found = false
	} else if err != nil {
		return err
	} else {
		cur, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	if next == nil {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
	} else {
		e := badger.NewEntry([]byte(key), next)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
	}
	return txn.Commit()
}
