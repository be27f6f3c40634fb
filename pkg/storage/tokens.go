package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Token registry
// ============================================================================

// Token kinds. Labels, relationship types, and property keys draw ids from
// independent spaces.
const (
	tokenLabel byte = iota + 1
	tokenRelationshipType
	tokenPropertyKey
)

func tokenCounterKey(kind byte) []byte {
	return []byte{prefixToken, kind}
}

// LabelToken resolves a label name to its id, allocating one on first use.
func (e *Engine) LabelToken(name string) (int, error) {
	return e.token(tokenLabel, name)
}

// RelationshipTypeToken resolves a relationship type name to its id.
func (e *Engine) RelationshipTypeToken(name string) (int, error) {
	return e.token(tokenRelationshipType, name)
}

// PropertyKeyToken resolves a property key name to its id.
func (e *Engine) PropertyKeyToken(name string) (int, error) {
	return e.token(tokenPropertyKey, name)
}

func (e *Engine) token(kind byte, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("token name must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	var id int
	err := e.db.Update(func(txn *badger.Txn) error {
		key := tokenKey(kind, name)
		item, err := txn.Get(key)
		if err == nil {
			return item.Value(func(val []byte) error {
				id = int(binary.BigEndian.Uint64(val))
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next := uint64(1)
		counter := tokenCounterKey(kind)
		if item, err := txn.Get(counter); err == nil {
			if err := item.Value(func(val []byte) error {
				next = binary.BigEndian.Uint64(val) + 1
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(counter, be64(next)); err != nil {
			return err
		}
		if err := txn.Set(key, be64(next)); err != nil {
			return err
		}
		id = int(next)
		return nil
	})
	return id, err
}
