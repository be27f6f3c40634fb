package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/values"
)

// Index provider identity
// ============================================================================

const (
	providerKey     = "native-btree"
	providerVersion = "1.0"
)

// ProviderDescriptor identifies the built-in index provider.
func (e *Engine) ProviderDescriptor() (string, string) {
	return providerKey, providerVersion
}

// DefaultCapability describes what the built-in provider supports: ordered
// access and value retrieval for every category it stores.
func (e *Engine) DefaultCapability() schema.Capability {
	orders := make(map[values.Category][]schema.IndexOrder)
	retrieval := make(map[values.Category]schema.ValueRetrieval)
	for _, cat := range []values.Category{
		values.CategoryNumber,
		values.CategoryText,
		values.CategoryBoolean,
		values.CategoryTemporal,
		values.CategoryArray,
	} {
		orders[cat] = []schema.IndexOrder{schema.OrderAscending, schema.OrderDescending}
		retrieval[cat] = schema.RetrievalYes
	}
	// Spatial values index by tuple key only; their order is not
	// meaningful.
	retrieval[values.CategorySpatial] = schema.RetrievalYes
	return schema.Capability{Orders: orders, Retrieval: retrieval}
}

func (e *Engine) ruleToReference(rec indexRuleRecord) schema.IndexReference {
	return schema.IndexReference{
		Schema:          fromDescriptorRecord(rec.Schema),
		Unique:          rec.Unique,
		ProviderKey:     rec.ProviderKey,
		ProviderVersion: rec.ProviderVersion,
		Capability:      e.DefaultCapability(),
	}
}

// Rule persistence helpers
// ============================================================================

func writeIndexRule(txn *badger.Txn, rec indexRuleRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return txn.Set(indexRuleKey(rec.ID), data)
}

func writeConstraintRule(txn *badger.Txn, rec constraintRuleRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return txn.Set(constraintRuleKey(rec.ID), data)
}

func loadIndexRules(txn *badger.Txn) ([]indexRuleRecord, error) {
	var out []indexRuleRecord
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixIndexRule}})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var rec indexRuleRecord
		if err := it.Item().Value(func(val []byte) error {
			return decodeRecord(val, &rec)
		}); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func loadConstraintRules(txn *badger.Txn) ([]constraintRuleRecord, error) {
	var out []constraintRuleRecord
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixConstraintRule}})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var rec constraintRuleRecord
		if err := it.Item().Value(func(val []byte) error {
			return decodeRecord(val, &rec)
		}); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *Engine) indexRuleForSchema(txn *badger.Txn, d schema.Descriptor) (indexRuleRecord, bool, error) {
	rules, err := loadIndexRules(txn)
	if err != nil {
		return indexRuleRecord{}, false, err
	}
	for _, rec := range rules {
		if fromDescriptorRecord(rec.Schema).Equal(d) {
			return rec, true, nil
		}
	}
	return indexRuleRecord{}, false, nil
}

func (e *Engine) indexRuleForReference(txn *badger.Txn, ref schema.IndexReference) (indexRuleRecord, bool, error) {
	rec, ok, err := e.indexRuleForSchema(txn, ref.Schema)
	if err != nil || !ok {
		return indexRuleRecord{}, false, err
	}
	if !e.ruleToReference(rec).Equal(ref) {
		return indexRuleRecord{}, false, nil
	}
	return rec, true, nil
}

// Schema reads
// ============================================================================

// IndexForSchema returns the committed index covering the descriptor, or
// the empty reference if none exists.
func (e *Engine) IndexForSchema(d schema.Descriptor) (schema.IndexReference, error) {
	var out schema.IndexReference
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := e.indexRuleForSchema(txn, d)
		if err != nil || !ok {
			return err
		}
		out = e.ruleToReference(rec)
		return nil
	})
	return out, err
}

// CommittedIndexID resolves a reference to its stored rule id.
func (e *Engine) CommittedIndexID(ref schema.IndexReference) (uint64, error) {
	var id uint64
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := e.indexRuleForReference(txn, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: index rule for %s", ErrNotFound, ref)
		}
		id = rec.ID
		return nil
	})
	return id, err
}

// IndexOwningConstraint reports whether a committed constraint owns the
// index.
func (e *Engine) IndexOwningConstraint(ref schema.IndexReference) (uint64, bool, error) {
	var owner uint64
	owned := false
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := e.indexRuleForReference(txn, ref)
		if err != nil || !ok {
			return err
		}
		owner, owned = rec.OwningConstraint, rec.HasOwner
		return nil
	})
	return owner, owned, err
}

// IndexGetState returns the lifecycle state of the index.
func (e *Engine) IndexGetState(ref schema.IndexReference) (schema.IndexState, error) {
	var state schema.IndexState
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := e.indexRuleForReference(txn, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: index rule for %s", ErrNotFound, ref)
		}
		state = schema.IndexState(rec.State)
		return nil
	})
	return state, err
}

// IndexGetFailure returns the failure message of a failed index.
func (e *Engine) IndexGetFailure(ref schema.IndexReference) (string, error) {
	var msg string
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := e.indexRuleForReference(txn, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: index rule for %s", ErrNotFound, ref)
		}
		msg = rec.FailureMessage
		return nil
	})
	return msg, err
}

// ConstraintsForLabel returns every committed constraint keyed on the label.
func (e *Engine) ConstraintsForLabel(labelID int) ([]schema.ConstraintDescriptor, error) {
	return e.constraintsWhere(func(c schema.ConstraintDescriptor) bool {
		return c.Schema.Entity == schema.EntityNode && c.Schema.Token == labelID
	})
}

// ConstraintsForSchema returns every committed constraint on exactly the
// given descriptor.
func (e *Engine) ConstraintsForSchema(d schema.Descriptor) ([]schema.ConstraintDescriptor, error) {
	return e.constraintsWhere(func(c schema.ConstraintDescriptor) bool {
		return c.Schema.Equal(d)
	})
}

// AllConstraints returns every committed constraint.
func (e *Engine) AllConstraints() ([]schema.ConstraintDescriptor, error) {
	return e.constraintsWhere(func(schema.ConstraintDescriptor) bool { return true })
}

// ConstraintExists reports whether an equal constraint is committed.
func (e *Engine) ConstraintExists(c schema.ConstraintDescriptor) (bool, error) {
	matches, err := e.constraintsWhere(c.Equal)
	return len(matches) > 0, err
}

func (e *Engine) constraintsWhere(pred func(schema.ConstraintDescriptor) bool) ([]schema.ConstraintDescriptor, error) {
	var out []schema.ConstraintDescriptor
	err := e.db.View(func(txn *badger.Txn) error {
		rules, err := loadConstraintRules(txn)
		if err != nil {
			return err
		}
		for _, rec := range rules {
			c := schema.ConstraintDescriptor{
				Kind:         schema.ConstraintKind(rec.Kind),
				Schema:       fromDescriptorRecord(rec.Schema),
				OwnedIndexID: rec.OwnedIndexID,
			}
			if pred(c) {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}
