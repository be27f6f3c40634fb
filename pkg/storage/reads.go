package storage

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/graphtx/pkg/kernel"
	"github.com/orneryd/graphtx/pkg/values"
)

// Committed-data reads
// ============================================================================

// NodeExists reports whether the node record is present.
func (e *Engine) NodeExists(id uint64) (bool, error) {
	exists := false
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// GetNode returns the committed node record, or false if absent.
func (e *Engine) GetNode(id uint64) (kernel.NodeRecord, bool, error) {
	var out kernel.NodeRecord
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := readNodeRecord(txn, id)
		if err != nil || !ok {
			return err
		}
		out, err = toKernelNode(id, rec)
		found = err == nil
		return err
	})
	return out, found, err
}

// GetRelationship returns the committed relationship record, or false if
// absent.
func (e *Engine) GetRelationship(id uint64) (kernel.RelationshipRecord, bool, error) {
	var out kernel.RelationshipRecord
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := readRelationshipRecord(txn, id)
		if err != nil || !ok {
			return err
		}
		out, err = toKernelRelationship(id, rec)
		found = err == nil
		return err
	})
	return out, found, err
}

// GraphProperties returns the graph-wide property map.
func (e *Engine) GraphProperties() (map[int]values.Value, error) {
	out := map[int]values.Value{}
	err := e.db.View(func(txn *badger.Txn) error {
		rec, ok, err := readGraphPropsRecord(txn)
		if err != nil || !ok {
			return err
		}
		out, err = fromPropertyRecords(rec.Properties)
		return err
	})
	return out, err
}

// NodesWithLabel scans the label index and loads every member node.
func (e *Engine) NodesWithLabel(labelID int) ([]kernel.NodeRecord, error) {
	var out []kernel.NodeRecord
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: labelIndexPrefix(labelID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := extractEntityID(it.Item().Key())
			rec, ok, err := readNodeRecord(txn, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			node, err := toKernelNode(id, rec)
			if err != nil {
				return err
			}
			out = append(out, node)
		}
		return nil
	})
	return out, err
}

// RelationshipsWithType scans the type index and loads every relationship.
func (e *Engine) RelationshipsWithType(typeID int) ([]kernel.RelationshipRecord, error) {
	var out []kernel.RelationshipRecord
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: typeIndexPrefix(typeID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := extractEntityID(it.Item().Key())
			rec, ok, err := readRelationshipRecord(txn, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			rel, err := toKernelRelationship(id, rec)
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

// Raw record readers shared by reads and the apply path
// ============================================================================

func readNodeRecord(txn *badger.Txn, id uint64) (nodeRecord, bool, error) {
	var rec nodeRecord
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &rec)
	})
	return rec, err == nil, err
}

func readRelationshipRecord(txn *badger.Txn, id uint64) (relationshipRecord, bool, error) {
	var rec relationshipRecord
	item, err := txn.Get(relationshipKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &rec)
	})
	return rec, err == nil, err
}

func readGraphPropsRecord(txn *badger.Txn) (graphPropsRecord, bool, error) {
	var rec graphPropsRecord
	item, err := txn.Get(graphPropsKey())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &rec)
	})
	return rec, err == nil, err
}

func toKernelNode(id uint64, rec nodeRecord) (kernel.NodeRecord, error) {
	props, err := fromPropertyRecords(rec.Properties)
	if err != nil {
		return kernel.NodeRecord{}, err
	}
	return kernel.NodeRecord{ID: id, Labels: rec.Labels, Properties: props}, nil
}

func toKernelRelationship(id uint64, rec relationshipRecord) (kernel.RelationshipRecord, error) {
	props, err := fromPropertyRecords(rec.Properties)
	if err != nil {
		return kernel.RelationshipRecord{}, err
	}
	return kernel.RelationshipRecord{
		ID:         id,
		Type:       rec.Type,
		SourceNode: rec.SourceNode,
		TargetNode: rec.TargetNode,
		Properties: props,
	}, nil
}
