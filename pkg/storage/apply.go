package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/graphtx/pkg/kernel"
	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/txstate"
	"github.com/orneryd/graphtx/pkg/values"
)

// Transaction apply
// ============================================================================

// ApplyTransaction merges a completed transaction diff into the store in
// one atomic batch: entity records, label and type membership, index
// entries, and schema rules all land together or not at all. New index
// rules begin populating only after the batch commits.
func (e *Engine) ApplyTransaction(ctx context.Context, st *txstate.State) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var newRules []indexRuleRecord
	var droppedRuleIDs []uint64

	err := e.db.Update(func(txn *badger.Txn) error {
		rules, err := loadIndexRules(txn)
		if err != nil {
			return err
		}
		// Entry maintenance covers only rules surviving this transaction;
		// dropped rules lose all their entries below, and added rules
		// populate from committed data after the batch lands.
		live := liveRules(rules, st.DroppedIndexes(), e)

		if err := e.applyNodeChanges(txn, st, live); err != nil {
			return err
		}
		if err := applyRelationshipChanges(txn, st); err != nil {
			return err
		}
		if err := applyGraphPropertyChanges(txn, st); err != nil {
			return err
		}
		droppedRuleIDs, err = e.applySchemaDrops(txn, st, rules)
		if err != nil {
			return err
		}
		newRules, err = e.applySchemaAdds(txn, st)
		return err
	})
	if err != nil {
		return err
	}

	for _, id := range droppedRuleIDs {
		e.dropProxy(id)
	}
	for _, rec := range newRules {
		p := e.registerProxy(rec)
		go p.populate()
	}
	return nil
}

func liveRules(rules []indexRuleRecord, dropped []schema.IndexReference, e *Engine) []indexRuleRecord {
	out := rules[:0:0]
	for _, rec := range rules {
		ref := e.ruleToReference(rec)
		isDropped := false
		for _, d := range dropped {
			if d.Equal(ref) {
				isDropped = true
				break
			}
		}
		if !isDropped {
			out = append(out, rec)
		}
	}
	return out
}

// Node changes
// ============================================================================

func (e *Engine) applyNodeChanges(txn *badger.Txn, st *txstate.State, rules []indexRuleRecord) error {
	created := make(map[uint64]struct{})
	for _, id := range st.CreatedNodes() {
		created[id] = struct{}{}
	}

	touched := make(map[uint64]struct{})
	for id := range created {
		touched[id] = struct{}{}
	}
	for id := range st.LabelChanges() {
		touched[id] = struct{}{}
	}
	for id := range st.NodePropertyChanges() {
		touched[id] = struct{}{}
	}

	for _, id := range st.DeletedNodes() {
		delete(touched, id)
		if err := e.deleteNode(txn, id, rules); err != nil {
			return err
		}
	}

	// Entry maintenance runs in two phases across all written nodes:
	// vacated entries are deleted before any new entry is checked and
	// inserted, so a tuple moving from one node to another in the same
	// batch is not mistaken for a duplicate.
	writes := make([]nodeWrite, 0, len(touched))
	for id := range touched {
		_, isNew := created[id]
		w, err := e.planNodeWrite(txn, st, id, isNew)
		if err != nil {
			return err
		}
		writes = append(writes, w)
	}
	for _, w := range writes {
		if err := removeVacatedEntries(txn, rules, w); err != nil {
			return err
		}
	}
	for _, w := range writes {
		if err := finishNodeWrite(txn, rules, w); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deleteNode(txn *badger.Txn, id uint64, rules []indexRuleRecord) error {
	old, existed, err := readNodeRecord(txn, id)
	if err != nil || !existed {
		return err
	}
	oldNode, err := toKernelNode(id, old)
	if err != nil {
		return err
	}
	for _, l := range old.Labels {
		if err := txn.Delete(labelIndexKey(l, id)); err != nil {
			return err
		}
	}
	for _, rule := range rules {
		desc := fromDescriptorRecord(rule.Schema)
		if desc.Entity != schema.EntityNode || !oldNode.HasLabel(desc.Token) {
			continue
		}
		tuple := nodeTuple(oldNode, desc)
		if !tuple.Complete() {
			continue
		}
		if err := deleteIndexEntryTuple(txn, rule.ID, tuple, id); err != nil {
			return err
		}
	}
	return txn.Delete(nodeKey(id))
}

// nodeWrite carries one node's before and after images through the
// two-phase index entry maintenance.
type nodeWrite struct {
	id      uint64
	rec     nodeRecord
	oldNode kernel.NodeRecord
	newNode kernel.NodeRecord
}

// planNodeWrite merges the transaction's changes for one node into its new
// record and maintains the label membership keys. Index entries and the
// record itself are written later, after every node's vacated entries are
// gone.
func (e *Engine) planNodeWrite(txn *badger.Txn, st *txstate.State, id uint64, isNew bool) (nodeWrite, error) {
	var old nodeRecord
	if !isNew {
		stored, existed, err := readNodeRecord(txn, id)
		if err != nil {
			return nodeWrite{}, err
		}
		if !existed {
			return nodeWrite{}, fmt.Errorf("%w: node %d changed by transaction", ErrNotFound, id)
		}
		old = stored
	}
	oldNode, err := toKernelNode(id, old)
	if err != nil {
		return nodeWrite{}, err
	}

	labels := make(map[int]struct{}, len(old.Labels))
	for _, l := range old.Labels {
		labels[l] = struct{}{}
	}
	for l, change := range st.NodeLabelChangesFor(id) {
		if change == txstate.LabelAdded {
			labels[l] = struct{}{}
			if err := txn.Set(labelIndexKey(l, id), nil); err != nil {
				return nodeWrite{}, err
			}
		} else {
			delete(labels, l)
			if err := txn.Delete(labelIndexKey(l, id)); err != nil {
				return nodeWrite{}, err
			}
		}
	}
	if isNew {
		for l := range labels {
			if err := txn.Set(labelIndexKey(l, id), nil); err != nil {
				return nodeWrite{}, err
			}
		}
	}

	rec := nodeRecord{Properties: old.Properties}
	if rec.Properties == nil {
		rec.Properties = map[int]valueRecord{}
	}
	for l := range labels {
		rec.Labels = append(rec.Labels, l)
	}
	sort.Ints(rec.Labels)
	for k, change := range st.NodePropertyChangesFor(id) {
		if change.After.IsNoValue() {
			delete(rec.Properties, k)
		} else {
			rec.Properties[k] = toValueRecord(change.After)
		}
	}

	newNode, err := toKernelNode(id, rec)
	if err != nil {
		return nodeWrite{}, err
	}
	return nodeWrite{id: id, rec: rec, oldNode: oldNode, newNode: newNode}, nil
}

// Index entry maintenance
// ============================================================================

// entryTransition computes the before and after tuples of one node under
// one index schema. changed is false when both tuples are complete and
// equal, in which case the existing entry stays as it is.
func entryTransition(desc schema.Descriptor, oldNode, newNode kernel.NodeRecord) (before, after values.Tuple, changed bool) {
	if oldNode.HasLabel(desc.Token) {
		before = nodeTuple(oldNode, desc)
	}
	if newNode.HasLabel(desc.Token) {
		after = nodeTuple(newNode, desc)
	}
	if before.Complete() && after.Complete() && before.Equal(after) {
		return before, after, false
	}
	return before, after, true
}

func removeVacatedEntries(txn *badger.Txn, rules []indexRuleRecord, w nodeWrite) error {
	for _, rule := range rules {
		desc := fromDescriptorRecord(rule.Schema)
		if desc.Entity != schema.EntityNode {
			continue
		}
		before, _, changed := entryTransition(desc, w.oldNode, w.newNode)
		if !changed || !before.Complete() {
			continue
		}
		if err := deleteIndexEntryTuple(txn, rule.ID, before, w.id); err != nil {
			return err
		}
	}
	return nil
}

func finishNodeWrite(txn *badger.Txn, rules []indexRuleRecord, w nodeWrite) error {
	for _, rule := range rules {
		desc := fromDescriptorRecord(rule.Schema)
		if desc.Entity != schema.EntityNode {
			continue
		}
		_, after, changed := entryTransition(desc, w.oldNode, w.newNode)
		if !changed || !after.Complete() {
			continue
		}
		key, err := after.EncodeKey()
		if err != nil {
			return err
		}
		if rule.Unique {
			// Safety net behind the kernel's index-entry locking: a
			// duplicate here means the commit would break the constraint,
			// so the whole batch is abandoned.
			other, found, err := seekEntry(txn, rule.ID, key)
			if err != nil {
				return err
			}
			if found && other != w.id {
				return fmt.Errorf("commit aborted: %w",
					schema.EntryConflict{FirstEntity: other, SecondEntity: w.id, Tuple: after})
			}
		}
		if err := txn.Set(indexEntryKey(rule.ID, key, w.id), nil); err != nil {
			return err
		}
	}
	data, err := encodeRecord(w.rec)
	if err != nil {
		return err
	}
	return txn.Set(nodeKey(w.id), data)
}

func deleteIndexEntryTuple(txn *badger.Txn, indexID uint64, tuple values.Tuple, nodeID uint64) error {
	key, err := tuple.EncodeKey()
	if err != nil {
		return err
	}
	return txn.Delete(indexEntryKey(indexID, key, nodeID))
}

func seekEntry(txn *badger.Txn, indexID uint64, tupleKey []byte) (uint64, bool, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: indexEntryTuplePrefix(indexID, tupleKey)})
	defer it.Close()
	it.Rewind()
	if !it.Valid() {
		return 0, false, nil
	}
	return extractEntityID(it.Item().Key()), true, nil
}

func deleteEntriesWithPrefix(txn *badger.Txn, prefix []byte) error {
	var keys [][]byte
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Relationship changes
// ============================================================================

func applyRelationshipChanges(txn *badger.Txn, st *txstate.State) error {
	for id, data := range st.DeletedRelationships() {
		if err := txn.Delete(relationshipKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(typeIndexKey(data.Type, id)); err != nil {
			return err
		}
	}
	relPropChanges := st.RelationshipPropertyChanges()
	written := make(map[uint64]struct{})
	for id, data := range st.CreatedRelationships() {
		rec := relationshipRecord{
			Type:       data.Type,
			SourceNode: data.SourceNode,
			TargetNode: data.TargetNode,
			Properties: map[int]valueRecord{},
		}
		applyPropertyChanges(rec.Properties, relPropChanges[id])
		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(relationshipKey(id), encoded); err != nil {
			return err
		}
		if err := txn.Set(typeIndexKey(data.Type, id), nil); err != nil {
			return err
		}
		written[id] = struct{}{}
	}
	for id, changes := range relPropChanges {
		if _, done := written[id]; done {
			continue
		}
		if st.RelationshipIsDeletedInThisTx(id) {
			continue
		}
		rec, existed, err := readRelationshipRecord(txn, id)
		if err != nil {
			return err
		}
		if !existed {
			return fmt.Errorf("%w: relationship %d changed by transaction", ErrNotFound, id)
		}
		if rec.Properties == nil {
			rec.Properties = map[int]valueRecord{}
		}
		applyPropertyChanges(rec.Properties, changes)
		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(relationshipKey(id), encoded); err != nil {
			return err
		}
	}
	return nil
}

func applyPropertyChanges(props map[int]valueRecord, changes map[int]txstate.PropertyChange) {
	for k, change := range changes {
		if change.After.IsNoValue() {
			delete(props, k)
		} else {
			props[k] = toValueRecord(change.After)
		}
	}
}

// Graph property changes
// ============================================================================

func applyGraphPropertyChanges(txn *badger.Txn, st *txstate.State) error {
	changes := st.GraphPropertyChanges()
	if len(changes) == 0 {
		return nil
	}
	rec, _, err := readGraphPropsRecord(txn)
	if err != nil {
		return err
	}
	if rec.Properties == nil {
		rec.Properties = map[int]valueRecord{}
	}
	applyPropertyChanges(rec.Properties, changes)
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return txn.Set(graphPropsKey(), encoded)
}

// Schema rule changes
// ============================================================================

func (e *Engine) applySchemaDrops(txn *badger.Txn, st *txstate.State, rules []indexRuleRecord) ([]uint64, error) {
	var droppedIDs []uint64
	for _, ref := range st.DroppedIndexes() {
		for _, rec := range rules {
			if !e.ruleToReference(rec).Equal(ref) {
				continue
			}
			if err := txn.Delete(indexRuleKey(rec.ID)); err != nil {
				return nil, err
			}
			if err := deleteEntriesWithPrefix(txn, indexEntryIndexPrefix(rec.ID)); err != nil {
				return nil, err
			}
			droppedIDs = append(droppedIDs, rec.ID)
		}
	}

	dropped := st.DroppedConstraints()
	if len(dropped) == 0 {
		return droppedIDs, nil
	}
	constraints, err := loadConstraintRules(txn)
	if err != nil {
		return nil, err
	}
	for _, c := range dropped {
		for _, rec := range constraints {
			existing := schema.ConstraintDescriptor{
				Kind:         schema.ConstraintKind(rec.Kind),
				Schema:       fromDescriptorRecord(rec.Schema),
				OwnedIndexID: rec.OwnedIndexID,
			}
			if !existing.Equal(c) {
				continue
			}
			if err := txn.Delete(constraintRuleKey(rec.ID)); err != nil {
				return nil, err
			}
			if rec.OwnedIndexID != 0 {
				if err := clearIndexOwner(txn, rec.OwnedIndexID); err != nil {
					return nil, err
				}
			}
		}
	}
	return droppedIDs, nil
}

func clearIndexOwner(txn *badger.Txn, indexID uint64) error {
	rec, err := readIndexRule(txn, indexID)
	if err != nil {
		// The backing index is usually dropped in the same transaction.
		return nil
	}
	rec.HasOwner = false
	rec.OwningConstraint = 0
	return writeIndexRule(txn, rec)
}

func (e *Engine) applySchemaAdds(txn *badger.Txn, st *txstate.State) ([]indexRuleRecord, error) {
	var newRules []indexRuleRecord
	for _, added := range st.AddedIndexes() {
		rec := indexRuleRecord{
			ID:              added.ID,
			Schema:          toDescriptorRecord(added.Ref.Schema),
			Unique:          added.Ref.Unique,
			ProviderKey:     added.Ref.ProviderKey,
			ProviderVersion: added.Ref.ProviderVersion,
			State:           int(schema.IndexPopulating),
		}
		if err := writeIndexRule(txn, rec); err != nil {
			return nil, err
		}
		newRules = append(newRules, rec)
	}

	for _, added := range st.AddedConstraints() {
		id, err := e.nextID(e.ruleSeq)
		if err != nil {
			return nil, err
		}
		rec := constraintRuleRecord{
			ID:           id,
			Kind:         int(added.Constraint.Kind),
			Schema:       toDescriptorRecord(added.Constraint.Schema),
			OwnedIndexID: added.OwnedIndexID,
		}
		if err := writeConstraintRule(txn, rec); err != nil {
			return nil, err
		}
		if added.OwnedIndexID != 0 {
			idx, err := readIndexRule(txn, added.OwnedIndexID)
			if err != nil {
				return nil, err
			}
			idx.HasOwner = true
			idx.OwningConstraint = id
			if err := writeIndexRule(txn, idx); err != nil {
				return nil, err
			}
		}
	}
	return newRules, nil
}
