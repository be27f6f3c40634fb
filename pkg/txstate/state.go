// Package txstate holds the in-memory diff one transaction accumulates:
// created/deleted entities, label and property changes, and pending schema
// rule changes.
//
// A State is exclusively owned by its transaction and is never touched by
// another goroutine, so it carries no locking. On rollback it is discarded;
// on commit the storage engine merges it into persistent state.
package txstate

import (
	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/values"
)

// RelationshipData captures the identity of a relationship touched in this
// transaction. Endpoints are kept because deleting a store-resident
// relationship needs them for lock ordering and index maintenance.
type RelationshipData struct {
	Type       int
	SourceNode uint64
	TargetNode uint64
}

// PropertyChange records the before/after pair for one property key. An
// After of NoValue means the property was removed.
type PropertyChange struct {
	Before values.Value
	After  values.Value
}

// LabelChange is the direction of a label transition within the
// transaction.
type LabelChange int

const (
	LabelAdded LabelChange = iota
	LabelRemoved
)

// IndexRuleChange is a pending index create recorded in this transaction.
// The id is reserved up front so the rule is addressable before commit.
type IndexRuleChange struct {
	ID  uint64
	Ref schema.IndexReference
}

// ConstraintChange is a pending constraint create. OwnedIndexID is set for
// index-backed constraints.
type ConstraintChange struct {
	Constraint   schema.ConstraintDescriptor
	OwnedIndexID uint64
}

// State is the transaction-private diff.
type State struct {
	createdNodes map[uint64]struct{}
	deletedNodes map[uint64]struct{}

	createdRels map[uint64]RelationshipData
	deletedRels map[uint64]RelationshipData

	nodeProps  map[uint64]map[int]PropertyChange
	relProps   map[uint64]map[int]PropertyChange
	graphProps map[int]PropertyChange

	labelChanges map[uint64]map[int]LabelChange

	addedIndexes   []IndexRuleChange
	droppedIndexes []schema.IndexReference

	addedConstraints   []ConstraintChange
	droppedConstraints []schema.ConstraintDescriptor
}

// New returns an empty transaction state.
func New() *State {
	return &State{
		createdNodes: make(map[uint64]struct{}),
		deletedNodes: make(map[uint64]struct{}),
		createdRels:  make(map[uint64]RelationshipData),
		deletedRels:  make(map[uint64]RelationshipData),
		nodeProps:    make(map[uint64]map[int]PropertyChange),
		relProps:     make(map[uint64]map[int]PropertyChange),
		graphProps:   make(map[int]PropertyChange),
		labelChanges: make(map[uint64]map[int]LabelChange),
	}
}

// HasChanges reports whether anything at all is pending.
func (s *State) HasChanges() bool {
	return len(s.createdNodes) > 0 || len(s.deletedNodes) > 0 ||
		len(s.createdRels) > 0 || len(s.deletedRels) > 0 ||
		len(s.nodeProps) > 0 || len(s.relProps) > 0 || len(s.graphProps) > 0 ||
		len(s.labelChanges) > 0 ||
		len(s.addedIndexes) > 0 || len(s.droppedIndexes) > 0 ||
		len(s.addedConstraints) > 0 || len(s.droppedConstraints) > 0
}

// Nodes
// ============================================================================

// NodeDoCreate records a node created in this transaction.
func (s *State) NodeDoCreate(id uint64) {
	s.createdNodes[id] = struct{}{}
	delete(s.deletedNodes, id)
}

// NodeDoDelete records deletion. Deleting a node created in this
// transaction simply cancels the creation (it was never observable).
func (s *State) NodeDoDelete(id uint64) {
	if _, added := s.createdNodes[id]; added {
		delete(s.createdNodes, id)
		delete(s.nodeProps, id)
		delete(s.labelChanges, id)
		return
	}
	s.deletedNodes[id] = struct{}{}
	delete(s.nodeProps, id)
	delete(s.labelChanges, id)
}

// NodeIsAddedInThisTx reports whether the node was created here and not
// yet committed.
func (s *State) NodeIsAddedInThisTx(id uint64) bool {
	_, ok := s.createdNodes[id]
	return ok
}

// NodeIsDeletedInThisTx reports whether the node is pending deletion.
func (s *State) NodeIsDeletedInThisTx(id uint64) bool {
	_, ok := s.deletedNodes[id]
	return ok
}

// Relationships
// ============================================================================

// RelationshipDoCreate records a relationship created in this transaction.
func (s *State) RelationshipDoCreate(id uint64, typeID int, source, target uint64) {
	s.createdRels[id] = RelationshipData{Type: typeID, SourceNode: source, TargetNode: target}
	delete(s.deletedRels, id)
}

// RelationshipDoDelete records deletion of a store-resident relationship.
func (s *State) RelationshipDoDelete(id uint64, typeID int, source, target uint64) {
	s.deletedRels[id] = RelationshipData{Type: typeID, SourceNode: source, TargetNode: target}
	delete(s.relProps, id)
}

// RelationshipDoDeleteAddedInThisTx cancels a same-transaction create.
func (s *State) RelationshipDoDeleteAddedInThisTx(id uint64) {
	delete(s.createdRels, id)
	delete(s.relProps, id)
}

// RelationshipIsAddedInThisTx reports whether the relationship was created
// here.
func (s *State) RelationshipIsAddedInThisTx(id uint64) bool {
	_, ok := s.createdRels[id]
	return ok
}

// RelationshipIsDeletedInThisTx reports whether the relationship is pending
// deletion.
func (s *State) RelationshipIsDeletedInThisTx(id uint64) bool {
	_, ok := s.deletedRels[id]
	return ok
}

// AddedRelationship returns the creation record for a relationship added in
// this transaction.
func (s *State) AddedRelationship(id uint64) (RelationshipData, bool) {
	d, ok := s.createdRels[id]
	return d, ok
}

// Labels
// ============================================================================

// NodeDoAddLabel records a label addition. Adding a label that this
// transaction removed earlier cancels the removal. Repeated adds collapse
// to a single change record.
func (s *State) NodeDoAddLabel(labelID int, node uint64) {
	changes := s.labelChanges[node]
	if changes == nil {
		changes = make(map[int]LabelChange)
		s.labelChanges[node] = changes
	}
	if prev, ok := changes[labelID]; ok && prev == LabelRemoved {
		delete(changes, labelID)
		if len(changes) == 0 {
			delete(s.labelChanges, node)
		}
		return
	}
	changes[labelID] = LabelAdded
}

// NodeDoRemoveLabel records a label removal, cancelling a same-transaction
// add.
func (s *State) NodeDoRemoveLabel(labelID int, node uint64) {
	changes := s.labelChanges[node]
	if changes == nil {
		changes = make(map[int]LabelChange)
		s.labelChanges[node] = changes
	}
	if prev, ok := changes[labelID]; ok && prev == LabelAdded {
		delete(changes, labelID)
		if len(changes) == 0 {
			delete(s.labelChanges, node)
		}
		return
	}
	changes[labelID] = LabelRemoved
}

// NodeLabelChange returns the pending transition for (node, label), if any.
func (s *State) NodeLabelChange(node uint64, labelID int) (LabelChange, bool) {
	c, ok := s.labelChanges[node][labelID]
	return c, ok
}

// NodeLabelChangeCount returns how many label-change records exist for the
// node.
func (s *State) NodeLabelChangeCount(node uint64) int {
	return len(s.labelChanges[node])
}

// Properties
// ============================================================================

// NodeDoSetProperty records a property write. The Before of the first
// change in the transaction is preserved across later overwrites.
func (s *State) NodeDoSetProperty(node uint64, key int, before, after values.Value) {
	setChange(s.nodeProps, node, key, before, after)
}

// NodeDoRemoveProperty records a property removal.
func (s *State) NodeDoRemoveProperty(node uint64, key int, before values.Value) {
	setChange(s.nodeProps, node, key, before, values.NoValue)
}

// NodePropertyChange returns the pending change for (node, key), if any.
func (s *State) NodePropertyChange(node uint64, key int) (PropertyChange, bool) {
	c, ok := s.nodeProps[node][key]
	return c, ok
}

// RelationshipDoSetProperty records a relationship property write.
func (s *State) RelationshipDoSetProperty(rel uint64, key int, before, after values.Value) {
	setChange(s.relProps, rel, key, before, after)
}

// RelationshipDoRemoveProperty records a relationship property removal.
func (s *State) RelationshipDoRemoveProperty(rel uint64, key int, before values.Value) {
	setChange(s.relProps, rel, key, before, values.NoValue)
}

// RelationshipPropertyChange returns the pending change for (rel, key).
func (s *State) RelationshipPropertyChange(rel uint64, key int) (PropertyChange, bool) {
	c, ok := s.relProps[rel][key]
	return c, ok
}

// GraphDoSetProperty records a graph property write.
func (s *State) GraphDoSetProperty(key int, before, after values.Value) {
	prev, ok := s.graphProps[key]
	s.graphProps[key] = mergedChange(prev, ok, before, after)
}

// GraphDoRemoveProperty records a graph property removal.
func (s *State) GraphDoRemoveProperty(key int, before values.Value) {
	prev, ok := s.graphProps[key]
	s.graphProps[key] = mergedChange(prev, ok, before, values.NoValue)
}

// GraphPropertyChange returns the pending change for a graph property key.
func (s *State) GraphPropertyChange(key int) (PropertyChange, bool) {
	c, ok := s.graphProps[key]
	return c, ok
}

func setChange(m map[uint64]map[int]PropertyChange, entity uint64, key int, before, after values.Value) {
	changes := m[entity]
	if changes == nil {
		changes = make(map[int]PropertyChange)
		m[entity] = changes
	}
	prev, ok := changes[key]
	changes[key] = mergedChange(prev, ok, before, after)
}

// mergedChange folds a new write into an earlier pending change for the
// same key, keeping the Before of the first write in the transaction.
func mergedChange(prev PropertyChange, merged bool, before, after values.Value) PropertyChange {
	if merged {
		return PropertyChange{Before: prev.Before, After: after}
	}
	return PropertyChange{Before: before, After: after}
}

// Schema rules
// ============================================================================

// IndexDoAdd records a pending index rule create.
func (s *State) IndexDoAdd(id uint64, ref schema.IndexReference) {
	s.addedIndexes = append(s.addedIndexes, IndexRuleChange{ID: id, Ref: ref})
}

// IndexDoDrop records a pending index drop. A drop of an index added in
// this same transaction cancels the add instead.
func (s *State) IndexDoDrop(ref schema.IndexReference) {
	for i, added := range s.addedIndexes {
		if added.Ref.Equal(ref) {
			s.addedIndexes = append(s.addedIndexes[:i], s.addedIndexes[i+1:]...)
			return
		}
	}
	s.droppedIndexes = append(s.droppedIndexes, ref)
}

// IndexDoUnRemove cancels a pending drop of the given index, reporting
// whether there was one. Supports CREATE after DROP in one transaction.
func (s *State) IndexDoUnRemove(ref schema.IndexReference) bool {
	for i, dropped := range s.droppedIndexes {
		if dropped.Equal(ref) {
			s.droppedIndexes = append(s.droppedIndexes[:i], s.droppedIndexes[i+1:]...)
			return true
		}
	}
	return false
}

// IndexCreatedForConstraint returns the id of the unique index this
// transaction created for the constraint's schema, if any.
func (s *State) IndexCreatedForConstraint(c schema.ConstraintDescriptor) (uint64, bool) {
	for _, added := range s.addedIndexes {
		if added.Ref.Unique && added.Ref.Schema.Equal(c.Schema) {
			return added.ID, true
		}
	}
	return 0, false
}

// ConstraintDoAdd records a pending constraint create.
func (s *State) ConstraintDoAdd(c schema.ConstraintDescriptor, ownedIndexID uint64) {
	s.addedConstraints = append(s.addedConstraints, ConstraintChange{Constraint: c, OwnedIndexID: ownedIndexID})
}

// ConstraintDoDrop records a pending constraint drop, cancelling a
// same-transaction add.
func (s *State) ConstraintDoDrop(c schema.ConstraintDescriptor) {
	for i, added := range s.addedConstraints {
		if added.Constraint.Equal(c) {
			s.addedConstraints = append(s.addedConstraints[:i], s.addedConstraints[i+1:]...)
			return
		}
	}
	s.droppedConstraints = append(s.droppedConstraints, c)
}

// ConstraintDoUnRemove cancels a pending drop of the constraint, reporting
// whether there was one.
func (s *State) ConstraintDoUnRemove(c schema.ConstraintDescriptor) bool {
	for i, dropped := range s.droppedConstraints {
		if dropped.Equal(c) {
			s.droppedConstraints = append(s.droppedConstraints[:i], s.droppedConstraints[i+1:]...)
			return true
		}
	}
	return false
}

// ConstraintIsAddedInThisTx reports whether an equal constraint is pending
// creation.
func (s *State) ConstraintIsAddedInThisTx(c schema.ConstraintDescriptor) bool {
	for _, added := range s.addedConstraints {
		if added.Constraint.Equal(c) {
			return true
		}
	}
	return false
}

// NodeLabelChangesFor returns the pending label transitions of one node.
func (s *State) NodeLabelChangesFor(node uint64) map[int]LabelChange {
	src := s.labelChanges[node]
	out := make(map[int]LabelChange, len(src))
	for l, c := range src {
		out[l] = c
	}
	return out
}

// NodePropertyChangesFor returns the pending property changes of one node.
func (s *State) NodePropertyChangesFor(node uint64) map[int]PropertyChange {
	src := s.nodeProps[node]
	out := make(map[int]PropertyChange, len(src))
	for k, c := range src {
		out[k] = c
	}
	return out
}

// RelationshipPropertyChangesFor returns the pending property changes of one
// relationship.
func (s *State) RelationshipPropertyChangesFor(rel uint64) map[int]PropertyChange {
	src := s.relProps[rel]
	out := make(map[int]PropertyChange, len(src))
	for k, c := range src {
		out[k] = c
	}
	return out
}

// Snapshot accessors for the commit path
// ============================================================================

// CreatedNodes returns ids of nodes created in this transaction.
func (s *State) CreatedNodes() []uint64 {
	return keys(s.createdNodes)
}

// DeletedNodes returns ids of store-resident nodes pending deletion.
func (s *State) DeletedNodes() []uint64 {
	return keys(s.deletedNodes)
}

// CreatedRelationships returns pending relationship creations.
func (s *State) CreatedRelationships() map[uint64]RelationshipData {
	out := make(map[uint64]RelationshipData, len(s.createdRels))
	for id, d := range s.createdRels {
		out[id] = d
	}
	return out
}

// DeletedRelationships returns pending relationship deletions.
func (s *State) DeletedRelationships() map[uint64]RelationshipData {
	out := make(map[uint64]RelationshipData, len(s.deletedRels))
	for id, d := range s.deletedRels {
		out[id] = d
	}
	return out
}

// NodePropertyChanges returns all pending node property changes.
func (s *State) NodePropertyChanges() map[uint64]map[int]PropertyChange {
	return copyChanges(s.nodeProps)
}

// RelationshipPropertyChanges returns all pending relationship property
// changes.
func (s *State) RelationshipPropertyChanges() map[uint64]map[int]PropertyChange {
	return copyChanges(s.relProps)
}

// GraphPropertyChanges returns all pending graph property changes.
func (s *State) GraphPropertyChanges() map[int]PropertyChange {
	out := make(map[int]PropertyChange, len(s.graphProps))
	for k, c := range s.graphProps {
		out[k] = c
	}
	return out
}

// LabelChanges returns all pending label transitions.
func (s *State) LabelChanges() map[uint64]map[int]LabelChange {
	out := make(map[uint64]map[int]LabelChange, len(s.labelChanges))
	for node, m := range s.labelChanges {
		cp := make(map[int]LabelChange, len(m))
		for l, c := range m {
			cp[l] = c
		}
		out[node] = cp
	}
	return out
}

// AddedIndexes returns pending index rule creations.
func (s *State) AddedIndexes() []IndexRuleChange {
	return append([]IndexRuleChange(nil), s.addedIndexes...)
}

// DroppedIndexes returns pending index drops.
func (s *State) DroppedIndexes() []schema.IndexReference {
	return append([]schema.IndexReference(nil), s.droppedIndexes...)
}

// AddedConstraints returns pending constraint creations.
func (s *State) AddedConstraints() []ConstraintChange {
	return append([]ConstraintChange(nil), s.addedConstraints...)
}

// DroppedConstraints returns pending constraint drops.
func (s *State) DroppedConstraints() []schema.ConstraintDescriptor {
	return append([]schema.ConstraintDescriptor(nil), s.droppedConstraints...)
}

func keys(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func copyChanges(m map[uint64]map[int]PropertyChange) map[uint64]map[int]PropertyChange {
	out := make(map[uint64]map[int]PropertyChange, len(m))
	for entity, changes := range m {
		cp := make(map[int]PropertyChange, len(changes))
		for k, c := range changes {
			cp[k] = c
		}
		out[entity] = cp
	}
	return out
}
