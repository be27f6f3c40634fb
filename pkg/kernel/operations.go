package kernel

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphtx/pkg/locking"
	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/txstate"
	"github.com/orneryd/graphtx/pkg/values"
)

// Operations is the write surface of one transaction. Every mutating method
// checks that the transaction is still open, takes the locks the mutation
// needs, validates against both committed data and the transaction's own
// pending changes, and finally records the change in transaction state.
// Nothing is applied to the store until the transaction commits.
type Operations struct {
	k       *Kernel
	tx      *Transaction
	creator *ConstraintIndexCreator
	log     *logrus.Entry
}

func newOperations(k *Kernel, tx *Transaction) *Operations {
	return &Operations{
		k:       k,
		tx:      tx,
		creator: newConstraintIndexCreator(k),
		log:     tx.log,
	}
}

// Tx returns the underlying transaction handle.
func (o *Operations) Tx() *Transaction { return o.tx }

// Entity reads with transaction-state overlay
// ============================================================================

func (o *Operations) nodeExists(id uint64) (bool, error) {
	st := o.tx.state
	if st.NodeIsDeletedInThisTx(id) {
		return false, nil
	}
	if st.NodeIsAddedInThisTx(id) {
		return true, nil
	}
	return o.k.store.NodeExists(id)
}

// readNode returns the node as this transaction sees it: the committed
// record with pending label and property changes applied.
func (o *Operations) readNode(id uint64) (NodeRecord, bool, error) {
	st := o.tx.state
	if st.NodeIsDeletedInThisTx(id) {
		return NodeRecord{}, false, nil
	}
	var rec NodeRecord
	if st.NodeIsAddedInThisTx(id) {
		rec = NodeRecord{ID: id, Properties: map[int]values.Value{}}
	} else {
		stored, ok, err := o.k.store.GetNode(id)
		if err != nil {
			return NodeRecord{}, false, err
		}
		if !ok {
			return NodeRecord{}, false, nil
		}
		rec = stored
	}

	labels := make(map[int]struct{}, len(rec.Labels))
	for _, l := range rec.Labels {
		labels[l] = struct{}{}
	}
	for l, change := range st.NodeLabelChangesFor(id) {
		if change == txstate.LabelAdded {
			labels[l] = struct{}{}
		} else {
			delete(labels, l)
		}
	}
	rec.Labels = rec.Labels[:0]
	for l := range labels {
		rec.Labels = append(rec.Labels, l)
	}
	sort.Ints(rec.Labels)

	rec.Properties = overlayProperties(rec.Properties, st.NodePropertyChangesFor(id))
	return rec, true, nil
}

func (o *Operations) readRelationship(id uint64) (RelationshipRecord, bool, error) {
	st := o.tx.state
	if st.RelationshipIsDeletedInThisTx(id) {
		return RelationshipRecord{}, false, nil
	}
	var rec RelationshipRecord
	if data, added := st.AddedRelationship(id); added {
		rec = RelationshipRecord{
			ID:         id,
			Type:       data.Type,
			SourceNode: data.SourceNode,
			TargetNode: data.TargetNode,
			Properties: map[int]values.Value{},
		}
	} else {
		stored, ok, err := o.k.store.GetRelationship(id)
		if err != nil {
			return RelationshipRecord{}, false, err
		}
		if !ok {
			return RelationshipRecord{}, false, nil
		}
		rec = stored
	}
	rec.Properties = overlayProperties(rec.Properties, st.RelationshipPropertyChangesFor(id))
	return rec, true, nil
}

func (o *Operations) graphProperty(key int) (values.Value, error) {
	if change, ok := o.tx.state.GraphPropertyChange(key); ok {
		return change.After, nil
	}
	props, err := o.k.store.GraphProperties()
	if err != nil {
		return values.NoValue, err
	}
	if v, ok := props[key]; ok {
		return v, nil
	}
	return values.NoValue, nil
}

// Lock helpers
// ============================================================================

// acquireExclusiveNodeLock skips nodes created by this transaction; they
// are invisible to everyone else until commit.
func (o *Operations) acquireExclusiveNodeLock(ctx context.Context, id uint64) error {
	if o.tx.state.NodeIsAddedInThisTx(id) {
		return nil
	}
	return o.tx.locks.AcquireExclusive(ctx, locking.ResourceNode, id)
}

// lockRelationshipNodes exclusively locks both endpoints in ascending id
// order so that two transactions touching the same pair cannot deadlock.
func (o *Operations) lockRelationshipNodes(ctx context.Context, source, target uint64) error {
	lo, hi := source, target
	if hi < lo {
		lo, hi = hi, lo
	}
	if err := o.acquireExclusiveNodeLock(ctx, lo); err != nil {
		return err
	}
	if lo != hi {
		return o.acquireExclusiveNodeLock(ctx, hi)
	}
	return nil
}

// acquireSharedNodeLabelLocks takes shared locks on every label of the
// record, in ascending order, stabilising the label set against concurrent
// constraint creation.
func (o *Operations) acquireSharedNodeLabelLocks(ctx context.Context, rec NodeRecord) error {
	for _, l := range rec.Labels {
		if err := o.tx.locks.AcquireShared(ctx, locking.ResourceLabel, uint64(l)); err != nil {
			return err
		}
	}
	return nil
}

// Node operations
// ============================================================================

// NodeCreate reserves a node id and records the creation. No locks are
// taken; the new node is invisible to other transactions until commit.
func (o *Operations) NodeCreate(ctx context.Context) (uint64, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return 0, err
	}
	id, err := o.k.store.ReserveNode()
	if err != nil {
		return 0, err
	}
	o.tx.state.NodeDoCreate(id)
	return id, nil
}

// NodeDelete removes a node, along with any pending property and label
// changes. Deleting a node created by this transaction cancels the creation
// without taking locks. The delete is tolerant: a missing or already-deleted
// node returns false rather than an error.
func (o *Operations) NodeDelete(ctx context.Context, id uint64) (bool, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return false, err
	}
	st := o.tx.state
	if st.NodeIsAddedInThisTx(id) {
		st.NodeDoDelete(id)
		return true, nil
	}
	if st.NodeIsDeletedInThisTx(id) {
		return false, nil
	}
	if err := o.tx.locks.AcquireExclusive(ctx, locking.ResourceNode, id); err != nil {
		return false, err
	}
	if err := o.tx.AssertOpen(); err != nil {
		return false, err
	}
	exists, err := o.k.store.NodeExists(id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	st.NodeDoDelete(id)
	return true, nil
}

// NodeAddLabel adds a label to a node. Returns false if the node already
// carries the label. Adding a label can bring the node under a uniqueness
// constraint, so any constraint on the label whose property tuple the node
// completes is checked against the backing index first.
func (o *Operations) NodeAddLabel(ctx context.Context, node uint64, labelID int) (bool, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return false, err
	}
	if err := o.tx.locks.AcquireShared(ctx, locking.ResourceLabel, uint64(labelID)); err != nil {
		return false, err
	}
	if err := o.acquireExclusiveNodeLock(ctx, node); err != nil {
		return false, err
	}
	rec, ok, err := o.readNode(node)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, &EntityNotFoundError{Entity: schema.EntityNode, ID: node}
	}
	if rec.HasLabel(labelID) {
		return false, nil
	}

	constraints, err := o.k.store.ConstraintsForLabel(labelID)
	if err != nil {
		return false, err
	}
	for _, c := range constraints {
		if !c.EnforcesUniqueness() {
			continue
		}
		tuple := tupleFor(rec, c.Schema)
		if !tuple.Complete() {
			continue
		}
		if err := o.validateNoExistingNodeWithExactValues(ctx, c, tuple, node); err != nil {
			return false, err
		}
	}

	o.tx.state.NodeDoAddLabel(labelID, node)
	return true, nil
}

// NodeRemoveLabel removes a label from a node. Returns false if the node
// does not carry the label.
func (o *Operations) NodeRemoveLabel(ctx context.Context, node uint64, labelID int) (bool, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return false, err
	}
	if err := o.acquireExclusiveNodeLock(ctx, node); err != nil {
		return false, err
	}
	rec, ok, err := o.readNode(node)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, &EntityNotFoundError{Entity: schema.EntityNode, ID: node}
	}
	if !rec.HasLabel(labelID) {
		return false, nil
	}
	if err := o.tx.locks.AcquireShared(ctx, locking.ResourceLabel, uint64(labelID)); err != nil {
		return false, err
	}
	o.tx.state.NodeDoRemoveLabel(labelID, node)
	return true, nil
}

// NodeSetProperty sets a property on a node and returns the previous value,
// or NoValue if the property was absent. The node's labels are stabilised
// under shared locks, and any uniqueness constraint whose tuple the new
// value completes is checked, unless the value is unchanged from what the
// already-validated tuple holds.
func (o *Operations) NodeSetProperty(ctx context.Context, node uint64, key int, value values.Value) (values.Value, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return values.NoValue, err
	}
	if value.IsNoValue() {
		return values.NoValue, fmt.Errorf("cannot set property %d to no-value, use NodeRemoveProperty", key)
	}
	if err := o.acquireExclusiveNodeLock(ctx, node); err != nil {
		return values.NoValue, err
	}
	rec, ok, err := o.readNode(node)
	if err != nil {
		return values.NoValue, err
	}
	if !ok {
		return values.NoValue, &EntityNotFoundError{Entity: schema.EntityNode, ID: node}
	}
	if err := o.acquireSharedNodeLabelLocks(ctx, rec); err != nil {
		return values.NoValue, err
	}

	previous, hadKey := rec.Properties[key]
	for _, labelID := range rec.Labels {
		constraints, err := o.k.store.ConstraintsForLabel(labelID)
		if err != nil {
			return values.NoValue, err
		}
		for _, c := range constraints {
			if !c.EnforcesUniqueness() || !c.Schema.ContainsProperty(key) {
				continue
			}
			if hadKey && !values.Changed(previous, value) {
				// Tuple unchanged; it was validated when it was written.
				continue
			}
			tuple := tupleWith(rec, c.Schema, key, value)
			if !tuple.Complete() {
				continue
			}
			if err := o.validateNoExistingNodeWithExactValues(ctx, c, tuple, node); err != nil {
				return values.NoValue, err
			}
		}
	}

	if !hadKey {
		o.tx.state.NodeDoSetProperty(node, key, values.NoValue, value)
		return values.NoValue, nil
	}
	if values.Changed(previous, value) {
		o.tx.state.NodeDoSetProperty(node, key, previous, value)
	}
	return previous, nil
}

// NodeRemoveProperty removes a property from a node and returns the
// previous value, or NoValue if the property was absent.
func (o *Operations) NodeRemoveProperty(ctx context.Context, node uint64, key int) (values.Value, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return values.NoValue, err
	}
	if err := o.acquireExclusiveNodeLock(ctx, node); err != nil {
		return values.NoValue, err
	}
	rec, ok, err := o.readNode(node)
	if err != nil {
		return values.NoValue, err
	}
	if !ok {
		return values.NoValue, &EntityNotFoundError{Entity: schema.EntityNode, ID: node}
	}
	previous, hadKey := rec.Properties[key]
	if !hadKey {
		return values.NoValue, nil
	}
	if err := o.acquireSharedNodeLabelLocks(ctx, rec); err != nil {
		return values.NoValue, err
	}
	o.tx.state.NodeDoRemoveProperty(node, key, previous)
	return previous, nil
}

// Relationship operations
// ============================================================================

// RelationshipCreate creates a relationship between two existing nodes. The
// relationship type is locked shared, and both endpoints are locked
// exclusively in ascending id order before existence is verified.
func (o *Operations) RelationshipCreate(ctx context.Context, source uint64, typeID int, target uint64) (uint64, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return 0, err
	}
	if err := o.tx.locks.AcquireShared(ctx, locking.ResourceRelationshipType, uint64(typeID)); err != nil {
		return 0, err
	}
	if err := o.lockRelationshipNodes(ctx, source, target); err != nil {
		return 0, err
	}
	if err := o.assertNodeExists(source); err != nil {
		return 0, err
	}
	if err := o.assertNodeExists(target); err != nil {
		return 0, err
	}
	id, err := o.k.store.ReserveRelationship()
	if err != nil {
		return 0, err
	}
	o.tx.state.RelationshipDoCreate(id, typeID, source, target)
	return id, nil
}

// RelationshipDelete removes a relationship. Both endpoints and the
// relationship itself are locked exclusively. The delete is tolerant: a
// missing relationship returns false.
func (o *Operations) RelationshipDelete(ctx context.Context, id uint64) (bool, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return false, err
	}
	rec, ok, err := o.readRelationship(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := o.lockRelationshipNodes(ctx, rec.SourceNode, rec.TargetNode); err != nil {
		return false, err
	}
	addedInTx := o.tx.state.RelationshipIsAddedInThisTx(id)
	if !addedInTx {
		if err := o.tx.locks.AcquireExclusive(ctx, locking.ResourceRelationship, id); err != nil {
			return false, err
		}
	}
	if err := o.tx.AssertOpen(); err != nil {
		return false, err
	}
	// Re-check under the lock; another transaction may have won the race
	// before ours was granted.
	if _, ok, err = o.readRelationship(id); err != nil {
		return false, err
	} else if !ok {
		return false, nil
	}
	if addedInTx {
		o.tx.state.RelationshipDoDeleteAddedInThisTx(id)
	} else {
		o.tx.state.RelationshipDoDelete(id, rec.Type, rec.SourceNode, rec.TargetNode)
	}
	return true, nil
}

// RelationshipSetProperty sets a property on a relationship and returns the
// previous value, or NoValue if absent. Relationships are not subject to
// uniqueness constraints, so no index check is needed.
func (o *Operations) RelationshipSetProperty(ctx context.Context, rel uint64, key int, value values.Value) (values.Value, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return values.NoValue, err
	}
	if value.IsNoValue() {
		return values.NoValue, fmt.Errorf("cannot set property %d to no-value, use RelationshipRemoveProperty", key)
	}
	if err := o.acquireExclusiveRelationshipLock(ctx, rel); err != nil {
		return values.NoValue, err
	}
	rec, ok, err := o.readRelationship(rel)
	if err != nil {
		return values.NoValue, err
	}
	if !ok {
		return values.NoValue, &EntityNotFoundError{Entity: schema.EntityRelationship, ID: rel}
	}
	previous, hadKey := rec.Properties[key]
	if !hadKey {
		o.tx.state.RelationshipDoSetProperty(rel, key, values.NoValue, value)
		return values.NoValue, nil
	}
	if values.Changed(previous, value) {
		o.tx.state.RelationshipDoSetProperty(rel, key, previous, value)
	}
	return previous, nil
}

// RelationshipRemoveProperty removes a property from a relationship and
// returns the previous value, or NoValue if absent.
func (o *Operations) RelationshipRemoveProperty(ctx context.Context, rel uint64, key int) (values.Value, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return values.NoValue, err
	}
	if err := o.acquireExclusiveRelationshipLock(ctx, rel); err != nil {
		return values.NoValue, err
	}
	rec, ok, err := o.readRelationship(rel)
	if err != nil {
		return values.NoValue, err
	}
	if !ok {
		return values.NoValue, &EntityNotFoundError{Entity: schema.EntityRelationship, ID: rel}
	}
	previous, hadKey := rec.Properties[key]
	if !hadKey {
		return values.NoValue, nil
	}
	o.tx.state.RelationshipDoRemoveProperty(rel, key, previous)
	return previous, nil
}

// Graph property operations
// ============================================================================

// GraphSetProperty sets a graph-wide property and returns the previous
// value. Graph properties share one exclusive lock resource.
func (o *Operations) GraphSetProperty(ctx context.Context, key int, value values.Value) (values.Value, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return values.NoValue, err
	}
	if err := o.tx.locks.AcquireExclusive(ctx, locking.ResourceGraphProps, locking.GraphPropsResource); err != nil {
		return values.NoValue, err
	}
	previous, err := o.graphProperty(key)
	if err != nil {
		return values.NoValue, err
	}
	if values.Changed(previous, value) {
		o.tx.state.GraphDoSetProperty(key, previous, value)
	}
	return previous, nil
}

// GraphRemoveProperty removes a graph-wide property and returns the
// previous value, or NoValue if absent.
func (o *Operations) GraphRemoveProperty(ctx context.Context, key int) (values.Value, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return values.NoValue, err
	}
	if err := o.tx.locks.AcquireExclusive(ctx, locking.ResourceGraphProps, locking.GraphPropsResource); err != nil {
		return values.NoValue, err
	}
	previous, err := o.graphProperty(key)
	if err != nil {
		return values.NoValue, err
	}
	if previous.IsNoValue() {
		return values.NoValue, nil
	}
	o.tx.state.GraphDoRemoveProperty(key, previous)
	return previous, nil
}

// Uniqueness validation
// ============================================================================

// validateNoExistingNodeWithExactValues checks a uniqueness constraint for
// another node holding the same tuple, as this transaction would commit it:
// a committed index hit only counts if the transaction has not moved that
// node off the tuple, and the transaction's own pending writes are checked
// because the committed index cannot see them. The index entry for the
// tuple is locked exclusively first, so a concurrent transaction writing
// the same tuple serialises behind this one until it commits or rolls back.
func (o *Operations) validateNoExistingNodeWithExactValues(ctx context.Context, c schema.ConstraintDescriptor, tuple values.Tuple, node uint64) error {
	proxy, ref, err := o.constraintIndexProxy(c)
	if err != nil {
		return &UnableToValidateConstraintError{Constraint: c, Cause: err}
	}
	if err := o.tx.locks.AcquireExclusive(ctx, locking.ResourceIndexEntry, tuple.ResourceID(c.Schema.Token)); err != nil {
		return err
	}
	if state := proxy.State(); state != schema.IndexOnline {
		failure := ""
		if state == schema.IndexFailed {
			failure, _ = o.k.store.IndexGetFailure(ref)
		}
		return &UnableToValidateConstraintError{
			Constraint: c,
			Cause:      &IndexBrokenError{Schema: c.Schema, Failure: failure},
		}
	}
	other, found, err := proxy.SeekExact(tuple)
	if err != nil {
		return &UnableToValidateConstraintError{Constraint: c, Cause: err}
	}
	if found && other != node {
		holds, err := o.nodeHoldsTuple(other, c.Schema, tuple)
		if err != nil {
			return &UnableToValidateConstraintError{Constraint: c, Cause: err}
		}
		if holds {
			return &UniquenessViolationError{
				Constraint: c,
				Conflict:   schema.EntryConflict{FirstEntity: other, SecondEntity: node, Tuple: tuple},
			}
		}
	}
	pending, found, err := o.pendingNodeWithExactValues(c.Schema, tuple, node)
	if err != nil {
		return &UnableToValidateConstraintError{Constraint: c, Cause: err}
	}
	if found {
		return &UniquenessViolationError{
			Constraint: c,
			Conflict:   schema.EntryConflict{FirstEntity: pending, SecondEntity: node, Tuple: tuple},
		}
	}
	return nil
}

// nodeHoldsTuple reports whether the node, as this transaction sees it,
// carries the schema label and the exact value tuple.
func (o *Operations) nodeHoldsTuple(id uint64, d schema.Descriptor, tuple values.Tuple) (bool, error) {
	rec, ok, err := o.readNode(id)
	if err != nil || !ok {
		return false, err
	}
	if !rec.HasLabel(d.Token) {
		return false, nil
	}
	return tupleFor(rec, d).Equal(tuple), nil
}

// pendingNodeWithExactValues scans the nodes this transaction has touched
// for one other than the given node that would commit the same tuple under
// the schema label.
func (o *Operations) pendingNodeWithExactValues(d schema.Descriptor, tuple values.Tuple, node uint64) (uint64, bool, error) {
	st := o.tx.state
	candidates := make(map[uint64]struct{})
	for _, id := range st.CreatedNodes() {
		candidates[id] = struct{}{}
	}
	for id := range st.LabelChanges() {
		candidates[id] = struct{}{}
	}
	for id := range st.NodePropertyChanges() {
		candidates[id] = struct{}{}
	}
	delete(candidates, node)
	for id := range candidates {
		holds, err := o.nodeHoldsTuple(id, d, tuple)
		if err != nil {
			return 0, false, err
		}
		if holds {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (o *Operations) constraintIndexProxy(c schema.ConstraintDescriptor) (IndexProxy, schema.IndexReference, error) {
	ref, err := o.k.store.IndexForSchema(c.Schema)
	if err != nil {
		return nil, schema.IndexReference{}, err
	}
	if ref.IsEmpty() {
		return nil, ref, &NoSuchIndexError{Schema: c.Schema}
	}
	id, err := o.k.store.CommittedIndexID(ref)
	if err != nil {
		return nil, ref, err
	}
	proxy, err := o.k.store.IndexProxy(id)
	if err != nil {
		return nil, ref, err
	}
	return proxy, ref, nil
}

// Shared helpers
// ============================================================================

func (o *Operations) assertNodeExists(id uint64) error {
	exists, err := o.nodeExists(id)
	if err != nil {
		return err
	}
	if !exists {
		return &EntityNotFoundError{Entity: schema.EntityNode, ID: id}
	}
	return nil
}

func (o *Operations) acquireExclusiveRelationshipLock(ctx context.Context, id uint64) error {
	if o.tx.state.RelationshipIsAddedInThisTx(id) {
		return nil
	}
	return o.tx.locks.AcquireExclusive(ctx, locking.ResourceRelationship, id)
}

// tupleFor assembles a node's value tuple for a schema descriptor. Missing
// properties yield NoValue slots, making the tuple incomplete.
func tupleFor(rec NodeRecord, d schema.Descriptor) values.Tuple {
	tuple := make(values.Tuple, len(d.PropertyIDs))
	for i, pid := range d.PropertyIDs {
		tuple[i] = rec.Properties[pid]
	}
	return tuple
}

// tupleWith is tupleFor with one property substituted by a new value.
func tupleWith(rec NodeRecord, d schema.Descriptor, key int, value values.Value) values.Tuple {
	tuple := tupleFor(rec, d)
	for i, pid := range d.PropertyIDs {
		if pid == key {
			tuple[i] = value
		}
	}
	return tuple
}

// overlayProperties applies pending property changes on top of a committed
// property map. A change whose After is NoValue removes the key.
func overlayProperties(base map[int]values.Value, changes map[int]txstate.PropertyChange) map[int]values.Value {
	if len(changes) == 0 {
		return base
	}
	out := make(map[int]values.Value, len(base)+len(changes))
	for k, v := range base {
		out[k] = v
	}
	for k, change := range changes {
		if change.After.IsNoValue() {
			delete(out, k)
		} else {
			out[k] = change.After
		}
	}
	return out
}
