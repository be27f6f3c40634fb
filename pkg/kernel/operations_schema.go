package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/graphtx/pkg/locking"
	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/txstate"
)

// opContext names the schema operation a shared assertion runs under, since
// the same existing index is a different error depending on what the caller
// was trying to create.
type opContext int

const (
	opIndexCreation opContext = iota
	opConstraintCreation
)

// exclusiveSchemaLock takes the exclusive token lock guarding all schema
// changes for a label or relationship type.
func (o *Operations) exclusiveSchemaLock(ctx context.Context, d schema.Descriptor) error {
	return o.tx.locks.AcquireExclusive(ctx, schemaLockResource(d), uint64(d.Token))
}

func schemaLockResource(d schema.Descriptor) locking.ResourceType {
	if d.Entity == schema.EntityRelationship {
		return locking.ResourceRelationshipType
	}
	return locking.ResourceLabel
}

// Transaction-state-aware schema reads
// ============================================================================

// indexGetForSchema resolves the index covering the descriptor as this
// transaction sees it: rules added in this transaction are visible, rules
// dropped in it are not.
func (o *Operations) indexGetForSchema(d schema.Descriptor) (schema.IndexReference, error) {
	st := o.tx.state
	for _, added := range st.AddedIndexes() {
		if added.Ref.Schema.Equal(d) {
			return added.Ref, nil
		}
	}
	ref, err := o.k.store.IndexForSchema(d)
	if err != nil || ref.IsEmpty() {
		return ref, err
	}
	for _, dropped := range st.DroppedIndexes() {
		if dropped.Equal(ref) {
			return schema.IndexReference{}, nil
		}
	}
	return ref, nil
}

// constraintExists resolves constraint existence as this transaction sees
// it.
func (o *Operations) constraintExists(c schema.ConstraintDescriptor) (bool, error) {
	st := o.tx.state
	if st.ConstraintIsAddedInThisTx(c) {
		return true, nil
	}
	exists, err := o.k.store.ConstraintExists(c)
	if err != nil || !exists {
		return false, err
	}
	for _, dropped := range st.DroppedConstraints() {
		if dropped.Equal(c) {
			return false, nil
		}
	}
	return true, nil
}

// Assertions shared by the schema writes
// ============================================================================

func (o *Operations) assertConstraintDoesNotExist(c schema.ConstraintDescriptor) error {
	exists, err := o.constraintExists(c)
	if err != nil {
		return err
	}
	if exists {
		return &AlreadyConstrainedError{Constraint: c}
	}
	return nil
}

// assertIndexDoesNotExist rejects rule creation over an already-indexed
// schema. A unique index without an owning constraint is tolerated during
// constraint creation: it is a leftover from an earlier failed build and
// will be adopted instead of recreated.
func (o *Operations) assertIndexDoesNotExist(opCtx opContext, d schema.Descriptor) error {
	existing, err := o.indexGetForSchema(d)
	if err != nil {
		return err
	}
	if existing.IsEmpty() {
		return nil
	}
	if existing.Unique {
		owned, err := o.indexHasOwner(existing)
		if err != nil {
			return err
		}
		if opCtx != opConstraintCreation || owned {
			return &AlreadyConstrainedError{Constraint: schema.UniqueForSchema(d)}
		}
		return nil
	}
	return &AlreadyIndexedError{Schema: d}
}

func (o *Operations) indexHasOwner(ref schema.IndexReference) (bool, error) {
	for _, added := range o.tx.state.AddedConstraints() {
		if added.Constraint.RequiresBackingIndex() && added.Constraint.Schema.Equal(ref.Schema) {
			return true, nil
		}
	}
	_, owned, err := o.k.store.IndexOwningConstraint(ref)
	return owned, err
}

// Index operations
// ============================================================================

// IndexCreate records a new index rule over the schema. The rule id is
// reserved immediately; the index itself starts populating when the
// transaction commits.
func (o *Operations) IndexCreate(ctx context.Context, d schema.Descriptor) (schema.IndexReference, error) {
	if err := o.tx.AssertOpen(); err != nil {
		return schema.IndexReference{}, err
	}
	if err := o.exclusiveSchemaLock(ctx, d); err != nil {
		return schema.IndexReference{}, err
	}
	if err := d.Validate(); err != nil {
		return schema.IndexReference{}, &RepeatedPropertyError{Schema: d}
	}
	if err := o.assertIndexDoesNotExist(opIndexCreation, d); err != nil {
		return schema.IndexReference{}, err
	}
	key, version := o.k.store.ProviderDescriptor()
	ref := schema.IndexReference{
		Schema:          d,
		ProviderKey:     key,
		ProviderVersion: version,
		Capability:      o.k.store.DefaultCapability(),
	}
	id, err := o.k.store.ReserveIndex()
	if err != nil {
		return schema.IndexReference{}, err
	}
	o.tx.state.IndexDoAdd(id, ref)
	o.log.WithField("schema", d.String()).Debug("index create recorded")
	return ref, nil
}

// IndexDrop records the removal of an index rule. Backing indexes of live
// constraints cannot be dropped directly; drop the constraint instead.
func (o *Operations) IndexDrop(ctx context.Context, ref schema.IndexReference) error {
	if ref.IsEmpty() {
		return &DropIndexFailureError{Cause: &NoSuchIndexError{}}
	}
	if err := o.tx.AssertOpen(); err != nil {
		return err
	}
	if err := o.exclusiveSchemaLock(ctx, ref.Schema); err != nil {
		return err
	}
	existing, err := o.indexGetForSchema(ref.Schema)
	if err != nil {
		return err
	}
	if existing.IsEmpty() || !existing.Equal(ref) {
		return &DropIndexFailureError{Schema: ref.Schema, Cause: &NoSuchIndexError{Schema: ref.Schema}}
	}
	if existing.Unique {
		owned, err := o.indexHasOwner(existing)
		if err != nil {
			return err
		}
		if owned {
			return &DropIndexFailureError{
				Schema: ref.Schema,
				Cause:  &IndexBelongsToConstraintError{Schema: ref.Schema},
			}
		}
	}
	o.tx.state.IndexDoDrop(existing)
	o.log.WithField("schema", ref.Schema.String()).Debug("index drop recorded")
	return nil
}

// Constraint operations
// ============================================================================

// UniquePropertyConstraintCreate creates a uniqueness constraint over the
// schema, building and populating its backing index before the constraint
// becomes visible.
func (o *Operations) UniquePropertyConstraintCreate(ctx context.Context, d schema.Descriptor) (schema.ConstraintDescriptor, error) {
	constraint := schema.UniqueForSchema(d)
	if err := o.indexBackedConstraintPrechecks(ctx, constraint); err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	return o.indexBackedConstraintCreate(ctx, constraint)
}

// NodeKeyConstraintCreate creates a node-key constraint: every node under
// the label must carry all schema properties, and the full tuple must be
// unique. Existing data is scanned for missing properties before the
// backing index build starts.
func (o *Operations) NodeKeyConstraintCreate(ctx context.Context, d schema.Descriptor) (schema.ConstraintDescriptor, error) {
	constraint := schema.NodeKeyForSchema(d)
	if err := o.indexBackedConstraintPrechecks(ctx, constraint); err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	nodes, err := o.nodesWithLabel(d.Token)
	if err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	if err := o.k.semantics.ValidateNodeKeyConstraint(nodes, d); err != nil {
		return schema.ConstraintDescriptor{}, &CreateConstraintFailureError{Constraint: constraint, Cause: err}
	}
	return o.indexBackedConstraintCreate(ctx, constraint)
}

func (o *Operations) indexBackedConstraintPrechecks(ctx context.Context, c schema.ConstraintDescriptor) error {
	if err := o.tx.AssertOpen(); err != nil {
		return err
	}
	if err := o.exclusiveSchemaLock(ctx, c.Schema); err != nil {
		return err
	}
	if err := c.Schema.Validate(); err != nil {
		return &RepeatedPropertyError{Schema: c.Schema}
	}
	if err := o.assertConstraintDoesNotExist(c); err != nil {
		return err
	}
	return o.assertIndexDoesNotExist(opConstraintCreation, c.Schema)
}

// indexBackedConstraintCreate records an index-backed constraint. If this
// transaction previously dropped the same constraint, the drop of the rule
// pair is undone instead of building a fresh index. Otherwise the backing
// index is created and populated in a nested transaction; because the label
// lock is released during population, a concurrent creator may finish the
// identical constraint first, in which case the operation completes
// idempotently.
func (o *Operations) indexBackedConstraintCreate(ctx context.Context, c schema.ConstraintDescriptor) (schema.ConstraintDescriptor, error) {
	st := o.tx.state
	if st.HasChanges() {
		committed, err := o.k.store.IndexForSchema(c.Schema)
		if err != nil {
			return schema.ConstraintDescriptor{}, err
		}
		if !committed.IsEmpty() && st.IndexDoUnRemove(committed) {
			if !st.ConstraintDoUnRemove(c) {
				id, err := o.k.store.CommittedIndexID(committed)
				if err != nil {
					return schema.ConstraintDescriptor{}, err
				}
				st.ConstraintDoAdd(c, id)
				c.OwnedIndexID = id
			}
			return c, nil
		}
	}

	indexID, err := o.creator.CreateUniquenessConstraintIndex(ctx, o.tx, c)
	if err != nil {
		return schema.ConstraintDescriptor{}, wrapCreateConstraintFailure(c, err)
	}
	committedMeanwhile, err := o.k.store.ConstraintExists(c)
	if err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	if !committedMeanwhile {
		// The label lock was released during population, so an identical
		// constraint may have been committed ahead of us. If it was, this
		// creation is idempotent and records nothing.
		st.ConstraintDoAdd(c, indexID)
	}
	c.OwnedIndexID = indexID
	o.log.WithField("constraint", c.String()).Debug("constraint create recorded")
	return c, nil
}

// wrapCreateConstraintFailure wraps build failures so callers see both the
// failed create and, via unwrapping, the underlying cause such as a
// uniqueness violation found during population. Rule-conflict errors pass
// through untouched; they describe the request, not the build.
func wrapCreateConstraintFailure(c schema.ConstraintDescriptor, err error) error {
	var constrained *AlreadyConstrainedError
	var indexed *AlreadyIndexedError
	if errors.As(err, &constrained) || errors.As(err, &indexed) {
		return err
	}
	return &CreateConstraintFailureError{Constraint: c, Cause: err}
}

// NodePropertyExistenceConstraintCreate creates a constraint requiring
// every node under the label to carry all schema properties. Existing data
// is validated with a full scan before the rule is recorded.
func (o *Operations) NodePropertyExistenceConstraintCreate(ctx context.Context, d schema.Descriptor) (schema.ConstraintDescriptor, error) {
	if d.Entity != schema.EntityNode {
		return schema.ConstraintDescriptor{}, fmt.Errorf("node existence constraint requires a label schema, got %s", d)
	}
	constraint := schema.ExistsForSchema(d)
	if err := o.existenceConstraintPrechecks(ctx, constraint); err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	nodes, err := o.nodesWithLabel(d.Token)
	if err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	if err := o.k.semantics.ValidateNodePropertyExistence(nodes, d); err != nil {
		return schema.ConstraintDescriptor{}, &CreateConstraintFailureError{Constraint: constraint, Cause: err}
	}
	o.recordPlainConstraint(constraint)
	return constraint, nil
}

// RelationshipPropertyExistenceConstraintCreate creates a constraint
// requiring every relationship of the type to carry all schema properties.
func (o *Operations) RelationshipPropertyExistenceConstraintCreate(ctx context.Context, d schema.Descriptor) (schema.ConstraintDescriptor, error) {
	if d.Entity != schema.EntityRelationship {
		return schema.ConstraintDescriptor{}, fmt.Errorf("relationship existence constraint requires a type schema, got %s", d)
	}
	constraint := schema.ExistsForSchema(d)
	if err := o.existenceConstraintPrechecks(ctx, constraint); err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	rels, err := o.relationshipsWithType(d.Token)
	if err != nil {
		return schema.ConstraintDescriptor{}, err
	}
	if err := o.k.semantics.ValidateRelationshipPropertyExistence(rels, d); err != nil {
		return schema.ConstraintDescriptor{}, &CreateConstraintFailureError{Constraint: constraint, Cause: err}
	}
	o.recordPlainConstraint(constraint)
	return constraint, nil
}

func (o *Operations) existenceConstraintPrechecks(ctx context.Context, c schema.ConstraintDescriptor) error {
	if err := o.tx.AssertOpen(); err != nil {
		return err
	}
	if err := o.exclusiveSchemaLock(ctx, c.Schema); err != nil {
		return err
	}
	if err := c.Schema.Validate(); err != nil {
		return &RepeatedPropertyError{Schema: c.Schema}
	}
	return o.assertConstraintDoesNotExist(c)
}

func (o *Operations) recordPlainConstraint(c schema.ConstraintDescriptor) {
	if !o.tx.state.ConstraintDoUnRemove(c) {
		o.tx.state.ConstraintDoAdd(c, 0)
	}
	o.log.WithField("constraint", c.String()).Debug("constraint create recorded")
}

// ConstraintDrop records the removal of a constraint. Dropping an
// index-backed constraint also drops its backing index.
func (o *Operations) ConstraintDrop(ctx context.Context, c schema.ConstraintDescriptor) error {
	if err := o.tx.AssertOpen(); err != nil {
		return err
	}
	if err := o.exclusiveSchemaLock(ctx, c.Schema); err != nil {
		return err
	}
	exists, err := o.constraintExists(c)
	if err != nil {
		return err
	}
	if !exists {
		return &DropConstraintFailureError{Constraint: c, Cause: &NoSuchConstraintError{Constraint: c}}
	}
	o.tx.state.ConstraintDoDrop(c)
	if c.RequiresBackingIndex() {
		ref, err := o.indexGetForSchema(c.Schema)
		if err != nil {
			return err
		}
		if !ref.IsEmpty() && ref.Unique {
			o.tx.state.IndexDoDrop(ref)
		}
	}
	o.log.WithField("constraint", c.String()).Debug("constraint drop recorded")
	return nil
}

// Validation scans
// ============================================================================

// nodesWithLabel merges the committed label scan with this transaction's
// pending changes, giving constraint validation the same view a commit
// would produce.
func (o *Operations) nodesWithLabel(labelID int) ([]NodeRecord, error) {
	committed, err := o.k.store.NodesWithLabel(labelID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(committed))
	var out []NodeRecord
	for _, rec := range committed {
		seen[rec.ID] = struct{}{}
		merged, ok, err := o.readNode(rec.ID)
		if err != nil {
			return nil, err
		}
		if ok && merged.HasLabel(labelID) {
			out = append(out, merged)
		}
	}
	for _, id := range o.tx.state.CreatedNodes() {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged, ok, err := o.readNode(id)
		if err != nil {
			return nil, err
		}
		if ok && merged.HasLabel(labelID) {
			out = append(out, merged)
		}
	}
	// Stored nodes that gained the label in this transaction are in
	// neither the committed scan nor the created set.
	for id, changes := range o.tx.state.LabelChanges() {
		if _, dup := seen[id]; dup {
			continue
		}
		if change, ok := changes[labelID]; !ok || change != txstate.LabelAdded {
			continue
		}
		merged, ok, err := o.readNode(id)
		if err != nil {
			return nil, err
		}
		if ok && merged.HasLabel(labelID) {
			out = append(out, merged)
		}
	}
	return out, nil
}

func (o *Operations) relationshipsWithType(typeID int) ([]RelationshipRecord, error) {
	committed, err := o.k.store.RelationshipsWithType(typeID)
	if err != nil {
		return nil, err
	}
	var out []RelationshipRecord
	for _, rec := range committed {
		merged, ok, err := o.readRelationship(rec.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, merged)
		}
	}
	for id, data := range o.tx.state.CreatedRelationships() {
		if data.Type != typeID {
			continue
		}
		merged, ok, err := o.readRelationship(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, merged)
		}
	}
	return out, nil
}
