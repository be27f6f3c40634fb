package txstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/values"
)

func TestNodeCreateDeleteCancels(t *testing.T) {
	s := New()
	s.NodeDoCreate(1)
	require.True(t, s.NodeIsAddedInThisTx(1))

	s.NodeDoDelete(1)
	require.False(t, s.NodeIsAddedInThisTx(1))
	require.False(t, s.NodeIsDeletedInThisTx(1)) // never observable, so not a deletion
	require.False(t, s.HasChanges())
}

func TestNodeDeleteStoreResident(t *testing.T) {
	s := New()
	s.NodeDoDelete(7)
	require.True(t, s.NodeIsDeletedInThisTx(7))

	// Deletion wipes the node's pending property and label changes.
	s2 := New()
	s2.NodeDoSetProperty(7, 1, values.NoValue, values.Int(1))
	s2.NodeDoAddLabel(3, 7)
	s2.NodeDoDelete(7)
	_, ok := s2.NodePropertyChange(7, 1)
	require.False(t, ok)
	require.Zero(t, s2.NodeLabelChangeCount(7))
}

func TestLabelAddCollapsesToSingleRecord(t *testing.T) {
	s := New()
	s.NodeDoAddLabel(5, 1)
	s.NodeDoAddLabel(5, 1)
	require.Equal(t, 1, s.NodeLabelChangeCount(1))

	change, ok := s.NodeLabelChange(1, 5)
	require.True(t, ok)
	require.Equal(t, LabelAdded, change)
}

func TestLabelAddRemoveCancels(t *testing.T) {
	s := New()
	s.NodeDoAddLabel(5, 1)
	s.NodeDoRemoveLabel(5, 1)
	require.Zero(t, s.NodeLabelChangeCount(1))

	s.NodeDoRemoveLabel(6, 1)
	s.NodeDoAddLabel(6, 1)
	require.Zero(t, s.NodeLabelChangeCount(1))
}

func TestPropertyChangePreservesOriginalBefore(t *testing.T) {
	s := New()
	s.NodeDoSetProperty(1, 10, values.Int(1), values.Int(2))
	s.NodeDoSetProperty(1, 10, values.Int(2), values.Int(3))

	change, ok := s.NodePropertyChange(1, 10)
	require.True(t, ok)
	require.True(t, change.Before.Equal(values.Int(1)))
	require.True(t, change.After.Equal(values.Int(3)))

	s.NodeDoRemoveProperty(1, 10, values.Int(3))
	change, _ = s.NodePropertyChange(1, 10)
	require.True(t, change.Before.Equal(values.Int(1)))
	require.True(t, change.After.IsNoValue())
}

func TestRelationshipAddThenDeleteCancels(t *testing.T) {
	s := New()
	s.RelationshipDoCreate(9, 2, 1, 3)
	require.True(t, s.RelationshipIsAddedInThisTx(9))

	d, ok := s.AddedRelationship(9)
	require.True(t, ok)
	require.Equal(t, RelationshipData{Type: 2, SourceNode: 1, TargetNode: 3}, d)

	s.RelationshipDoDeleteAddedInThisTx(9)
	require.False(t, s.RelationshipIsAddedInThisTx(9))
	require.False(t, s.RelationshipIsDeletedInThisTx(9))
}

func TestIndexDropCancelsSameTxAdd(t *testing.T) {
	ref := schema.IndexReference{Schema: schema.ForLabel(1, 10), ProviderKey: "range-1.0"}

	s := New()
	s.IndexDoAdd(100, ref)
	require.Len(t, s.AddedIndexes(), 1)

	s.IndexDoDrop(ref)
	require.Empty(t, s.AddedIndexes())
	require.Empty(t, s.DroppedIndexes())
}

func TestIndexUnRemove(t *testing.T) {
	ref := schema.IndexReference{Schema: schema.ForLabel(1, 10), Unique: true, ProviderKey: "range-1.0"}

	s := New()
	s.IndexDoDrop(ref)
	require.True(t, s.IndexDoUnRemove(ref))
	require.Empty(t, s.DroppedIndexes())
	require.False(t, s.IndexDoUnRemove(ref))
}

func TestConstraintLifecycle(t *testing.T) {
	c := schema.UniqueForSchema(schema.ForLabel(1, 10))

	s := New()
	s.ConstraintDoAdd(c, 42)
	require.True(t, s.ConstraintIsAddedInThisTx(c))

	s.ConstraintDoDrop(c)
	require.False(t, s.ConstraintIsAddedInThisTx(c))
	require.Empty(t, s.DroppedConstraints())

	s.ConstraintDoDrop(c)
	require.True(t, s.ConstraintDoUnRemove(c))
}

func TestIndexCreatedForConstraint(t *testing.T) {
	desc := schema.ForLabel(1, 10)
	uniqueRef := schema.IndexReference{Schema: desc, Unique: true, ProviderKey: "range-1.0"}

	s := New()
	s.IndexDoAdd(77, uniqueRef)

	id, ok := s.IndexCreatedForConstraint(schema.UniqueForSchema(desc))
	require.True(t, ok)
	require.Equal(t, uint64(77), id)

	_, ok = s.IndexCreatedForConstraint(schema.UniqueForSchema(schema.ForLabel(2, 10)))
	require.False(t, ok)
}
