package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/storage"
	"github.com/orneryd/graphtx/pkg/txstate"
	"github.com/orneryd/graphtx/pkg/values"
)

func newEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func apply(t *testing.T, e *storage.Engine, st *txstate.State) {
	t.Helper()
	require.NoError(t, e.ApplyTransaction(context.Background(), st))
}

// writeNode commits a node with the given labels and properties in one
// transaction and returns its id.
func writeNode(t *testing.T, e *storage.Engine, labels []int, props map[int]values.Value) uint64 {
	t.Helper()
	id, err := e.ReserveNode()
	require.NoError(t, err)
	st := txstate.New()
	st.NodeDoCreate(id)
	for _, l := range labels {
		st.NodeDoAddLabel(l, id)
	}
	for k, v := range props {
		st.NodeDoSetProperty(id, k, values.NoValue, v)
	}
	apply(t, e, st)
	return id
}

func TestIDAllocationStartsAtOne(t *testing.T) {
	e := newEngine(t)

	id, err := e.ReserveNode()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	next, err := e.ReserveNode()
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)

	rel, err := e.ReserveRelationship()
	require.NoError(t, err)
	require.Equal(t, uint64(1), rel)
}

func TestNodeRoundTrip(t *testing.T) {
	e := newEngine(t)

	props := map[int]values.Value{
		1: values.String("Ada"),
		2: values.Int(36),
		3: values.Float(1.68),
		4: values.Bool(true),
		5: values.IntArray([]int64{1, 2, 3}),
		6: values.Time(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	id := writeNode(t, e, []int{7, 3}, props)

	got, found, err := e.GetNode(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int{3, 7}, got.Labels)
	require.Len(t, got.Properties, len(props))
	for k, want := range props {
		require.True(t, want.Equal(got.Properties[k]), "property %d", k)
	}
}

func TestValueKindSurvivesStorage(t *testing.T) {
	e := newEngine(t)
	id := writeNode(t, e, nil, map[int]values.Value{1: values.Int(7)})

	got, found, err := e.GetNode(id)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, got.Properties[1].Equal(values.Float(7)))
	require.True(t, got.Properties[1].Equal(values.Int(7)))
}

func TestNodeDeleteRemovesRecordAndLabelScan(t *testing.T) {
	e := newEngine(t)
	id := writeNode(t, e, []int{9}, nil)
	keep := writeNode(t, e, []int{9}, nil)

	st := txstate.New()
	st.NodeDoDelete(id)
	apply(t, e, st)

	_, found, err := e.GetNode(id)
	require.NoError(t, err)
	require.False(t, found)

	nodes, err := e.NodesWithLabel(9)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, keep, nodes[0].ID)
}

func TestRelationshipRoundTripAndTypeScan(t *testing.T) {
	e := newEngine(t)
	a := writeNode(t, e, nil, nil)
	b := writeNode(t, e, nil, nil)

	rel, err := e.ReserveRelationship()
	require.NoError(t, err)
	st := txstate.New()
	st.RelationshipDoCreate(rel, 4, a, b)
	st.RelationshipDoSetProperty(rel, 2, values.NoValue, values.Float(0.5))
	apply(t, e, st)

	got, found, err := e.GetRelationship(rel)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, a, got.SourceNode)
	require.Equal(t, b, got.TargetNode)
	require.Equal(t, 4, got.Type)
	require.True(t, values.Float(0.5).Equal(got.Properties[2]))

	rels, err := e.RelationshipsWithType(4)
	require.NoError(t, err)
	require.Len(t, rels, 1)

	st = txstate.New()
	st.RelationshipDoDelete(rel, 4, a, b)
	apply(t, e, st)

	_, found, err = e.GetRelationship(rel)
	require.NoError(t, err)
	require.False(t, found)
	rels, err = e.RelationshipsWithType(4)
	require.NoError(t, err)
	require.Empty(t, rels)
}

func TestGraphPropertiesRoundTrip(t *testing.T) {
	e := newEngine(t)

	st := txstate.New()
	st.GraphDoSetProperty(1, values.NoValue, values.String("db-name"))
	apply(t, e, st)

	props, err := e.GraphProperties()
	require.NoError(t, err)
	require.True(t, values.String("db-name").Equal(props[1]))

	st = txstate.New()
	st.GraphDoRemoveProperty(1, values.String("db-name"))
	apply(t, e, st)

	props, err = e.GraphProperties()
	require.NoError(t, err)
	require.Empty(t, props)
}

func TestTokensAreStableAndPerKind(t *testing.T) {
	e := newEngine(t)

	person, err := e.LabelToken("Person")
	require.NoError(t, err)
	again, err := e.LabelToken("Person")
	require.NoError(t, err)
	require.Equal(t, person, again)

	other, err := e.LabelToken("Company")
	require.NoError(t, err)
	require.NotEqual(t, person, other)

	// Kinds allocate independently; the same name may share a number.
	knows, err := e.RelationshipTypeToken("KNOWS")
	require.NoError(t, err)
	require.Equal(t, 1, knows)

	_, err = e.PropertyKeyToken("")
	require.Error(t, err)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := storage.Open(dir)
	require.NoError(t, err)

	id := writeNode(t, e, []int{2}, map[int]values.Value{1: values.String("kept")})
	require.NoError(t, e.Close())

	e, err = storage.Open(dir)
	require.NoError(t, err)
	defer e.Close()

	got, found, err := e.GetNode(id)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, values.String("kept").Equal(got.Properties[1]))

	// Id allocation must not reuse ids handed out before the restart.
	next, err := e.ReserveNode()
	require.NoError(t, err)
	require.Greater(t, next, id)
}

// Index population and maintenance
// ============================================================================

const (
	testLabel = 1
	testKey   = 2
)

// createIndex commits an index rule over (testLabel, testKey) and waits for
// population to finish.
func createIndex(t *testing.T, e *storage.Engine, unique bool) (uint64, schema.IndexReference) {
	t.Helper()
	id, err := e.ReserveIndex()
	require.NoError(t, err)
	pk, pv := e.ProviderDescriptor()
	ref := schema.IndexReference{
		Schema:          schema.ForLabel(testLabel, testKey),
		Unique:          unique,
		ProviderKey:     pk,
		ProviderVersion: pv,
	}
	st := txstate.New()
	st.IndexDoAdd(id, ref)
	apply(t, e, st)

	proxy, err := e.IndexProxy(id)
	require.NoError(t, err)
	require.NoError(t, proxy.AwaitPopulation(context.Background()))
	return id, ref
}

func TestIndexPopulatesFromExistingNodes(t *testing.T) {
	e := newEngine(t)
	id := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("x")})
	writeNode(t, e, []int{testLabel}, nil) // incomplete tuple, not indexed

	indexID, ref := createIndex(t, e, true)

	state, err := e.IndexGetState(ref)
	require.NoError(t, err)
	require.Equal(t, schema.IndexOnline, state)

	proxy, err := e.IndexProxy(indexID)
	require.NoError(t, err)
	node, found, err := proxy.SeekExact(values.Tuple{values.String("x")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, node)

	_, found, err = proxy.SeekExact(values.Tuple{values.String("missing")})
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, proxy.VerifyDeferredConstraints())
}

func TestUniquePopulationFailsOnDuplicates(t *testing.T) {
	e := newEngine(t)
	first := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("dup")})
	second := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("dup")})

	id, err := e.ReserveIndex()
	require.NoError(t, err)
	pk, pv := e.ProviderDescriptor()
	ref := schema.IndexReference{
		Schema: schema.ForLabel(testLabel, testKey), Unique: true,
		ProviderKey: pk, ProviderVersion: pv,
	}
	st := txstate.New()
	st.IndexDoAdd(id, ref)
	apply(t, e, st)

	proxy, err := e.IndexProxy(id)
	require.NoError(t, err)
	err = proxy.AwaitPopulation(context.Background())
	var conflict schema.EntryConflict
	require.ErrorAs(t, err, &conflict)
	require.ElementsMatch(t, []uint64{first, second}, []uint64{conflict.FirstEntity, conflict.SecondEntity})

	state, err := e.IndexGetState(ref)
	require.NoError(t, err)
	require.Equal(t, schema.IndexFailed, state)
	msg, err := e.IndexGetFailure(ref)
	require.NoError(t, err)
	require.NotEmpty(t, msg)
}

func TestCommitMaintainsIndexEntries(t *testing.T) {
	e := newEngine(t)
	indexID, _ := createIndex(t, e, false)
	proxy, err := e.IndexProxy(indexID)
	require.NoError(t, err)

	id := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("old")})

	node, found, err := proxy.SeekExact(values.Tuple{values.String("old")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, node)

	// Changing the property moves the entry.
	st := txstate.New()
	st.NodeDoSetProperty(id, testKey, values.String("old"), values.String("new"))
	apply(t, e, st)

	_, found, err = proxy.SeekExact(values.Tuple{values.String("old")})
	require.NoError(t, err)
	require.False(t, found)
	node, found, err = proxy.SeekExact(values.Tuple{values.String("new")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, node)

	// Removing the label removes the entry.
	st = txstate.New()
	st.NodeDoRemoveLabel(testLabel, id)
	apply(t, e, st)

	_, found, err = proxy.SeekExact(values.Tuple{values.String("new")})
	require.NoError(t, err)
	require.False(t, found)
}

func TestTupleMovingBetweenNodesInOneCommit(t *testing.T) {
	e := newEngine(t)
	indexID, _ := createIndex(t, e, true)
	a := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("x")})
	b := writeNode(t, e, []int{testLabel}, nil)

	// One batch moves the tuple from a to b. Regardless of the order the
	// two nodes are processed in, the vacated entry must not trip the
	// uniqueness check on b's insert.
	st := txstate.New()
	st.NodeDoSetProperty(a, testKey, values.String("x"), values.String("y"))
	st.NodeDoSetProperty(b, testKey, values.NoValue, values.String("x"))
	apply(t, e, st)

	proxy, err := e.IndexProxy(indexID)
	require.NoError(t, err)
	node, found, err := proxy.SeekExact(values.Tuple{values.String("x")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, b, node)
	node, found, err = proxy.SeekExact(values.Tuple{values.String("y")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, a, node)
}

func TestDeleteNodeRemovesOnlyItsEntries(t *testing.T) {
	e := newEngine(t)
	_, _ = createIndex(t, e, false)

	a := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("shared")})
	b := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("shared")})

	st := txstate.New()
	st.NodeDoDelete(a)
	apply(t, e, st)

	ref, err := e.IndexForSchema(schema.ForLabel(testLabel, testKey))
	require.NoError(t, err)
	indexID, err := e.CommittedIndexID(ref)
	require.NoError(t, err)
	proxy, err := e.IndexProxy(indexID)
	require.NoError(t, err)

	node, found, err := proxy.SeekExact(values.Tuple{values.String("shared")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, b, node)
}

func TestUniqueIndexRejectsDuplicateAtCommit(t *testing.T) {
	e := newEngine(t)
	createIndex(t, e, true)
	writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("taken")})

	id, err := e.ReserveNode()
	require.NoError(t, err)
	st := txstate.New()
	st.NodeDoCreate(id)
	st.NodeDoAddLabel(testLabel, id)
	st.NodeDoSetProperty(id, testKey, values.NoValue, values.String("taken"))

	err = e.ApplyTransaction(context.Background(), st)
	var conflict schema.EntryConflict
	require.ErrorAs(t, err, &conflict)

	// The rejected transaction must leave nothing behind.
	_, found, err := e.GetNode(id)
	require.NoError(t, err)
	require.False(t, found)
}

func TestIndexDropRemovesRuleAndEntries(t *testing.T) {
	e := newEngine(t)
	indexID, ref := createIndex(t, e, false)
	writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("x")})

	st := txstate.New()
	st.IndexDoDrop(ref)
	apply(t, e, st)

	stored, err := e.IndexForSchema(schema.ForLabel(testLabel, testKey))
	require.NoError(t, err)
	require.True(t, stored.IsEmpty())

	_, err = e.IndexProxy(indexID)
	require.Error(t, err)
}

func TestIndexStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := storage.Open(dir)
	require.NoError(t, err)

	id := writeNode(t, e, []int{testLabel}, map[int]values.Value{testKey: values.String("x")})
	indexID, ref := createIndex(t, e, true)
	require.NoError(t, e.Close())

	e, err = storage.Open(dir)
	require.NoError(t, err)
	defer e.Close()

	state, err := e.IndexGetState(ref)
	require.NoError(t, err)
	require.Equal(t, schema.IndexOnline, state)

	proxy, err := e.IndexProxy(indexID)
	require.NoError(t, err)
	node, found, err := proxy.SeekExact(values.Tuple{values.String("x")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, node)
}

func TestConstraintRulePersistence(t *testing.T) {
	e := newEngine(t)
	indexID, ref := createIndex(t, e, true)

	c := schema.UniqueForSchema(schema.ForLabel(testLabel, testKey))
	st := txstate.New()
	st.ConstraintDoAdd(c, indexID)
	apply(t, e, st)

	exists, err := e.ConstraintExists(c)
	require.NoError(t, err)
	require.True(t, exists)

	owner, owned, err := e.IndexOwningConstraint(ref)
	require.NoError(t, err)
	require.True(t, owned)
	require.NotZero(t, owner)

	forLabel, err := e.ConstraintsForLabel(testLabel)
	require.NoError(t, err)
	require.Len(t, forLabel, 1)
	require.Equal(t, indexID, forLabel[0].OwnedIndexID)

	st = txstate.New()
	st.ConstraintDoDrop(c)
	st.IndexDoDrop(ref)
	apply(t, e, st)

	exists, err = e.ConstraintExists(c)
	require.NoError(t, err)
	require.False(t, exists)
	all, err := e.AllConstraints()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestApplyAfterCloseFails(t *testing.T) {
	e, err := storage.OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	err = e.ApplyTransaction(context.Background(), txstate.New())
	require.ErrorIs(t, err, storage.ErrClosed)
}
