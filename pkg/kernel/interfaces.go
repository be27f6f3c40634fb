package kernel

import (
	"context"

	"github.com/orneryd/graphtx/pkg/locking"
	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/txstate"
	"github.com/orneryd/graphtx/pkg/values"
)

// NodeRecord is the committed view of a node. Operations overlay pending
// transaction changes on top of it before acting.
type NodeRecord struct {
	ID         uint64
	Labels     []int
	Properties map[int]values.Value
}

// HasLabel reports whether the record carries the given label.
func (n NodeRecord) HasLabel(labelID int) bool {
	for _, l := range n.Labels {
		if l == labelID {
			return true
		}
	}
	return false
}

// RelationshipRecord is the committed view of a relationship.
type RelationshipRecord struct {
	ID         uint64
	Type       int
	SourceNode uint64
	TargetNode uint64
	Properties map[int]values.Value
}

// StoreReader is the committed-data read surface the kernel depends on.
// Implementations return store contents only; the kernel layers transaction
// state on top.
type StoreReader interface {
	// NodeExists reports whether the node is present in the store.
	NodeExists(id uint64) (bool, error)

	// GetNode returns the node record, or false if absent.
	GetNode(id uint64) (NodeRecord, bool, error)

	// GetRelationship returns the relationship record, or false if absent.
	GetRelationship(id uint64) (RelationshipRecord, bool, error)

	// GraphProperties returns the graph-wide property map.
	GraphProperties() (map[int]values.Value, error)

	// NodesWithLabel scans every node carrying the label. Used for the
	// read-before-write validation scans of constraint creation.
	NodesWithLabel(labelID int) ([]NodeRecord, error)

	// RelationshipsWithType scans every relationship of the type.
	RelationshipsWithType(typeID int) ([]RelationshipRecord, error)
}

// SchemaReader is the committed-schema read surface.
type SchemaReader interface {
	// IndexForSchema returns the index covering the descriptor, or the
	// empty reference if none exists.
	IndexForSchema(d schema.Descriptor) (schema.IndexReference, error)

	// CommittedIndexID resolves a reference to its stored rule id.
	CommittedIndexID(ref schema.IndexReference) (uint64, error)

	// IndexOwningConstraint reports whether a committed constraint owns
	// the index, and if so which rule id owns it.
	IndexOwningConstraint(ref schema.IndexReference) (uint64, bool, error)

	// IndexGetState returns the lifecycle state of the index.
	IndexGetState(ref schema.IndexReference) (schema.IndexState, error)

	// IndexGetFailure returns the failure message of a failed index.
	IndexGetFailure(ref schema.IndexReference) (string, error)

	// ConstraintsForLabel returns every committed constraint whose schema
	// is keyed on the label.
	ConstraintsForLabel(labelID int) ([]schema.ConstraintDescriptor, error)

	// ConstraintsForSchema returns every committed constraint on exactly
	// the given descriptor.
	ConstraintsForSchema(d schema.Descriptor) ([]schema.ConstraintDescriptor, error)

	// AllConstraints returns every committed constraint.
	AllConstraints() ([]schema.ConstraintDescriptor, error)

	// ConstraintExists reports whether an equal constraint is committed.
	ConstraintExists(c schema.ConstraintDescriptor) (bool, error)
}

// IndexProxy is the handle to one live index inside the indexing service.
type IndexProxy interface {
	// State returns the current lifecycle state.
	State() schema.IndexState

	// AwaitPopulation blocks until the initial population scan finishes,
	// the index fails, or the context is done. A population that failed
	// on a duplicate tuple surfaces the schema.EntryConflict as the
	// error cause.
	AwaitPopulation(ctx context.Context) error

	// VerifyDeferredConstraints re-checks uniqueness over everything the
	// populated index holds, including entries applied while the label
	// lock was released. Returns a schema.EntryConflict on a duplicate.
	VerifyDeferredConstraints() error

	// SeekExact returns the entity holding exactly the given tuple, if
	// any.
	SeekExact(tuple values.Tuple) (uint64, bool, error)
}

// IndexingService hands out proxies for committed index rules.
type IndexingService interface {
	IndexProxy(indexID uint64) (IndexProxy, error)

	// ProviderDescriptor identifies the index provider new rules are
	// created against.
	ProviderDescriptor() (key, version string)

	// DefaultCapability describes what the default provider can do.
	DefaultCapability() schema.Capability
}

// IDAllocator reserves stable ids ahead of commit so that pending entities
// and schema rules are addressable inside the transaction.
type IDAllocator interface {
	ReserveNode() (uint64, error)
	ReserveRelationship() (uint64, error)
	ReserveIndex() (uint64, error)
}

// Committer applies a completed transaction diff to the store atomically.
type Committer interface {
	ApplyTransaction(ctx context.Context, st *txstate.State) error
}

// Store is the full storage surface a kernel is built over.
type Store interface {
	StoreReader
	SchemaReader
	IndexingService
	IDAllocator
	Committer
}

// LockClient is the per-transaction locking surface. locking.Client
// satisfies it; tests substitute recording wrappers.
type LockClient interface {
	AcquireShared(ctx context.Context, rt locking.ResourceType, id uint64) error
	AcquireExclusive(ctx context.Context, rt locking.ResourceType, id uint64) error
	ReleaseExclusive(rt locking.ResourceType, id uint64) error
	HoldsExclusive(rt locking.ResourceType, id uint64) bool
	ReleaseAll()
}

// ConstraintSemantics validates existing data against a constraint being
// created. It is pluggable so editions can differ in what they enforce.
type ConstraintSemantics interface {
	// ValidateNodeKeyConstraint checks that every node under the schema
	// label carries all schema properties.
	ValidateNodeKeyConstraint(nodes []NodeRecord, d schema.Descriptor) error

	// ValidateNodePropertyExistence checks that every node under the
	// schema label carries all schema properties.
	ValidateNodePropertyExistence(nodes []NodeRecord, d schema.Descriptor) error

	// ValidateRelationshipPropertyExistence checks that every
	// relationship of the schema type carries all schema properties.
	ValidateRelationshipPropertyExistence(rels []RelationshipRecord, d schema.Descriptor) error
}
