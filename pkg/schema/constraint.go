package schema

import "fmt"

// ConstraintKind is the closed set of enforcement kinds. There is no open
// hierarchy: code branches on the tag or calls the capability queries,
// never on dynamic types.
type ConstraintKind int

const (
	ConstraintUniqueness ConstraintKind = iota
	ConstraintNodeKey
	ConstraintNodeExistence
	ConstraintRelationshipExistence
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUniqueness:
		return "UNIQUENESS"
	case ConstraintNodeKey:
		return "NODE_KEY"
	case ConstraintNodeExistence:
		return "NODE_PROPERTY_EXISTENCE"
	case ConstraintRelationshipExistence:
		return "RELATIONSHIP_PROPERTY_EXISTENCE"
	default:
		return fmt.Sprintf("ConstraintKind(%d)", int(k))
	}
}

// ConstraintDescriptor is a schema descriptor plus an enforcement kind.
// Index-backed constraints (uniqueness, node key) additionally record the
// id of the index that enforces them once committed.
type ConstraintDescriptor struct {
	Kind   ConstraintKind
	Schema Descriptor

	// OwnedIndexID is the backing index id for index-backed constraints.
	// Zero until the constraint is committed.
	OwnedIndexID uint64
}

// UniqueForSchema returns a uniqueness constraint descriptor.
func UniqueForSchema(d Descriptor) ConstraintDescriptor {
	return ConstraintDescriptor{Kind: ConstraintUniqueness, Schema: d}
}

// NodeKeyForSchema returns a node-key constraint descriptor.
func NodeKeyForSchema(d Descriptor) ConstraintDescriptor {
	return ConstraintDescriptor{Kind: ConstraintNodeKey, Schema: d}
}

// ExistsForSchema returns an existence constraint descriptor matching the
// descriptor's entity kind.
func ExistsForSchema(d Descriptor) ConstraintDescriptor {
	kind := ConstraintNodeExistence
	if d.Entity == EntityRelationship {
		kind = ConstraintRelationshipExistence
	}
	return ConstraintDescriptor{Kind: kind, Schema: d}
}

// EnforcesUniqueness reports whether the constraint rejects duplicate value
// tuples (uniqueness and node-key constraints).
func (c ConstraintDescriptor) EnforcesUniqueness() bool {
	return c.Kind == ConstraintUniqueness || c.Kind == ConstraintNodeKey
}

// RequiresBackingIndex reports whether the constraint owns an index used to
// enforce it.
func (c ConstraintDescriptor) RequiresBackingIndex() bool {
	return c.EnforcesUniqueness()
}

// RequiresExistence reports whether the constraint demands the schema
// properties be present on every matching entity.
func (c ConstraintDescriptor) RequiresExistence() bool {
	return c.Kind == ConstraintNodeKey || c.Kind == ConstraintNodeExistence ||
		c.Kind == ConstraintRelationshipExistence
}

// Equal compares kind and schema. The owned index id is identity-carrying
// state, not part of constraint equality.
func (c ConstraintDescriptor) Equal(o ConstraintDescriptor) bool {
	return c.Kind == o.Kind && c.Schema.Equal(o.Schema)
}

func (c ConstraintDescriptor) String() string {
	return fmt.Sprintf("Constraint{%s, %s}", c.Kind, c.Schema)
}
