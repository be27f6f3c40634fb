// Package schema defines the immutable schema metadata the mutation kernel
// operates on: schema descriptors, constraint descriptors, and index
// references with their capabilities.
package schema

import (
	"fmt"
	"strings"
)

// EntityKind tells whether a descriptor binds to a node label or a
// relationship type.
type EntityKind int

const (
	EntityNode EntityKind = iota
	EntityRelationship
)

func (e EntityKind) String() string {
	if e == EntityRelationship {
		return "relationship type"
	}
	return "label"
}

// Descriptor binds an ordered list of property-key ids to a label or a
// relationship type. Property ids must be pairwise distinct; Validate
// enforces that (the kernel rejects malformed descriptors before any
// mutation).
type Descriptor struct {
	Entity      EntityKind
	Token       int
	PropertyIDs []int
}

// ForLabel returns a node-label descriptor.
func ForLabel(labelID int, propertyIDs ...int) Descriptor {
	return Descriptor{Entity: EntityNode, Token: labelID, PropertyIDs: propertyIDs}
}

// ForRelationshipType returns a relationship-type descriptor.
func ForRelationshipType(typeID int, propertyIDs ...int) Descriptor {
	return Descriptor{Entity: EntityRelationship, Token: typeID, PropertyIDs: propertyIDs}
}

// Validate reports whether the descriptor is well formed. The only
// structural rule is pairwise-distinct property ids.
func (d Descriptor) Validate() error {
	seen := make(map[int]struct{}, len(d.PropertyIDs))
	for _, id := range d.PropertyIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("schema: property id %d repeated in %s", id, d)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Equal compares entity kind, token, and the ordered property list.
func (d Descriptor) Equal(o Descriptor) bool {
	if d.Entity != o.Entity || d.Token != o.Token || len(d.PropertyIDs) != len(o.PropertyIDs) {
		return false
	}
	for i := range d.PropertyIDs {
		if d.PropertyIDs[i] != o.PropertyIDs[i] {
			return false
		}
	}
	return true
}

// ContainsProperty reports whether the property key participates in this
// schema.
func (d Descriptor) ContainsProperty(propertyID int) bool {
	for _, id := range d.PropertyIDs {
		if id == propertyID {
			return true
		}
	}
	return false
}

// PropertyIndex returns the position of the property key in the schema, or
// -1 when absent.
func (d Descriptor) PropertyIndex(propertyID int) int {
	for i, id := range d.PropertyIDs {
		if id == propertyID {
			return i
		}
	}
	return -1
}

func (d Descriptor) String() string {
	props := make([]string, len(d.PropertyIDs))
	for i, id := range d.PropertyIDs {
		props[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%s(%d, properties=[%s])", d.Entity, d.Token, strings.Join(props, ","))
}
