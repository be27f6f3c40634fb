package kernel

import (
	"github.com/orneryd/graphtx/pkg/schema"
)

// StandardConstraintSemantics enforces the default validation rules:
// node-key and existence constraints require every schema property to be
// present on every entity under the schema token.
type StandardConstraintSemantics struct{}

var _ ConstraintSemantics = StandardConstraintSemantics{}

func (StandardConstraintSemantics) ValidateNodeKeyConstraint(nodes []NodeRecord, d schema.Descriptor) error {
	return validateNodeExistence(nodes, d)
}

func (StandardConstraintSemantics) ValidateNodePropertyExistence(nodes []NodeRecord, d schema.Descriptor) error {
	return validateNodeExistence(nodes, d)
}

func (StandardConstraintSemantics) ValidateRelationshipPropertyExistence(rels []RelationshipRecord, d schema.Descriptor) error {
	for _, rec := range rels {
		for _, pid := range d.PropertyIDs {
			if _, ok := rec.Properties[pid]; !ok {
				return &ExistenceViolationError{Schema: d, Entity: rec.ID, PropertyID: pid}
			}
		}
	}
	return nil
}

func validateNodeExistence(nodes []NodeRecord, d schema.Descriptor) error {
	for _, rec := range nodes {
		for _, pid := range d.PropertyIDs {
			if _, ok := rec.Properties[pid]; !ok {
				return &ExistenceViolationError{Schema: d, Entity: rec.ID, PropertyID: pid}
			}
		}
	}
	return nil
}
