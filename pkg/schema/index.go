package schema

import (
	"fmt"

	"github.com/orneryd/graphtx/pkg/values"
)

// IndexState is the population lifecycle of an index rule.
type IndexState int

const (
	IndexPopulating IndexState = iota
	IndexOnline
	IndexFailed
)

func (s IndexState) String() string {
	switch s {
	case IndexPopulating:
		return "POPULATING"
	case IndexOnline:
		return "ONLINE"
	case IndexFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("IndexState(%d)", int(s))
	}
}

// IndexOrder is an ordering an index can produce results in.
type IndexOrder int

const (
	OrderNone IndexOrder = iota
	OrderAscending
	OrderDescending
)

// ValueRetrieval tells whether an index can return the indexed values
// alongside entity ids for a value category.
type ValueRetrieval int

const (
	RetrievalNo ValueRetrieval = iota
	RetrievalPartial
	RetrievalYes
)

// Capability describes what an index provider supports per value category.
// The zero Capability supports nothing, which is the correct answer for an
// absent index.
type Capability struct {
	Orders    map[values.Category][]IndexOrder
	Retrieval map[values.Category]ValueRetrieval
}

// OrderCapability returns the orderings supported for a value category.
func (c Capability) OrderCapability(cat values.Category) []IndexOrder {
	if c.Orders == nil {
		return nil
	}
	return c.Orders[cat]
}

// ValueCapability returns the value-retrieval support for a value category.
func (c Capability) ValueCapability(cat values.Category) ValueRetrieval {
	if c.Retrieval == nil {
		return RetrievalNo
	}
	return c.Retrieval[cat]
}

// IndexReference is an immutable description of one index: its schema,
// uniqueness, provider identity, and capability. The zero IndexReference
// means "no index"; callers test with IsEmpty rather than comparing
// against a shared sentinel object.
type IndexReference struct {
	Schema          Descriptor
	Unique          bool
	ProviderKey     string
	ProviderVersion string
	Capability      Capability
}

// IsEmpty reports whether this reference denotes the absence of an index.
func (r IndexReference) IsEmpty() bool {
	return r.ProviderKey == "" && len(r.Schema.PropertyIDs) == 0
}

// Equal compares schema, uniqueness, and provider identity. Capability is
// derived from the provider and does not participate.
func (r IndexReference) Equal(o IndexReference) bool {
	return r.Unique == o.Unique &&
		r.ProviderKey == o.ProviderKey &&
		r.ProviderVersion == o.ProviderVersion &&
		r.Schema.Equal(o.Schema)
}

func (r IndexReference) String() string {
	if r.IsEmpty() {
		return "Index{none}"
	}
	uniq := ""
	if r.Unique {
		uniq = " UNIQUE"
	}
	return fmt.Sprintf("Index{%s%s, provider=%s-%s}", r.Schema, uniq, r.ProviderKey, r.ProviderVersion)
}

// EntryConflict records two entities colliding on the same property-value
// tuple under a uniqueness constraint. Produced during population and
// deferred verification.
type EntryConflict struct {
	FirstEntity  uint64
	SecondEntity uint64
	Tuple        values.Tuple
}

func (c EntryConflict) Error() string {
	return fmt.Sprintf("both node %d and node %d share the property value %s",
		c.FirstEntity, c.SecondEntity, c.Tuple)
}
