package values

import (
	"fmt"
	"hash/fnv"

	"github.com/vmihailenco/msgpack/v5"
)

// Tuple is the ordered list of values a composite schema composes for one
// entity, in schema property order. Uniqueness constraints compare and lock
// on whole tuples, never individual values.
type Tuple []Value

// Complete reports whether every position holds an actual value.
// Conflict checks only run on complete tuples.
func (t Tuple) Complete() bool {
	if len(t) == 0 {
		return false
	}
	for _, v := range t {
		if v.IsNoValue() {
			return false
		}
	}
	return true
}

// Equal compares two tuples position-wise with type-aware value equality.
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (t Tuple) String() string {
	return "(" + joinValues(t) + ")"
}

// ResourceID derives the stable lock resource id for an index entry:
// transactions racing to commit the same (label, tuple) pair must land on
// the same id so the index-entry lock serializes them. The encoding is the
// canonical msgpack form of kind-tagged payloads, hashed with FNV-1a.
//
// Collisions between distinct tuples are acceptable: they cause spurious
// lock contention, never a missed conflict.
func (t Tuple) ResourceID(token int) uint64 {
	h := fnv.New64a()
	enc := msgpack.NewEncoder(h)
	_ = enc.EncodeInt(int64(token))
	for _, v := range t {
		_ = enc.EncodeInt(int64(v.kind))
		switch v.kind {
		case KindBool, KindInt, KindFloat, KindDuration:
			_ = enc.EncodeUint(v.num)
		case KindString:
			_ = enc.EncodeString(v.str)
		case KindTime:
			_ = enc.EncodeInt(v.t.UnixNano())
		case KindPoint:
			_ = enc.EncodeInt(int64(v.pt.SRID))
			_ = enc.EncodeFloat64(v.pt.X)
			_ = enc.EncodeFloat64(v.pt.Y)
		case KindBoolArray:
			for _, b := range v.boolArr {
				_ = enc.EncodeBool(b)
			}
		case KindIntArray:
			for _, n := range v.intArr {
				_ = enc.EncodeInt(n)
			}
		case KindFloatArray:
			for _, f := range v.floatArr {
				_ = enc.EncodeFloat64(f)
			}
		case KindStringArray:
			for _, s := range v.stringArr {
				_ = enc.EncodeString(s)
			}
		}
	}
	return h.Sum64()
}

// EncodeKey returns a canonical byte encoding of the tuple, used by index
// implementations as the exact-match entry key. Distinct tuples encode to
// distinct keys.
func (t Tuple) EncodeKey() ([]byte, error) {
	parts := make([]interface{}, 0, len(t)*2)
	for _, v := range t {
		parts = append(parts, int64(v.kind), v.Native())
	}
	key, err := msgpack.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("values: encode tuple key: %w", err)
	}
	return key, nil
}
