// Package values implements the tagged property value model used by the
// mutation kernel.
//
// A Value is an immutable tagged union over the scalar and array kinds a
// property may hold. The zero Value is the "no value" sentinel, so callers
// never need a nullable handle to represent absence.
//
// Equality is type-aware: Int(7) and Float(7) compare as different values,
// because changing the representation kind of a property must be observable
// as a change (and must re-trigger constraint validation).
package values

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind tags the representation of a Value.
type Kind int

const (
	KindNoValue Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
	KindDuration
	KindPoint
	KindBoolArray
	KindIntArray
	KindFloatArray
	KindStringArray
)

func (k Kind) String() string {
	switch k {
	case KindNoValue:
		return "NoValue"
	case KindBool:
		return "Boolean"
	case KindInt:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindTime:
		return "DateTime"
	case KindDuration:
		return "Duration"
	case KindPoint:
		return "Point"
	case KindBoolArray:
		return "BooleanArray"
	case KindIntArray:
		return "IntegerArray"
	case KindFloatArray:
		return "FloatArray"
	case KindStringArray:
		return "StringArray"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Category groups kinds for index capability queries. Indexes advertise
// ordering/value-retrieval support per category, not per kind.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNumber
	CategoryText
	CategoryBoolean
	CategoryTemporal
	CategorySpatial
	CategoryArray
)

// Category returns the capability category for this kind.
func (k Kind) Category() Category {
	switch k {
	case KindInt, KindFloat:
		return CategoryNumber
	case KindString:
		return CategoryText
	case KindBool:
		return CategoryBoolean
	case KindTime, KindDuration:
		return CategoryTemporal
	case KindPoint:
		return CategorySpatial
	case KindBoolArray, KindIntArray, KindFloatArray, KindStringArray:
		return CategoryArray
	default:
		return CategoryUnknown
	}
}

// Point is a 2D spatial value with a coordinate reference system id.
type Point struct {
	SRID int
	X, Y float64
}

// Value is an immutable tagged property value. The zero Value is NoValue.
type Value struct {
	kind Kind

	num       uint64 // bool / int / float bits / duration
	str       string
	t         time.Time
	pt        Point
	boolArr   []bool
	intArr    []int64
	floatArr  []float64
	stringArr []string
}

// NoValue is the absent-value sentinel. It equals the zero Value.
var NoValue = Value{}

// Bool returns a boolean Value.
func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, num: uint64(v)} }

// Float returns a floating-point Value.
func Float(v float64) Value { return Value{kind: KindFloat, num: math.Float64bits(v)} }

// String returns a text Value.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Time returns a temporal Value.
func Time(v time.Time) Value { return Value{kind: KindTime, t: v} }

// Duration returns a duration Value.
func Duration(v time.Duration) Value { return Value{kind: KindDuration, num: uint64(v)} }

// PointValue returns a spatial Value.
func PointValue(p Point) Value { return Value{kind: KindPoint, pt: p} }

// BoolArray returns a boolean array Value. The slice is copied.
func BoolArray(v []bool) Value {
	return Value{kind: KindBoolArray, boolArr: append([]bool(nil), v...)}
}

// IntArray returns an integer array Value. The slice is copied.
func IntArray(v []int64) Value {
	return Value{kind: KindIntArray, intArr: append([]int64(nil), v...)}
}

// FloatArray returns a float array Value. The slice is copied.
func FloatArray(v []float64) Value {
	return Value{kind: KindFloatArray, floatArr: append([]float64(nil), v...)}
}

// StringArray returns a string array Value. The slice is copied.
func StringArray(v []string) Value {
	return Value{kind: KindStringArray, stringArr: append([]string(nil), v...)}
}

// Of converts a dynamically typed value (storage/CLI boundary) into a Value.
// Returns NoValue and an error for unsupported types.
func Of(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return NoValue, nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case time.Time:
		return Time(x), nil
	case time.Duration:
		return Duration(x), nil
	case Point:
		return PointValue(x), nil
	case []bool:
		return BoolArray(x), nil
	case []int64:
		return IntArray(x), nil
	case []float64:
		return FloatArray(x), nil
	case []string:
		return StringArray(x), nil
	case Value:
		return x, nil
	default:
		return NoValue, fmt.Errorf("values: unsupported property type %T", v)
	}
}

// Kind returns the representation kind.
func (v Value) Kind() Kind { return v.kind }

// IsNoValue reports whether this is the absent-value sentinel.
func (v Value) IsNoValue() bool { return v.kind == KindNoValue }

// AsBool returns the boolean payload. Valid only for KindBool.
func (v Value) AsBool() bool { return v.num != 0 }

// AsInt returns the integer payload. Valid only for KindInt.
func (v Value) AsInt() int64 { return int64(v.num) }

// AsFloat returns the float payload. Valid only for KindFloat.
func (v Value) AsFloat() float64 { return math.Float64frombits(v.num) }

// AsString returns the text payload. Valid only for KindString.
func (v Value) AsString() string { return v.str }

// AsTime returns the temporal payload. Valid only for KindTime.
func (v Value) AsTime() time.Time { return v.t }

// AsDuration returns the duration payload. Valid only for KindDuration.
func (v Value) AsDuration() time.Duration { return time.Duration(v.num) }

// AsPoint returns the spatial payload. Valid only for KindPoint.
func (v Value) AsPoint() Point { return v.pt }

// Equal reports type-aware equality: kinds must match exactly and payloads
// must be equal. Int(7) is NOT equal to Float(7).
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNoValue:
		return true
	case KindBool, KindInt, KindFloat, KindDuration:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindTime:
		return v.t.Equal(o.t)
	case KindPoint:
		return v.pt == o.pt
	case KindBoolArray:
		return boolSlicesEqual(v.boolArr, o.boolArr)
	case KindIntArray:
		return intSlicesEqual(v.intArr, o.intArr)
	case KindFloatArray:
		return floatSlicesEqual(v.floatArr, o.floatArr)
	case KindStringArray:
		return stringSlicesEqual(v.stringArr, o.stringArr)
	default:
		return false
	}
}

// Changed is the kernel's change-detection predicate: it holds when the new
// value differs from the old one by payload OR by representation kind.
func Changed(old, new Value) bool {
	return !old.Equal(new)
}

func (v Value) String() string {
	switch v.kind {
	case KindNoValue:
		return "NO_VALUE"
	case KindBool:
		return fmt.Sprintf("%t", v.AsBool())
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindDuration:
		return v.AsDuration().String()
	case KindPoint:
		return fmt.Sprintf("point(%d %g %g)", v.pt.SRID, v.pt.X, v.pt.Y)
	case KindBoolArray:
		return fmt.Sprintf("%v", v.boolArr)
	case KindIntArray:
		return fmt.Sprintf("%v", v.intArr)
	case KindFloatArray:
		return fmt.Sprintf("%v", v.floatArr)
	case KindStringArray:
		return fmt.Sprintf("%v", v.stringArr)
	default:
		return fmt.Sprintf("Value(kind=%d)", int(v.kind))
	}
}

// Native returns the dynamically typed payload for the storage boundary.
func (v Value) Native() interface{} {
	switch v.kind {
	case KindNoValue:
		return nil
	case KindBool:
		return v.AsBool()
	case KindInt:
		return v.AsInt()
	case KindFloat:
		return v.AsFloat()
	case KindString:
		return v.str
	case KindTime:
		return v.t
	case KindDuration:
		return v.AsDuration()
	case KindPoint:
		return v.pt
	case KindBoolArray:
		return append([]bool(nil), v.boolArr...)
	case KindIntArray:
		return append([]int64(nil), v.intArr...)
	case KindFloatArray:
		return append([]float64(nil), v.floatArr...)
	case KindStringArray:
		return append([]string(nil), v.stringArr...)
	default:
		return nil
	}
}

func boolSlicesEqual(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intSlicesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func floatSlicesEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// joinValues renders a tuple for error messages.
func joinValues(vals []Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
