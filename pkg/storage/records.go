package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/values"
)

// Serialization
// ============================================================================

const (
	serializationMagic   = "\xffGTX"
	serializationVersion = byte(1)
)

// encodeRecord serializes a record with the magic header so foreign or
// corrupt payloads are rejected on read instead of half-decoding.
func encodeRecord(value any) ([]byte, error) {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(serializationMagic)+1+len(payload))
	buf = append(buf, serializationMagic...)
	buf = append(buf, serializationVersion)
	buf = append(buf, payload...)
	return buf, nil
}

func decodeRecord(data []byte, out any) error {
	header := len(serializationMagic) + 1
	if len(data) < header || !bytes.HasPrefix(data, []byte(serializationMagic)) {
		return fmt.Errorf("storage: record missing serialization header")
	}
	if v := data[len(serializationMagic)]; v != serializationVersion {
		return fmt.Errorf("storage: unsupported record version %d", v)
	}
	return msgpack.Unmarshal(data[header:], out)
}

// Value codec
// ============================================================================

// valueRecord is the persisted form of a property value. One field per
// payload kind keeps the representation kind intact across a round trip;
// decoding never guesses a type from the payload alone.
type valueRecord struct {
	Kind     int       `msgpack:"k"`
	Bool     bool      `msgpack:"b,omitempty"`
	Int      int64     `msgpack:"i,omitempty"`
	Float    float64   `msgpack:"f,omitempty"`
	Str      string    `msgpack:"s,omitempty"`
	Time     time.Time `msgpack:"t,omitempty"`
	Duration int64     `msgpack:"d,omitempty"`
	SRID     int       `msgpack:"ps,omitempty"`
	X        float64   `msgpack:"px,omitempty"`
	Y        float64   `msgpack:"py,omitempty"`
	Bools    []bool    `msgpack:"ab,omitempty"`
	Ints     []int64   `msgpack:"ai,omitempty"`
	Floats   []float64 `msgpack:"af,omitempty"`
	Strs     []string  `msgpack:"as,omitempty"`
}

func toValueRecord(v values.Value) valueRecord {
	rec := valueRecord{Kind: int(v.Kind())}
	switch v.Kind() {
	case values.KindBool:
		rec.Bool = v.AsBool()
	case values.KindInt:
		rec.Int = v.AsInt()
	case values.KindFloat:
		rec.Float = v.AsFloat()
	case values.KindString:
		rec.Str = v.AsString()
	case values.KindTime:
		rec.Time = v.AsTime()
	case values.KindDuration:
		rec.Duration = int64(v.AsDuration())
	case values.KindPoint:
		p := v.AsPoint()
		rec.SRID, rec.X, rec.Y = p.SRID, p.X, p.Y
	case values.KindBoolArray:
		rec.Bools = v.Native().([]bool)
	case values.KindIntArray:
		rec.Ints = v.Native().([]int64)
	case values.KindFloatArray:
		rec.Floats = v.Native().([]float64)
	case values.KindStringArray:
		rec.Strs = v.Native().([]string)
	}
	return rec
}

func fromValueRecord(rec valueRecord) (values.Value, error) {
	switch values.Kind(rec.Kind) {
	case values.KindNoValue:
		return values.NoValue, nil
	case values.KindBool:
		return values.Bool(rec.Bool), nil
	case values.KindInt:
		return values.Int(rec.Int), nil
	case values.KindFloat:
		return values.Float(rec.Float), nil
	case values.KindString:
		return values.String(rec.Str), nil
	case values.KindTime:
		return values.Time(rec.Time), nil
	case values.KindDuration:
		return values.Duration(time.Duration(rec.Duration)), nil
	case values.KindPoint:
		return values.PointValue(values.Point{SRID: rec.SRID, X: rec.X, Y: rec.Y}), nil
	case values.KindBoolArray:
		return values.BoolArray(rec.Bools), nil
	case values.KindIntArray:
		return values.IntArray(rec.Ints), nil
	case values.KindFloatArray:
		return values.FloatArray(rec.Floats), nil
	case values.KindStringArray:
		return values.StringArray(rec.Strs), nil
	default:
		return values.NoValue, fmt.Errorf("storage: unknown value kind %d", rec.Kind)
	}
}

func toPropertyRecords(props map[int]values.Value) map[int]valueRecord {
	out := make(map[int]valueRecord, len(props))
	for k, v := range props {
		out[k] = toValueRecord(v)
	}
	return out
}

func fromPropertyRecords(recs map[int]valueRecord) (map[int]values.Value, error) {
	out := make(map[int]values.Value, len(recs))
	for k, rec := range recs {
		v, err := fromValueRecord(rec)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Entity records
// ============================================================================

type nodeRecord struct {
	Labels     []int               `msgpack:"l"`
	Properties map[int]valueRecord `msgpack:"p"`
}

type relationshipRecord struct {
	Type       int                 `msgpack:"t"`
	SourceNode uint64              `msgpack:"s"`
	TargetNode uint64              `msgpack:"e"`
	Properties map[int]valueRecord `msgpack:"p"`
}

type graphPropsRecord struct {
	Properties map[int]valueRecord `msgpack:"p"`
}

// Schema rule records
// ============================================================================

type descriptorRecord struct {
	Entity      int   `msgpack:"e"`
	Token       int   `msgpack:"t"`
	PropertyIDs []int `msgpack:"p"`
}

func toDescriptorRecord(d schema.Descriptor) descriptorRecord {
	return descriptorRecord{Entity: int(d.Entity), Token: d.Token, PropertyIDs: d.PropertyIDs}
}

func fromDescriptorRecord(rec descriptorRecord) schema.Descriptor {
	return schema.Descriptor{
		Entity:      schema.EntityKind(rec.Entity),
		Token:       rec.Token,
		PropertyIDs: rec.PropertyIDs,
	}
}

// indexRuleRecord is the persisted form of one index rule, including its
// lifecycle state so a restart resumes where the index left off.
type indexRuleRecord struct {
	ID               uint64           `msgpack:"id"`
	Schema           descriptorRecord `msgpack:"sc"`
	Unique           bool             `msgpack:"u"`
	ProviderKey      string           `msgpack:"pk"`
	ProviderVersion  string           `msgpack:"pv"`
	State            int              `msgpack:"st"`
	FailureMessage   string           `msgpack:"fm,omitempty"`
	OwningConstraint uint64           `msgpack:"oc,omitempty"`
	HasOwner         bool             `msgpack:"ho,omitempty"`
}

// constraintRuleRecord is the persisted form of one constraint rule.
type constraintRuleRecord struct {
	ID           uint64           `msgpack:"id"`
	Kind         int              `msgpack:"k"`
	Schema       descriptorRecord `msgpack:"sc"`
	OwnedIndexID uint64           `msgpack:"oi,omitempty"`
}
