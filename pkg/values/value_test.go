package values

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEqualIsKindAware(t *testing.T) {
	// Same magnitude, different representation kind: must compare unequal so
	// the kernel reports the property as changed.
	require.False(t, Int(7).Equal(Float(7)))
	require.False(t, Float(7).Equal(Int(7)))
	require.True(t, Changed(Int(7), Float(7)))

	require.True(t, Int(7).Equal(Int(7)))
	require.True(t, Float(7).Equal(Float(7)))
	require.False(t, Changed(Float(7), Float(7)))
}

func TestZeroValueIsNoValue(t *testing.T) {
	var v Value
	require.True(t, v.IsNoValue())
	require.True(t, v.Equal(NoValue))
	require.Equal(t, KindNoValue, v.Kind())
}

func TestEqualPerKind(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"bool", Bool(true), Bool(true), true},
		{"bool diff", Bool(true), Bool(false), false},
		{"string", String("x"), String("x"), true},
		{"string diff", String("x"), String("y"), false},
		{"time", Time(now), Time(now), true},
		{"duration", Duration(time.Second), Duration(time.Second), true},
		{"point", PointValue(Point{SRID: 4326, X: 1, Y: 2}), PointValue(Point{SRID: 4326, X: 1, Y: 2}), true},
		{"point diff srid", PointValue(Point{SRID: 4326, X: 1, Y: 2}), PointValue(Point{SRID: 7203, X: 1, Y: 2}), false},
		{"int array", IntArray([]int64{1, 2}), IntArray([]int64{1, 2}), true},
		{"int array diff", IntArray([]int64{1, 2}), IntArray([]int64{2, 1}), false},
		{"string array len", StringArray([]string{"a"}), StringArray([]string{"a", "b"}), false},
		{"array kind vs scalar", IntArray([]int64{1}), Int(1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.a.Equal(tc.b))
		})
	}
}

func TestOfRoundTrips(t *testing.T) {
	v, err := Of(int(42))
	require.NoError(t, err)
	require.Equal(t, KindInt, v.Kind())
	require.Equal(t, int64(42), v.AsInt())

	v, err = Of(3.5)
	require.NoError(t, err)
	require.Equal(t, KindFloat, v.Kind())

	v, err = Of(nil)
	require.NoError(t, err)
	require.True(t, v.IsNoValue())

	_, err = Of(struct{}{})
	require.Error(t, err)
}

func TestTupleComplete(t *testing.T) {
	require.False(t, Tuple{}.Complete())
	require.False(t, Tuple{String("a"), NoValue}.Complete())
	require.True(t, Tuple{String("a"), Int(1)}.Complete())
}

func TestTupleResourceIDStable(t *testing.T) {
	a := Tuple{String("alice"), Int(30)}
	b := Tuple{String("alice"), Int(30)}
	require.Equal(t, a.ResourceID(7), b.ResourceID(7))

	// Different label token or different kinds land on different resources.
	require.NotEqual(t, a.ResourceID(7), a.ResourceID(8))
	c := Tuple{String("alice"), Float(30)}
	require.NotEqual(t, a.ResourceID(7), c.ResourceID(7))
}

func TestTupleEncodeKeyDistinguishesKinds(t *testing.T) {
	k1, err := Tuple{Int(7)}.EncodeKey()
	require.NoError(t, err)
	k2, err := Tuple{Float(7)}.EncodeKey()
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	k3, err := Tuple{Int(7)}.EncodeKey()
	require.NoError(t, err)
	require.Equal(t, k1, k3)
}
