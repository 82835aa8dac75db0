package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob struct {
	name string
	data []byte
}

func (b blob) PacketValue() any {
	return map[string]any{"name": b.name, "data": b.data}
}

func TestHasBinary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data any
		want bool
	}{
		{name: "nil", data: nil, want: false},
		{name: "scalar", data: "text", want: false},
		{name: "flat bytes", data: []byte{1}, want: true},
		{name: "array without binary", data: []any{"a", 1.0, true, nil}, want: false},
		{name: "nested array", data: []any{"a", []any{[]byte{1}}}, want: true},
		{name: "map", data: map[string]any{"k": map[string]any{"v": []byte{}}}, want: true},
		{name: "valuer", data: []any{blob{name: "x", data: []byte{1}}}, want: true},
		{name: "struct without hook", data: struct{ A []byte }{A: []byte{1}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HasBinary(tt.data))
		})
	}
}

// TestDeconstructReconstruct checks reconstruct(deconstruct(data)) == data
// and that the attachment count equals the number of binary values
func TestDeconstructReconstruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      any
		wantCount int
	}{
		{name: "no binary", data: []any{"a", map[string]any{"b": 1.0}}, wantCount: 0},
		{name: "top level", data: []byte("raw"), wantCount: 1},
		{
			name: "mixed nesting",
			data: []any{
				[]byte("one"),
				map[string]any{"z": []byte("two"), "a": []any{[]byte("three"), "x"}},
				[]any{[]any{[]any{[]byte("four")}}},
			},
			wantCount: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			replaced, buffers, err := Deconstruct(tt.data)
			require.NoError(t, err)
			assert.Len(t, buffers, tt.wantCount)
			assert.False(t, tt.wantCount > 0 && !HasBinary(tt.data))
			assert.False(t, HasBinary(replaced), "placeholders must replace every binary value")

			restored, err := Reconstruct(replaced, buffers)
			require.NoError(t, err)
			assert.Equal(t, tt.data, restored)
		})
	}
}

func TestDeconstructMapOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	data := map[string]any{"b": []byte("B"), "a": []byte("A"), "c": []byte("C")}
	for i := 0; i < 10; i++ {
		_, buffers, err := Deconstruct(data)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("A"), []byte("B"), []byte("C")}, buffers)
	}
}

func TestDeconstructValuer(t *testing.T) {
	t.Parallel()

	replaced, buffers, err := Deconstruct([]any{"file", blob{name: "f.bin", data: []byte{1, 2}}})
	require.NoError(t, err)
	require.Len(t, buffers, 1)
	assert.Equal(t, []any{"file", map[string]any{"name": "f.bin", "data": Placeholder(0)}}, replaced)
}

func TestDepthCap(t *testing.T) {
	t.Parallel()

	var deep any = []byte{1}
	for i := 0; i < MaxDepth+5; i++ {
		deep = []any{deep}
	}

	_, _, err := Deconstruct(deep)
	assert.ErrorIs(t, err, ErrMaxDepthExceeded)

	_, err = (&Encoder{}).Encode(&Packet{Type: Event, Data: []any{"deep", deep}})
	assert.ErrorIs(t, err, ErrMaxDepthExceeded)

	var deepPlaceholder any = Placeholder(0)
	for i := 0; i < MaxDepth+5; i++ {
		deepPlaceholder = []any{deepPlaceholder}
	}
	_, err = Reconstruct(deepPlaceholder, [][]byte{{1}})
	assert.ErrorIs(t, err, ErrMaxDepthExceeded)
}
