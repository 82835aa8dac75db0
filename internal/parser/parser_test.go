package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(n uint64) *uint64 { return &n }

func TestEncodeText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		packet Packet
		want   string
	}{
		{name: "bare connect", packet: Packet{Type: Connect, Namespace: "/"}, want: "0"},
		{
			name:   "connect with auth",
			packet: Packet{Type: Connect, Namespace: "/admin", Data: map[string]any{"token": "123"}},
			want:   `0/admin,{"token":"123"}`,
		},
		{name: "disconnect", packet: Packet{Type: Disconnect, Namespace: "/admin"}, want: "1/admin,"},
		{name: "event", packet: Packet{Type: Event, Namespace: "/", Data: []any{"foo", 1}}, want: `2["foo",1]`},
		{
			name:   "event with ack id",
			packet: Packet{Type: Event, Namespace: "/admin", ID: id(12), Data: []any{"foo"}},
			want:   `2/admin,12["foo"]`,
		},
		{name: "ack", packet: Packet{Type: Ack, ID: id(13), Data: []any{"bar"}}, want: `313["bar"]`},
		{
			name:   "connect error",
			packet: Packet{Type: ConnectError, Data: map[string]any{"message": "nope"}},
			want:   `4{"message":"nope"}`,
		},
		{name: "html is not escaped", packet: Packet{Type: Event, Data: []any{"a<b>&"}}, want: `2["a<b>&"]`},
	}

	enc := &Encoder{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := enc.Encode(&tt.packet)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, string(out[0]))
		})
	}
}

func TestEncodeBinary(t *testing.T) {
	t.Parallel()

	p := &Packet{
		Type:      Event,
		Namespace: "/files",
		ID:        id(7),
		Data: []any{
			"upload",
			[]byte{1, 2, 3},
			map[string]any{"nested": []any{[]byte{4}}},
		},
	}

	out, err := (&Encoder{}).Encode(p)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t,
		`52-/files,7["upload",{"_placeholder":true,"num":0},{"nested":[{"_placeholder":true,"num":1}]}]`,
		string(out[0]))
	assert.Equal(t, []byte{1, 2, 3}, out[1])
	assert.Equal(t, []byte{4}, out[2])

	// the caller's packet is untouched
	assert.Equal(t, Event, p.Type)
	assert.Equal(t, 0, p.Attachments)

	ack, err := (&Encoder{}).Encode(&Packet{Type: Ack, ID: id(1), Data: []any{[]byte{9}}})
	require.NoError(t, err)
	assert.Equal(t, `61-1[{"_placeholder":true,"num":0}]`, string(ack[0]))
}

func TestDecodeText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want Packet
	}{
		{name: "connect ack", in: `0{"sid":"abc"}`, want: Packet{Type: Connect, Namespace: "/", Data: map[string]any{"sid": "abc"}}},
		{name: "namespaced connect", in: `0/admin,{"sid":"x"}`, want: Packet{Type: Connect, Namespace: "/admin", Data: map[string]any{"sid": "x"}}},
		{name: "disconnect", in: "1/admin,", want: Packet{Type: Disconnect, Namespace: "/admin"}},
		{name: "event", in: `2["foo",{"a":1}]`, want: Packet{Type: Event, Namespace: "/", Data: []any{"foo", map[string]any{"a": float64(1)}}}},
		{name: "numeric event name", in: `2[42]`, want: Packet{Type: Event, Namespace: "/", Data: []any{float64(42)}}},
		{name: "greedy ack id", in: `2/admin,456["a"]`, want: Packet{Type: Event, Namespace: "/admin", ID: id(456), Data: []any{"a"}}},
		{name: "ack", in: `312["x"]`, want: Packet{Type: Ack, Namespace: "/", ID: id(12), Data: []any{"x"}}},
		{name: "connect error string", in: `4"denied"`, want: Packet{Type: ConnectError, Namespace: "/", Data: "denied"}},
		{name: "namespace without comma", in: "1/chat", want: Packet{Type: Disconnect, Namespace: "/chat"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := &Decoder{}
			p, err := d.Add([]byte(tt.in), false)
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, tt.want, *p)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{name: "empty", in: "", wantErr: ErrUnknownType},
		{name: "unknown type", in: "9", wantErr: ErrUnknownType},
		{name: "binary without dash", in: "5abc", wantErr: ErrIllegalAttachments},
		{name: "binary with bad count", in: "5x-[]", wantErr: ErrIllegalAttachments},
		{name: "invalid json", in: "2[oops", wantErr: ErrInvalidPayload},
		{name: "reserved event name", in: `2["connect"]`, wantErr: ErrInvalidPayload},
		{name: "event not array", in: `2{"a":1}`, wantErr: ErrInvalidPayload},
		{name: "disconnect with data", in: `1["x"]`, wantErr: ErrInvalidPayload},
		{name: "connect with array", in: `0[1]`, wantErr: ErrInvalidPayload},
		{name: "ack without data", in: `31`, wantErr: ErrInvalidPayload},
		{name: "id overflow", in: `299999999999999999999["a"]`, wantErr: ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := (&Decoder{}).Add([]byte(tt.in), false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	original := &Packet{
		Type:      Event,
		Namespace: "/",
		ID:        id(3),
		Data: []any{
			"frames",
			[]byte("first"),
			[]any{[]any{[]byte("deep")}},
			map[string]any{"a": []byte("in map"), "b": "text"},
		},
	}

	out, err := (&Encoder{}).Encode(original)
	require.NoError(t, err)
	require.Len(t, out, 4)

	d := &Decoder{}
	p, err := d.Add(out[0], false)
	require.NoError(t, err)
	assert.Nil(t, p, "header alone must not complete the packet")
	assert.True(t, d.Pending())

	p, err = d.Add(out[1], true)
	require.NoError(t, err)
	assert.Nil(t, p, "partial attachments are buffered")

	p, err = d.Add(out[2], true)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = d.Add(out[3], true)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, d.Pending())

	assert.Equal(t, Event, p.Type)
	assert.Equal(t, 3, p.Attachments)
	assert.Equal(t, uint64(3), *p.ID)
	assert.Equal(t, original.Data, p.Data)
}

func TestBinaryWithZeroAttachments(t *testing.T) {
	t.Parallel()

	d := &Decoder{}
	p, err := d.Add([]byte(`50-["empty"]`), false)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, Event, p.Type)
	assert.False(t, d.Pending())
}

func TestDecoderSequencingErrors(t *testing.T) {
	t.Parallel()

	d := &Decoder{}
	_, err := d.Add([]byte{1, 2}, true)
	assert.ErrorIs(t, err, ErrUnexpectedBinary)

	_, err = d.Add([]byte(`51-["a",{"_placeholder":true,"num":0}]`), false)
	require.NoError(t, err)
	_, err = d.Add([]byte(`2["b"]`), false)
	assert.ErrorIs(t, err, ErrUnexpectedText)

	d.Reset()
	assert.False(t, d.Pending())
}

func TestDecoderIllegalAttachments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		blobs  int
	}{
		{name: "index out of range", header: `51-["a",{"_placeholder":true,"num":4}]`, blobs: 1},
		{name: "fewer placeholders than attachments", header: `52-["a",{"_placeholder":true,"num":0}]`, blobs: 2},
		{name: "fractional index", header: `51-["a",{"_placeholder":true,"num":0.5}]`, blobs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := &Decoder{}
			_, err := d.Add([]byte(tt.header), false)
			require.NoError(t, err)

			for i := 0; i < tt.blobs-1; i++ {
				_, err = d.Add([]byte{byte(i)}, true)
				require.NoError(t, err)
			}
			_, err = d.Add([]byte{0xFF}, true)
			assert.ErrorIs(t, err, ErrIllegalAttachments)
			assert.False(t, d.Pending())
		})
	}
}
