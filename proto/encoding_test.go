package proto

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestEncoderPrimitiveLayout(t *testing.T) {
	tests := map[string]struct {
		encode   func(e *Encoder)
		expected []byte
	}{
		"bool-true": {
			encode:   func(e *Encoder) { e.PutBool(true) },
			expected: []byte{0x01},
		},
		"bool-false": {
			encode:   func(e *Encoder) { e.PutBool(false) },
			expected: []byte{0x00},
		},
		"int-positive": {
			encode:   func(e *Encoder) { e.PutInt(10000) },
			expected: []byte{0x00, 0x00, 0x27, 0x10},
		},
		"int-negative": {
			encode:   func(e *Encoder) { e.PutInt(-1) },
			expected: []byte{0xff, 0xff, 0xff, 0xff},
		},
		"long": {
			encode:   func(e *Encoder) { e.PutLong(7) },
			expected: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07},
		},
		"string": {
			encode:   func(e *Encoder) { e.PutString("/a") },
			expected: []byte{0x00, 0x00, 0x00, 0x02, '/', 'a'},
		},
		"empty-string": {
			encode:   func(e *Encoder) { e.PutString("") },
			expected: []byte{0x00, 0x00, 0x00, 0x00},
		},
		"nil-buffer": {
			encode:   func(e *Encoder) { e.PutBytes(nil) },
			expected: []byte{0xff, 0xff, 0xff, 0xff},
		},
		"buffer": {
			encode:   func(e *Encoder) { e.PutBytes([]byte{0xaa}) },
			expected: []byte{0x00, 0x00, 0x00, 0x01, 0xaa},
		},
		"string-vector": {
			encode:   func(e *Encoder) { e.PutStrings([]string{"a", "b"}) },
			expected: []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x01, 'a', 0x00, 0x00, 0x00, 0x01, 'b'},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := NewEncoder()
			tc.encode(e)
			assert.Check(t, is.DeepEqual(e.Bytes(), tc.expected))
		})
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.PutBool(true)
	e.PutByte(0x7f)
	e.PutInt(-42)
	e.PutLong(1 << 40)
	e.PutFloat(1.5)
	e.PutDouble(-2.25)
	e.PutString("hello")
	e.PutBytes([]byte("world"))
	e.PutStrings([]string{"x", "y", "z"})

	d := NewDecoder(e.Bytes())
	assert.Check(t, d.Bool())
	assert.Check(t, is.Equal(d.Byte(), byte(0x7f)))
	assert.Check(t, is.Equal(d.Int(), int32(-42)))
	assert.Check(t, is.Equal(d.Long(), int64(1<<40)))
	assert.Check(t, is.Equal(d.Float(), float32(1.5)))
	assert.Check(t, is.Equal(d.Double(), -2.25))
	assert.Check(t, is.Equal(d.String(), "hello"))
	assert.Check(t, is.DeepEqual(d.Bytes(), []byte("world")))
	assert.Check(t, is.DeepEqual(d.Strings(), []string{"x", "y", "z"}))
	assert.NilError(t, d.Err())
	assert.Check(t, is.Equal(d.Remaining(), 0))
}

func TestDecoderNullForms(t *testing.T) {
	e := NewEncoder()
	e.PutInt(-1) // null string
	e.PutInt(-1) // null buffer

	d := NewDecoder(e.Bytes())
	assert.Check(t, is.Equal(d.String(), ""))
	assert.Check(t, d.Bytes() == nil)
	assert.NilError(t, d.Err())
}

func TestDecoderShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{0x00, 0x00})
	_ = d.Int()
	assert.Check(t, is.ErrorIs(d.Err(), ErrShortBuffer))

	// The error is sticky: further reads keep returning zero values.
	assert.Check(t, is.Equal(d.Long(), int64(0)))
	assert.Check(t, is.ErrorIs(d.Err(), ErrShortBuffer))
}

func TestDecoderTruncatedString(t *testing.T) {
	e := NewEncoder()
	e.PutInt(100)
	d := NewDecoder(e.Bytes())
	_ = d.String()
	assert.Check(t, is.ErrorIs(d.Err(), ErrShortBuffer))
}

func TestStatRoundTrip(t *testing.T) {
	in := Stat{
		CreatedZxid:          1,
		LastModifiedZxid:     2,
		Created:              3,
		Modified:             4,
		Version:              5,
		ChildVersion:         6,
		ACLVersion:           7,
		EphemeralOwner:       8,
		DataLength:           9,
		NumChildren:          10,
		LastModifiedChildren: 11,
	}
	e := NewEncoder()
	in.Marshal(e)
	assert.Check(t, is.Equal(e.Len(), 68))

	var out Stat
	assert.NilError(t, out.Unmarshal(NewDecoder(e.Bytes())))
	assert.Check(t, is.Equal(in, out))
}
