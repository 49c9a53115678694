package classfile

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/goenhance/pkg/classfile/cftest"
)

func TestConstantPoolInsertDeduplicates(t *testing.T) {
	cp := NewConstantPool()

	a, err := cp.AddFieldref("test/Point", "x", "I")
	require.NoError(t, err)
	b, err := cp.AddFieldref("test/Point", "x", "I")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Utf8 "test/Point", Class, Utf8 "x", Utf8 "I", NameAndType, Fieldref
	assert.Equal(t, 7, cp.Count())

	ref, err := cp.ResolveFieldref(a)
	require.NoError(t, err)
	assert.Equal(t, &MemberRefInfo{Tag: TagFieldref, ClassName: "test/Point", Name: "x", Descriptor: "I"}, ref)

	l, err := cp.AddLong(42)
	require.NoError(t, err)
	next, err := cp.AddUtf8("after")
	require.NoError(t, err)
	assert.Equal(t, l+2, next, "long occupies two slots")
	assert.Nil(t, cp.Entry(l+1))
}

func TestConstantPoolFirstOccurrenceWins(t *testing.T) {
	b := cftest.Point(52)
	dup := b.RawUtf8("getX")
	cf := mustParse(t, b.Bytes())

	first, err := cf.ConstantPool.AddUtf8("getX")
	require.NoError(t, err)
	assert.Less(t, first, dup)
	s, err := cf.ConstantPool.Utf8(dup)
	require.NoError(t, err)
	assert.Equal(t, "getX", s)
}

func TestConstantPoolFloatBits(t *testing.T) {
	cp := NewConstantPool()
	nan1 := math.Float32frombits(0x7FC00001)
	nan2 := math.Float32frombits(0x7FC00002)
	i1, err := cp.AddFloat(nan1)
	require.NoError(t, err)
	i2, err := cp.AddFloat(nan2)
	require.NoError(t, err)
	assert.NotEqual(t, i1, i2, "distinct NaN payloads are distinct constants")

	z, err := cp.AddDouble(0)
	require.NoError(t, err)
	nz, err := cp.AddDouble(math.Copysign(0, -1))
	require.NoError(t, err)
	assert.NotEqual(t, z, nz)
}

func TestConstantPoolLookupErrors(t *testing.T) {
	cp := NewConstantPool()
	u, err := cp.AddUtf8("name")
	require.NoError(t, err)

	tests := []struct {
		name  string
		index uint16
		tag   uint8
	}{
		{"zero", 0, TagUtf8},
		{"out of range", 99, TagUtf8},
		{"wrong kind", u, TagClass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cp.Lookup(tt.index, tt.tag)
			var fe *FormatError
			assert.True(t, errors.As(err, &fe), "got %v", err)
		})
	}

	_, err = cp.Insert(&ConstantClass{NameIndex: 77})
	assert.Error(t, err, "dangling reference must be rejected")
}

func TestConstantPoolOverflow(t *testing.T) {
	cp := NewConstantPool()
	for i := int32(0); cp.Count() < maxPoolSlots; i++ {
		_, err := cp.AddInteger(i)
		require.NoError(t, err)
	}
	_, err := cp.AddInteger(-1)
	assert.ErrorIs(t, err, ErrPoolOverflow)

	// an existing value is still found
	_, err = cp.AddInteger(0)
	assert.NoError(t, err)
}
