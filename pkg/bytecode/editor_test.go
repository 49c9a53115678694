package bytecode

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u2(v int) []byte { return binary.BigEndian.AppendUint16(nil, uint16(int16(v))) }
func u4(v int) []byte { return binary.BigEndian.AppendUint32(nil, uint32(int32(v))) }

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// switchCode is: iload_0; tableswitch {0: pc25, 1: pc26, default: pc24}; return x3
func switchCode() []byte {
	return cat(
		[]byte{OpIload0, OpTableswitch, 0, 0},
		u4(23), u4(0), u4(1), u4(24), u4(25),
		[]byte{OpReturn, OpReturn, OpReturn},
	)
}

func TestDecode(t *testing.T) {
	insns, err := Decode(switchCode())
	require.NoError(t, err)
	require.Len(t, insns, 5)
	assert.Equal(t, Instruction{PC: 1, Opcode: OpTableswitch, Length: 23}, insns[1])
	assert.Equal(t, []int{24, 25, 26}, BranchTargets(switchCode(), insns[1]))

	t.Run("wide", func(t *testing.T) {
		insns, err := Decode([]byte{OpWide, OpIinc, 0, 1, 0, 1, OpWide, OpAload, 1, 0, OpReturn})
		require.NoError(t, err)
		require.Len(t, insns, 3)
		assert.Equal(t, 6, insns[0].Length)
		assert.Equal(t, 4, insns[1].Length)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode([]byte{OpSipush, 1})
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("invalid opcode", func(t *testing.T) {
		_, err := Decode([]byte{OpNop, 0xFE})
		assert.ErrorIs(t, err, ErrInvalidOpcode)
		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, 1, de.PC)
	})
}

func TestApplySwitchPadding(t *testing.T) {
	code := switchCode()
	out, m, err := Apply(code, []Edit{{PC: 0, After: []byte{OpNop}}})
	require.NoError(t, err)

	// One inserted byte shifts the switch to pc 2 and shrinks its padding to 1.
	assert.Len(t, out, len(code))
	assert.False(t, m.IsIdentity())
	assert.Equal(t, byte(OpTableswitch), out[2])
	assert.Equal(t, byte(0), out[3])
	assert.Equal(t, int32(22), int32(binary.BigEndian.Uint32(out[4:])))

	insns, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, []int{24, 25, 26}, BranchTargets(out, insns[2]))

	for old, want := range map[int]int{0: 0, 1: 2, 24: 24, 26: 26, 27: 27} {
		got, ok := m.Map(old)
		require.True(t, ok, "pc %d", old)
		assert.Equal(t, want, got, "pc %d", old)
	}
	_, ok := m.Map(3)
	assert.False(t, ok)
}

func farBranch(op byte) []byte {
	code := append([]byte{op}, u2(32764)...)
	for len(code) < 32764 {
		code = append(code, OpNop)
	}
	return append(code, OpReturn)
}

func TestApplyWidensGoto(t *testing.T) {
	code := farBranch(OpGoto)
	pad := make([]byte, 10)
	out, m, err := Apply(code, []Edit{{PC: 3, After: pad}})
	require.NoError(t, err)

	assert.Equal(t, byte(OpGotoW), out[0])
	assert.Equal(t, int32(32776), int32(binary.BigEndian.Uint32(out[1:])))
	ret, ok := m.Map(32764)
	require.True(t, ok)
	assert.Equal(t, 32776, ret)
	assert.Equal(t, byte(OpReturn), out[ret])
	assert.Equal(t, len(code)+12, m.NewLen())
}

func TestApplyConditionalOverflow(t *testing.T) {
	code := farBranch(OpIfeq)
	_, _, err := Apply(code, []Edit{{PC: 3, After: make([]byte, 10)}})
	assert.ErrorIs(t, err, ErrBranchOverflow)
}

func TestApplyBackwardBranch(t *testing.T) {
	code := cat([]byte{OpNop, OpIload0, OpIfeq}, u2(-2), []byte{OpReturn})
	out, _, err := Apply(code, []Edit{{PC: 0, After: []byte{OpNop, OpNop}}})
	require.NoError(t, err)
	assert.Equal(t, cat([]byte{OpNop, OpNop, OpNop, OpIload0, OpIfeq}, u2(-4), []byte{OpReturn}), out)
}

func TestApplySameSizeReplaceIsIdentity(t *testing.T) {
	code := cat([]byte{OpAload0, OpGetfield}, u2(7), []byte{OpIreturn})
	out, m, err := Apply(code, []Edit{{PC: 1, Replace: cat([]byte{OpInvokestatic}, u2(9))}})
	require.NoError(t, err)
	assert.True(t, m.IsIdentity())
	assert.Equal(t, cat([]byte{OpAload0, OpInvokestatic}, u2(9), []byte{OpIreturn}), out)
}

func TestApplyRejects(t *testing.T) {
	code := cat([]byte{OpAload0, OpGetfield}, u2(7), []byte{OpIreturn})

	tests := []struct {
		name  string
		edits []Edit
	}{
		{"not a boundary", []Edit{{PC: 2, Replace: []byte{OpNop}}}},
		{"branch in replacement", []Edit{{PC: 0, Replace: cat([]byte{OpGoto}, u2(0))}}},
		{"truncated insertion", []Edit{{PC: 0, After: []byte{OpSipush}}}},
		{"duplicate edits", []Edit{{PC: 0, After: []byte{OpNop}}, {PC: 0, After: []byte{OpNop}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Apply(code, tt.edits)
			assert.Error(t, err)
		})
	}
}

func TestAssembler(t *testing.T) {
	var a Assembler
	skip := a.NewLabel()
	a.Op(OpAload0)
	a.Branch(OpIfnull, skip)
	require.NoError(t, a.PushInt(300))
	a.Op(OpIreturn)
	a.Bind(skip)
	require.NoError(t, a.PushInt(-1))
	require.NoError(t, a.PushInt(100))
	a.Op(OpIreturn)

	code, err := a.Bytes()
	require.NoError(t, err)
	assert.Equal(t, cat(
		[]byte{OpAload0, OpIfnull}, u2(7),
		[]byte{OpSipush}, u2(300),
		[]byte{OpIreturn, OpIconstM1, OpBipush, 100, OpIreturn},
	), code)
	assert.Equal(t, 8, skip.PC())

	var b Assembler
	b.Branch(OpGoto, b.NewLabel())
	_, err = b.Bytes()
	assert.Error(t, err)
}

func TestAssemblerLdc(t *testing.T) {
	var a Assembler
	assert.Error(t, a.PushInt(40000))
	a.Ldc(7)
	a.Ldc(300)
	code, err := a.Bytes()
	require.NoError(t, err)
	assert.Equal(t, cat([]byte{OpLdc, 7, OpLdcW}, u2(300)), code)
}
