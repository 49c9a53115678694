package classfile

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/goenhance/pkg/bytecode"
	"github.com/daimatz/goenhance/pkg/classfile/cftest"
)

func nops(n int) []byte { return make([]byte, n) }

func TestApplyEditsRelocatesDebugAttributes(t *testing.T) {
	cf := mustParse(t, cftest.Account(52).Bytes())
	code := cf.FindMethod("deposit", "(J)V").Code()

	dropped, err := code.ApplyEdits([]bytecode.Edit{{PC: 6, After: nops(70)}})
	require.NoError(t, err)
	assert.Empty(t, dropped)
	assert.Len(t, code.Code, 87)

	// ifle at 3 now skips the inserted block too.
	assert.Equal(t, []int{86}, bytecode.BranchTargets(code.Code, bytecode.Instruction{PC: 3, Opcode: bytecode.OpIfle, Length: 3}))

	lnt := code.FindAttribute(AttrLineNumberTable).Value.(*LineNumberTableAttribute)
	assert.Equal(t, []LineNumber{{0, 20}, {6, 21}, {86, 23}}, lnt.Entries)

	lvt := code.FindAttribute(AttrLocalVariableTable).Value.(*LocalVariableTableAttribute)
	for _, lv := range lvt.Entries {
		assert.Equal(t, uint16(0), lv.StartPC)
		assert.Equal(t, uint16(87), lv.Length)
	}

	smt := code.FindAttribute(AttrStackMapTable).Value.(*StackMapTableAttribute)
	assert.Equal(t, []int{86}, smt.Offsets())
	assert.Equal(t, uint8(FrameSameExtended), smt.Frames[0].Type, "delta 86 no longer fits same_frame")

	require.NoError(t, cf.CheckIntegrity())
	out, err := cf.Bytes()
	require.NoError(t, err)
	again := mustParse(t, out)
	assert.Equal(t, []int{86}, again.FindMethod("deposit", "(J)V").Code().FindAttribute(AttrStackMapTable).Value.(*StackMapTableAttribute).Offsets())
}

func TestApplyEditsRelocatesExceptionTable(t *testing.T) {
	cf := mustParse(t, cftest.Account(52).Bytes())
	code := cf.FindMethod("safeName", "()Ljava/lang/String;").Code()

	_, err := code.ApplyEdits([]bytecode.Edit{{PC: 0, After: []byte{bytecode.OpNop}}})
	require.NoError(t, err)
	assert.Equal(t, ExceptionHandler{StartPC: 0, EndPC: 6, HandlerPC: 6, CatchType: code.ExceptionHandlers[0].CatchType}, code.ExceptionHandlers[0])

	smt := code.FindAttribute(AttrStackMapTable).Value.(*StackMapTableAttribute)
	assert.Equal(t, uint8(64+6), smt.Frames[0].Type)
	assert.NoError(t, cf.CheckIntegrity())
}

func TestApplyEditsDropsOpaqueCodeAttributes(t *testing.T) {
	b := cftest.NewClass("test/Custom", "java/lang/Object")
	b.Method(AccPublic|AccStatic, "run", "()V", &cftest.Code{
		MaxStack: 0, MaxLocals: 0,
		Code:  []byte{bytecode.OpNop, bytecode.OpReturn},
		Attrs: []cftest.Attr{{Name: "Custom", Data: []byte{1, 2, 3}}, cftest.LineNumbers(1, 5)},
	})
	cf := mustParse(t, b.Bytes())
	code := cf.FindMethod("run", "()V").Code()

	// offsets unchanged: nothing is dropped
	dropped, err := code.ApplyEdits([]bytecode.Edit{{PC: 0, Replace: []byte{bytecode.OpNop}}})
	require.NoError(t, err)
	assert.Empty(t, dropped)
	assert.Len(t, code.Attributes, 2)

	dropped, err = code.ApplyEdits([]bytecode.Edit{{PC: 0, After: []byte{bytecode.OpNop}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Custom"}, dropped)
	require.Len(t, code.Attributes, 1)
	assert.Equal(t, AttrLineNumberTable, code.Attributes[0].Name)
}

func TestCheckIntegrityFindsDanglingReferences(t *testing.T) {
	cf := mustParse(t, cftest.Point(52).Bytes())
	code := cf.FindMethod("getX", "()I").Code()
	code.Code[2] = 0xFF // getfield operand high byte
	cf.FindField("y").DescriptorIndex = cf.FindField("y").NameIndex

	err := cf.CheckIntegrity()
	require.Error(t, err)
	assert.True(t, IsIntegrityError(err))
	ie := err.(*IntegrityError)
	assert.Len(t, ie.Problems, 2)
}

func TestMarkerAttribute(t *testing.T) {
	cf := mustParse(t, cftest.Point(52).Bytes())
	assert.Nil(t, cf.Marker())

	mod := time.UnixMilli(1_700_000_000_123)
	require.NoError(t, cf.SetAttribute(MarkerAttributeName, NewMarker(MarkerGenerated|MarkerAnnotated, mod, mod.Add(time.Hour))))
	out, err := cf.Bytes()
	require.NoError(t, err)

	m := mustParse(t, out).Marker()
	require.NotNil(t, m)
	assert.Equal(t, &MarkerAttribute{
		Version:        MarkerVersion,
		Flags:          MarkerGenerated | MarkerAnnotated,
		ModTime:        1_700_000_000_123,
		AnnotationTime: 1_700_003_600_123,
	}, m)
	assert.True(t, m.Covers(mod))
	assert.True(t, m.Covers(time.Time{}))
	assert.False(t, m.Covers(mod.Add(time.Second)))

	t.Run("oversized payload stays opaque", func(t *testing.T) {
		b := cftest.Point(52)
		b.Attribute(cftest.Attr{Name: MarkerAttributeName, Data: make([]byte, 24)})
		cf := mustParse(t, b.Bytes())
		assert.Nil(t, cf.Marker())
		_, ok := cf.FindAttribute(MarkerAttributeName).Value.(*OpaqueAttribute)
		assert.True(t, ok)
	})
}

func TestDump(t *testing.T) {
	cf := mustParse(t, cftest.Account(52).Bytes())
	var buf bytes.Buffer
	require.NoError(t, cf.Dump(&buf))
	out := buf.String()
	for _, want := range []string{
		"class test/Account",
		"method deposit(J)V",
		"getfield #",
		"test/Account.balance:J",
		"ifle 16",
		"handler [0, 5) -> 5 java/lang/RuntimeException",
		"StackMapTable: 16(type 16)",
	} {
		assert.True(t, strings.Contains(out, want), "dump lacks %q", want)
	}
}

func TestCustomAttributeDecoder(t *testing.T) {
	reg := NewAttributeRegistry()
	reg.Register("SourceFile", func(data []byte, ctx *AttributeContext) (AttributeValue, error) {
		d := newSliceDecoder(data, ctx.Offset)
		idx, err := d.u2("sourcefile index")
		if err != nil {
			return nil, err
		}
		return &sourceFile{index: idx}, d.expectEnd()
	})
	in := cftest.Account(52).Bytes()
	cf, err := ParseWithRegistry(bytes.NewReader(in), reg)
	require.NoError(t, err)
	sf, ok := cf.FindAttribute("SourceFile").Value.(*sourceFile)
	require.True(t, ok)
	name, err := cf.ConstantPool.Utf8(sf.index)
	require.NoError(t, err)
	assert.Equal(t, "Account.java", name)

	out, err := cf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

type sourceFile struct{ index uint16 }

func (s *sourceFile) MarshalAttribute(*ConstantPool) ([]byte, error) {
	var e encoder
	e.u2(s.index)
	return e.b, nil
}
