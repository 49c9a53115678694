package classfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"runtime"
	"testing"
	"testing/iotest"

	"github.com/daimatz/goenhance/pkg/classfile/cftest"
)

func mustParse(t *testing.T, b []byte) *ClassFile {
	t.Helper()
	cf, err := Parse(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cf
}

func TestParseClassFile(t *testing.T) {
	cf := mustParse(t, cftest.Account(52).Bytes())

	if cf.MajorVersion != 52 {
		t.Errorf("major version: got %d, want 52", cf.MajorVersion)
	}

	className, err := cf.ClassName()
	if err != nil {
		t.Fatalf("resolving this_class: %v", err)
	}
	if className != "test/Account" {
		t.Errorf("this_class: got %q, want %q", className, "test/Account")
	}
	if got := cf.SuperClassName(); got != "java/lang/Object" {
		t.Errorf("super_class: got %q", got)
	}
	if !cf.HasInterface("java/lang/Cloneable") {
		t.Error("Cloneable not among interfaces")
	}

	m := cf.FindMethod("safeName", "()Ljava/lang/String;")
	if m == nil {
		t.Fatal("safeName method not found")
	}
	code := m.Code()
	if code == nil {
		t.Fatal("safeName has no Code attribute")
	}
	if len(code.ExceptionHandlers) != 1 || code.ExceptionHandlers[0].HandlerPC != 5 {
		t.Errorf("exception table: got %+v", code.ExceptionHandlers)
	}
	catch, err := cf.ConstantPool.ClassName(code.ExceptionHandlers[0].CatchType)
	if err != nil || catch != "java/lang/RuntimeException" {
		t.Errorf("catch type: got %q, %v", catch, err)
	}

	// StackMapTable と LocalVariableTable はデコードされること
	smt, ok := code.FindAttribute(AttrStackMapTable).Value.(*StackMapTableAttribute)
	if !ok {
		t.Fatal("StackMapTable not decoded")
	}
	if offs := smt.Offsets(); len(offs) != 1 || offs[0] != 5 {
		t.Errorf("frame offsets: got %v, want [5]", offs)
	}
	dep := cf.FindMethod("deposit", "(J)V").Code()
	if _, ok := dep.FindAttribute(AttrLocalVariableTable).Value.(*LocalVariableTableAttribute); !ok {
		t.Error("LocalVariableTable not decoded")
	}

	// 未知の属性は opaque のまま保持されること
	if _, ok := cf.FindAttribute("SourceFile").Value.(*OpaqueAttribute); !ok {
		t.Error("SourceFile should stay opaque")
	}
	if f := cf.FindField("balance"); f == nil || f.Descriptor != "J" {
		t.Errorf("balance field: got %+v", f)
	}
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	fixtures := map[string][]byte{
		"Point":      cftest.Point(52).Bytes(),
		"Account52":  cftest.Account(52).Bytes(),
		"Account49":  cftest.Account(49).Bytes(),
		"Savings":    cftest.Savings(52).Bytes(),
		"Plain":      cftest.Plain().Bytes(),
		"Duplicates": duplicatePoolClass(),
	}
	for name, in := range fixtures {
		t.Run(name, func(t *testing.T) {
			cf := mustParse(t, in)
			out, err := cf.Bytes()
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			if !bytes.Equal(in, out) {
				t.Errorf("round trip differs: %d bytes in, %d bytes out", len(in), len(out))
			}
			if err := cf.CheckIntegrity(); err != nil {
				t.Errorf("integrity: %v", err)
			}
		})
	}
}

// duplicatePoolClass carries a duplicate Utf8 entry, a long and a double.
func duplicatePoolClass() []byte {
	b := cftest.Point(52)
	b.RawUtf8("x")
	b.Long(1 << 40)
	b.Double(2.5)
	b.Integer(-7)
	b.String("hello")
	return b.Bytes()
}

func TestParseFormatErrors(t *testing.T) {
	valid := cftest.Point(52).Bytes()

	tests := []struct {
		name       string
		input      []byte
		wantOffset int64
	}{
		{"empty", nil, 0},
		{"bad magic", append([]byte{0xCA, 0xFE, 0xBA, 0xBF}, valid[4:]...), 0},
		{"truncated header", valid[:7], 6},
		{"unsupported version", append(append([]byte(nil), valid[:6]...), append([]byte{0, 99}, valid[8:]...)...), 6},
		{"truncated body", valid[:len(valid)-3], -2},
		{"trailing bytes", append(append([]byte(nil), valid...), 0), int64(len(valid))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(bytes.NewReader(tt.input))
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("got %v, want *FormatError", err)
			}
			if tt.wantOffset >= 0 && fe.Offset != tt.wantOffset {
				t.Errorf("offset: got %d, want %d", fe.Offset, tt.wantOffset)
			}
			if tt.wantOffset == -2 && fe.Offset <= 0 {
				t.Errorf("offset: got %d, want a position inside the input", fe.Offset)
			}
		})
	}
}

func TestParseForgedAttributeLength(t *testing.T) {
	in := cftest.Plain().Attribute(cftest.Attr{Name: "Forged", Data: []byte{1, 2, 3}}).Bytes()
	// 末尾の属性: name(2) length(4) data(3)
	binary.BigEndian.PutUint32(in[len(in)-7:], 0xFFFFFFF0)

	readers := map[string]func() io.Reader{
		"bytes":  func() io.Reader { return bytes.NewReader(in) },
		"stream": func() io.Reader { return iotest.OneByteReader(bytes.NewReader(in)) },
	}
	for name, open := range readers {
		t.Run(name, func(t *testing.T) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err := Parse(open())
			runtime.ReadMemStats(&after)

			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("got %v, want *FormatError", err)
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("got %v, want unexpected EOF", err)
			}
			if fe.Offset != int64(len(in)) {
				t.Errorf("offset: got %d, want %d", fe.Offset, len(in))
			}
			if grown := after.TotalAlloc - before.TotalAlloc; grown > 1<<20 {
				t.Errorf("parsing %d bytes allocated %d bytes", len(in), grown)
			}
		})
	}
}

func TestParseRejectsBadPoolReference(t *testing.T) {
	in := cftest.Point(52).Bytes()
	// this_class (直後の access_flags の次) を存在しないインデックスに書き換える
	cf := mustParse(t, in)
	pos := len(in) - len(mustTail(t, cf))
	in[pos+2], in[pos+3] = 0xFF, 0xF0
	_, err := Parse(bytes.NewReader(in))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("got %v, want *FormatError", err)
	}
	if fe.Offset != int64(pos+2) {
		t.Errorf("offset: got %d, want %d", fe.Offset, pos+2)
	}
}

// mustTail returns the encoding of everything after the constant pool.
func mustTail(t *testing.T, cf *ClassFile) []byte {
	t.Helper()
	full, err := cf.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	var e encoder
	writeConstantPool(&e, cf.ConstantPool)
	return full[8+len(e.b):]
}
