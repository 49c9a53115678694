package classfile

import (
	"errors"
	"fmt"

	"github.com/daimatz/goenhance/pkg/bytecode"
)

// IntegrityError lists every inconsistency found by CheckIntegrity.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	if len(e.Problems) == 1 {
		return "integrity check failed: " + e.Problems[0]
	}
	return fmt.Sprintf("integrity check failed: %s (and %d more)", e.Problems[0], len(e.Problems)-1)
}

type checker struct {
	cp       *ConstantPool
	problems []string
}

func (c *checker) addf(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) expect(where string, index uint16, tags ...uint8) {
	e := c.cp.Entry(index)
	if e == nil {
		c.addf("%s: invalid constant pool index %d", where, index)
		return
	}
	for _, t := range tags {
		if e.Tag() == t {
			return
		}
	}
	c.addf("%s: constant pool index %d is %s", where, index, TagName(e.Tag()))
}

func (c *checker) expectUtf8(where string, index uint16, want string) {
	got, err := c.cp.Utf8(index)
	if err != nil {
		c.addf("%s: %v", where, err)
		return
	}
	if got != want {
		c.addf("%s: index %d holds %q, want %q", where, index, got, want)
	}
}

// CheckIntegrity verifies that every constant pool reference held by the
// class resolves to an entry of the right kind and that every code offset
// falls on an instruction boundary. It returns an *IntegrityError.
func (cf *ClassFile) CheckIntegrity() error {
	c := &checker{cp: cf.ConstantPool}
	if err := cf.ConstantPool.Resolve(); err != nil {
		c.addf("%v", err)
	}
	c.expect("this_class", cf.ThisClass, TagClass)
	if cf.SuperClass != 0 {
		c.expect("super_class", cf.SuperClass, TagClass)
	}
	for i, idx := range cf.Interfaces {
		c.expect(fmt.Sprintf("interface %d", i), idx, TagClass)
	}
	for _, f := range cf.Fields {
		where := "field " + f.Name
		c.expectUtf8(where+" name", f.NameIndex, f.Name)
		c.expectUtf8(where+" descriptor", f.DescriptorIndex, f.Descriptor)
		c.checkAttributes(where, f.Attributes)
	}
	for _, m := range cf.Methods {
		where := "method " + m.Name + m.Descriptor
		c.expectUtf8(where+" name", m.NameIndex, m.Name)
		c.expectUtf8(where+" descriptor", m.DescriptorIndex, m.Descriptor)
		c.checkAttributes(where, m.Attributes)
	}
	c.checkAttributes("class", cf.Attributes)

	if len(c.problems) > 0 {
		return &IntegrityError{Problems: c.problems}
	}
	return nil
}

func (c *checker) checkAttributes(where string, attrs []*Attribute) {
	for _, a := range attrs {
		c.expectUtf8(where+" attribute name", a.NameIndex, a.Name)
		if code, ok := a.Value.(*CodeAttribute); ok {
			c.checkCode(where, code)
		}
	}
}

func (c *checker) checkCode(where string, code *CodeAttribute) {
	if len(code.Code) == 0 || len(code.Code) > 65535 {
		c.addf("%s: code length %d", where, len(code.Code))
		return
	}
	insns, err := bytecode.Decode(code.Code)
	if err != nil {
		c.addf("%s: %v", where, err)
		return
	}
	bounds := bytecode.Boundaries(insns)
	atBoundary := func(pc int, endOK bool) bool {
		return bounds[pc] || (endOK && pc == len(code.Code))
	}

	for _, in := range insns {
		iw := fmt.Sprintf("%s pc %d %s", where, in.PC, bytecode.Name(in.Opcode))
		if tags := operandTags(in.Opcode); tags != nil {
			c.expect(iw, in.Index(code.Code), tags...)
		}
		for _, t := range bytecode.BranchTargets(code.Code, in) {
			if !atBoundary(t, false) {
				c.addf("%s: branch target %d is not an instruction boundary", iw, t)
			}
		}
	}

	for i, h := range code.ExceptionHandlers {
		hw := fmt.Sprintf("%s exception handler %d", where, i)
		if h.StartPC >= h.EndPC {
			c.addf("%s: empty range [%d, %d)", hw, h.StartPC, h.EndPC)
		}
		if !atBoundary(int(h.StartPC), false) || !atBoundary(int(h.EndPC), true) || !atBoundary(int(h.HandlerPC), false) {
			c.addf("%s: offsets %d/%d/%d not on instruction boundaries", hw, h.StartPC, h.EndPC, h.HandlerPC)
		}
		if h.CatchType != 0 {
			c.expect(hw+" catch type", h.CatchType, TagClass)
		}
	}

	for _, a := range code.Attributes {
		c.expectUtf8(where+" code attribute name", a.NameIndex, a.Name)
		aw := where + " " + a.Name
		switch v := a.Value.(type) {
		case *LineNumberTableAttribute:
			for _, l := range v.Entries {
				if !atBoundary(int(l.StartPC), false) {
					c.addf("%s: start_pc %d not on an instruction boundary", aw, l.StartPC)
				}
			}
		case *LocalVariableTableAttribute:
			for _, lv := range v.Entries {
				if !atBoundary(int(lv.StartPC), false) || !atBoundary(int(lv.StartPC)+int(lv.Length), true) {
					c.addf("%s: range [%d, +%d) not on instruction boundaries", aw, lv.StartPC, lv.Length)
				}
				c.expect(aw+" name", lv.NameIndex, TagUtf8)
				c.expect(aw+" descriptor", lv.DescriptorIndex, TagUtf8)
			}
		case *StackMapTableAttribute:
			for i, off := range v.Offsets() {
				if !atBoundary(off, false) {
					c.addf("%s: frame %d at %d not on an instruction boundary", aw, i, off)
				}
				f := v.Frames[i]
				for _, vt := range append(append([]VerificationType(nil), f.Locals...), f.Stack...) {
					switch vt.Tag {
					case VTObject:
						c.expect(aw+" object type", vt.Data, TagClass)
					case VTUninitialized:
						if !atBoundary(int(vt.Data), false) || code.Code[vt.Data] != bytecode.OpNew {
							c.addf("%s: uninitialized offset %d is not a new instruction", aw, vt.Data)
						}
					}
				}
			}
		}
	}
}

// operandTags returns the pool entry kinds an instruction's index operand
// may refer to, or nil for instructions without one.
func operandTags(op byte) []uint8 {
	switch op {
	case bytecode.OpLdc, bytecode.OpLdcW:
		return []uint8{TagInteger, TagFloat, TagString, TagClass, TagMethodType, TagMethodHandle, TagDynamic}
	case bytecode.OpLdc2W:
		return []uint8{TagLong, TagDouble, TagDynamic}
	case bytecode.OpGetstatic, bytecode.OpPutstatic, bytecode.OpGetfield, bytecode.OpPutfield:
		return []uint8{TagFieldref}
	case bytecode.OpInvokevirtual:
		return []uint8{TagMethodref}
	case bytecode.OpInvokespecial, bytecode.OpInvokestatic:
		return []uint8{TagMethodref, TagInterfaceMethodref}
	case bytecode.OpInvokeinterface:
		return []uint8{TagInterfaceMethodref}
	case bytecode.OpInvokedynamic:
		return []uint8{TagInvokeDynamic}
	case bytecode.OpNew, bytecode.OpAnewarray, bytecode.OpCheckcast, bytecode.OpInstanceof, bytecode.OpMultianewarray:
		return []uint8{TagClass}
	}
	return nil
}

// IsIntegrityError reports whether err came from CheckIntegrity.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
