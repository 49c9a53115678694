package classfile

import (
	"fmt"
	"io"
	"strings"

	"github.com/daimatz/goenhance/pkg/bytecode"
)

// Dump writes a human-readable listing of the class: pool, members,
// attributes and disassembled code.
func (cf *ClassFile) Dump(w io.Writer) error {
	p := &printer{w: w, cp: cf.ConstantPool}
	name, _ := cf.ClassName()
	p.printf("class %s\n", name)
	p.printf("  version: %d.%d\n", cf.MajorVersion, cf.MinorVersion)
	p.printf("  flags: 0x%04x\n", cf.AccessFlags)
	if s := cf.SuperClassName(); s != "" {
		p.printf("  super: %s\n", s)
	}
	if ifs, err := cf.InterfaceNames(); err == nil && len(ifs) > 0 {
		p.printf("  interfaces: %s\n", strings.Join(ifs, ", "))
	}

	p.printf("constant pool (%d):\n", cf.ConstantPool.Count())
	for i := 1; i < cf.ConstantPool.Count(); i++ {
		if e := cf.ConstantPool.Entry(uint16(i)); e != nil {
			p.printf("  #%d = %s %s\n", i, TagName(e.Tag()), p.entry(e))
		}
	}

	for _, f := range cf.Fields {
		p.printf("field %s %s flags=0x%04x\n", f.Name, f.Descriptor, f.AccessFlags)
		p.attributes("  ", f.Attributes)
	}
	for _, m := range cf.Methods {
		p.printf("method %s%s flags=0x%04x\n", m.Name, m.Descriptor, m.AccessFlags)
		p.attributes("  ", m.Attributes)
	}
	p.attributes("", cf.Attributes)
	return p.err
}

type printer struct {
	w   io.Writer
	cp  *ConstantPool
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) entry(e ConstantPoolEntry) string {
	switch c := e.(type) {
	case *ConstantUtf8:
		return fmt.Sprintf("%q", c.Value)
	case *ConstantInteger:
		return fmt.Sprint(c.Value)
	case *ConstantFloat:
		return fmt.Sprint(c.Value())
	case *ConstantLong:
		return fmt.Sprint(c.Value)
	case *ConstantDouble:
		return fmt.Sprint(c.Value())
	case *ConstantClass:
		return c.Name()
	case *ConstantString:
		return fmt.Sprintf("%q", c.Value())
	case *ConstantFieldref:
		return c.ClassName() + "." + c.Name() + ":" + c.Descriptor()
	case *ConstantMethodref:
		return c.ClassName() + "." + c.Name() + c.Descriptor()
	case *ConstantInterfaceMethodref:
		return c.ClassName() + "." + c.Name() + c.Descriptor()
	case *ConstantNameAndType:
		return c.Name() + ":" + c.Descriptor()
	case *ConstantMethodHandle:
		return fmt.Sprintf("kind=%d #%d", c.ReferenceKind, c.ReferenceIndex)
	case *ConstantMethodType:
		return fmt.Sprintf("#%d", c.DescriptorIndex)
	case *ConstantDynamic:
		return fmt.Sprintf("bsm=%d #%d", c.BootstrapMethodAttrIndex, c.NameAndTypeIndex)
	case *ConstantInvokeDynamic:
		return fmt.Sprintf("bsm=%d #%d", c.BootstrapMethodAttrIndex, c.NameAndTypeIndex)
	case *ConstantModule:
		return fmt.Sprintf("#%d", c.NameIndex)
	case *ConstantPackage:
		return fmt.Sprintf("#%d", c.NameIndex)
	}
	return ""
}

func (p *printer) attributes(indent string, attrs []*Attribute) {
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case *CodeAttribute:
			p.printf("%sCode: stack=%d locals=%d length=%d\n", indent, v.MaxStack, v.MaxLocals, len(v.Code))
			p.code(indent+"  ", v)
			for _, h := range v.ExceptionHandlers {
				catch := "any"
				if h.CatchType != 0 {
					catch, _ = p.cp.ClassName(h.CatchType)
				}
				p.printf("%s  handler [%d, %d) -> %d %s\n", indent, h.StartPC, h.EndPC, h.HandlerPC, catch)
			}
			p.attributes(indent+"  ", v.Attributes)
		case *LineNumberTableAttribute:
			p.printf("%sLineNumberTable:", indent)
			for _, l := range v.Entries {
				p.printf(" %d:%d", l.StartPC, l.Line)
			}
			p.printf("\n")
		case *LocalVariableTableAttribute:
			p.printf("%s%s:\n", indent, a.Name)
			for _, lv := range v.Entries {
				n, _ := p.cp.Utf8(lv.NameIndex)
				d, _ := p.cp.Utf8(lv.DescriptorIndex)
				p.printf("%s  [%d, +%d) slot %d %s %s\n", indent, lv.StartPC, lv.Length, lv.Index, n, d)
			}
		case *StackMapTableAttribute:
			p.printf("%sStackMapTable:", indent)
			for i, off := range v.Offsets() {
				p.printf(" %d(type %d)", off, v.Frames[i].Type)
			}
			p.printf("\n")
		case *MarkerAttribute:
			p.printf("%s%s: version=%d flags=0x%x modified=%d enhanced=%d\n", indent, a.Name, v.Version, v.Flags, v.ModTime, v.AnnotationTime)
		case *OpaqueAttribute:
			p.printf("%s%s: %d bytes\n", indent, a.Name, len(v.Data))
		default:
			p.printf("%s%s\n", indent, a.Name)
		}
	}
}

func (p *printer) code(indent string, c *CodeAttribute) {
	insns, err := bytecode.Decode(c.Code)
	if err != nil {
		p.printf("%s<%v>\n", indent, err)
		return
	}
	for _, in := range insns {
		p.printf("%s%4d: %s", indent, in.PC, bytecode.Name(in.Opcode))
		switch {
		case operandTags(in.Opcode) != nil:
			idx := in.Index(c.Code)
			if e := p.cp.Entry(idx); e != nil {
				p.printf(" #%d // %s", idx, p.entry(e))
			} else {
				p.printf(" #%d", idx)
			}
		case bytecode.IsBranch(in.Opcode) || bytecode.IsSwitch(in.Opcode):
			for _, t := range bytecode.BranchTargets(c.Code, in) {
				p.printf(" %d", t)
			}
		case in.Length > 1:
			p.printf(" % x", in.Operands(c.Code))
		}
		p.printf("\n")
	}
}
