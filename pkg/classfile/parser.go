package classfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

const classMagic = 0xCAFEBABE

// ParseFile opens and parses a .class file from the given path.
func ParseFile(path string) (*ClassFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a .class file from the given reader and returns a ClassFile.
// Malformed input yields a *FormatError.
func Parse(r io.Reader) (*ClassFile, error) {
	return ParseWithRegistry(r, DefaultRegistry)
}

// ParseBytes parses a class file held in memory.
func ParseBytes(b []byte) (*ClassFile, error) {
	return Parse(bytes.NewReader(b))
}

// ParseWithRegistry is Parse with a caller-supplied attribute registry.
func ParseWithRegistry(r io.Reader, reg *AttributeRegistry) (*ClassFile, error) {
	d := newDecoder(r, 0)
	cf := &ClassFile{}

	// Magic number
	magic, err := d.u4("magic number")
	if err != nil {
		return nil, err
	}
	if magic != classMagic {
		return nil, &FormatError{Offset: 0, Msg: fmt.Sprintf("invalid magic number: 0x%X (expected 0xCAFEBABE)", magic)}
	}

	// Version
	if cf.MinorVersion, err = d.u2("minor version"); err != nil {
		return nil, err
	}
	if cf.MajorVersion, err = d.u2("major version"); err != nil {
		return nil, err
	}
	if cf.MajorVersion < MinMajorVersion || cf.MajorVersion > MaxMajorVersion {
		return nil, &FormatError{Offset: 6, Msg: fmt.Sprintf("unsupported class file version %d.%d", cf.MajorVersion, cf.MinorVersion)}
	}

	// Constant pool
	cpCount, err := d.u2("constant pool count")
	if err != nil {
		return nil, err
	}
	if cf.ConstantPool, err = parseConstantPool(d, cpCount); err != nil {
		return nil, err
	}
	ctx := &AttributeContext{Pool: cf.ConstantPool, Registry: reg}

	// Access flags, this_class, super_class
	if cf.AccessFlags, err = d.u2("access flags"); err != nil {
		return nil, err
	}
	off := d.off
	if cf.ThisClass, err = d.u2("this_class"); err != nil {
		return nil, err
	}
	if _, err := cf.ConstantPool.ClassName(cf.ThisClass); err != nil {
		return nil, &FormatError{Offset: off, Msg: "this_class", Err: err}
	}
	off = d.off
	if cf.SuperClass, err = d.u2("super_class"); err != nil {
		return nil, err
	}
	if cf.SuperClass != 0 {
		if _, err := cf.ConstantPool.ClassName(cf.SuperClass); err != nil {
			return nil, &FormatError{Offset: off, Msg: "super_class", Err: err}
		}
	}

	// Interfaces
	off = d.off
	if cf.Interfaces, err = d.u2s("interface"); err != nil {
		return nil, err
	}
	if _, err := cf.InterfaceNames(); err != nil {
		return nil, &FormatError{Offset: off, Msg: "interfaces", Err: err}
	}

	// Fields
	fieldsCount, err := d.u2("fields count")
	if err != nil {
		return nil, err
	}
	cf.Fields = make([]*FieldInfo, 0, fieldsCount)
	for i := uint16(0); i < fieldsCount; i++ {
		f := &FieldInfo{}
		if err := parseMember(d, ctx, fmt.Sprintf("field %d", i), &f.AccessFlags, &f.NameIndex, &f.DescriptorIndex, &f.Name, &f.Descriptor, &f.Attributes); err != nil {
			return nil, err
		}
		cf.Fields = append(cf.Fields, f)
	}

	// Methods
	methodsCount, err := d.u2("methods count")
	if err != nil {
		return nil, err
	}
	cf.Methods = make([]*MethodInfo, 0, methodsCount)
	for i := uint16(0); i < methodsCount; i++ {
		m := &MethodInfo{}
		if err := parseMember(d, ctx, fmt.Sprintf("method %d", i), &m.AccessFlags, &m.NameIndex, &m.DescriptorIndex, &m.Name, &m.Descriptor, &m.Attributes); err != nil {
			return nil, err
		}
		cf.Methods = append(cf.Methods, m)
	}

	// Class-level attributes
	if cf.Attributes, err = parseAttributes(d, ctx, "class"); err != nil {
		return nil, err
	}

	if !d.atEOF() {
		return nil, d.errorf("extra bytes at end of class file")
	}
	return cf, nil
}

func parseMember(d *decoder, ctx *AttributeContext, what string, access, nameIndex, descIndex *uint16, name, desc *string, attrs *[]*Attribute) error {
	var err error
	if *access, err = d.u2(what + " access flags"); err != nil {
		return err
	}
	off := d.off
	if *nameIndex, err = d.u2(what + " name index"); err != nil {
		return err
	}
	if *name, err = ctx.Pool.Utf8(*nameIndex); err != nil {
		return &FormatError{Offset: off, Msg: "resolving " + what + " name", Err: err}
	}
	off = d.off
	if *descIndex, err = d.u2(what + " descriptor index"); err != nil {
		return err
	}
	if *desc, err = ctx.Pool.Utf8(*descIndex); err != nil {
		return &FormatError{Offset: off, Msg: "resolving " + what + " descriptor", Err: err}
	}
	if *attrs, err = parseAttributes(d, ctx, *name); err != nil {
		return err
	}
	return nil
}
