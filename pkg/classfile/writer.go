package classfile

import (
	"fmt"
	"io"
)

// Bytes encodes the class file. Attribute lengths and counts are
// recomputed from the current contents.
func (cf *ClassFile) Bytes() ([]byte, error) {
	var e encoder
	e.u4(classMagic)
	e.u2(cf.MinorVersion)
	e.u2(cf.MajorVersion)
	writeConstantPool(&e, cf.ConstantPool)
	e.u2(cf.AccessFlags)
	e.u2(cf.ThisClass)
	e.u2(cf.SuperClass)
	e.u2s(cf.Interfaces)

	e.u2(uint16(len(cf.Fields)))
	for _, f := range cf.Fields {
		e.u2(f.AccessFlags)
		e.u2(f.NameIndex)
		e.u2(f.DescriptorIndex)
		if err := writeAttributes(&e, cf.ConstantPool, f.Attributes); err != nil {
			return nil, fmt.Errorf("writing field %s: %w", f.Name, err)
		}
	}

	e.u2(uint16(len(cf.Methods)))
	for _, m := range cf.Methods {
		e.u2(m.AccessFlags)
		e.u2(m.NameIndex)
		e.u2(m.DescriptorIndex)
		if err := writeAttributes(&e, cf.ConstantPool, m.Attributes); err != nil {
			return nil, fmt.Errorf("writing method %s%s: %w", m.Name, m.Descriptor, err)
		}
	}

	if err := writeAttributes(&e, cf.ConstantPool, cf.Attributes); err != nil {
		return nil, fmt.Errorf("writing class attributes: %w", err)
	}
	return e.b, nil
}

// WriteTo writes the encoded class file to w.
func (cf *ClassFile) WriteTo(w io.Writer) (int64, error) {
	b, err := cf.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}
