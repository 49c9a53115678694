package classfile

import (
	"fmt"
	"math"
)

// Access flags
const (
	AccPublic       = 0x0001
	AccPrivate      = 0x0002
	AccProtected    = 0x0004
	AccStatic       = 0x0008
	AccFinal        = 0x0010
	AccSuper        = 0x0020
	AccSynchronized = 0x0020
	AccVolatile     = 0x0040
	AccBridge       = 0x0040
	AccTransient    = 0x0080
	AccVarargs      = 0x0080
	AccNative       = 0x0100
	AccInterface    = 0x0200
	AccAbstract     = 0x0400
	AccStrict       = 0x0800
	AccSynthetic    = 0x1000
	AccAnnotation   = 0x2000
	AccEnum         = 0x4000
	AccModule       = 0x8000

	// AccVisibility masks the visibility bits of a member.
	AccVisibility = AccPublic | AccPrivate | AccProtected
)

// Supported class file major versions.
const (
	MinMajorVersion = 45
	MaxMajorVersion = 71
)

// ClassFile represents a parsed .class file. Fields, methods and
// attributes keep the pool indices they were read with, so writing an
// unmodified ClassFile reproduces its input.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	ConstantPool *ConstantPool
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16
	Interfaces   []uint16
	Fields       []*FieldInfo
	Methods      []*MethodInfo
	Attributes   []*Attribute
}

// ClassName returns the internal name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return cf.ConstantPool.ClassName(cf.ThisClass)
}

// SuperClassName returns the internal name of the super class.
// Returns "" if this is java/lang/Object (SuperClass == 0).
func (cf *ClassFile) SuperClassName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	name, err := cf.ConstantPool.ClassName(cf.SuperClass)
	if err != nil {
		return ""
	}
	return name
}

// InterfaceNames returns the internal names of the direct superinterfaces.
func (cf *ClassFile) InterfaceNames() ([]string, error) {
	names := make([]string, 0, len(cf.Interfaces))
	for _, idx := range cf.Interfaces {
		n, err := cf.ConstantPool.ClassName(idx)
		if err != nil {
			return nil, fmt.Errorf("resolving interface: %w", err)
		}
		names = append(names, n)
	}
	return names, nil
}

// HasInterface reports whether name is a direct superinterface.
func (cf *ClassFile) HasInterface(name string) bool {
	names, err := cf.InterfaceNames()
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// AddInterface appends name to the superinterfaces unless already present.
// It reports whether the interface was added.
func (cf *ClassFile) AddInterface(name string) (bool, error) {
	if cf.HasInterface(name) {
		return false, nil
	}
	if len(cf.Interfaces) == math.MaxUint16 {
		return false, fmt.Errorf("too many interfaces")
	}
	idx, err := cf.ConstantPool.AddClass(name)
	if err != nil {
		return false, err
	}
	cf.Interfaces = append(cf.Interfaces, idx)
	return true, nil
}

// FindField finds a field by name.
func (cf *ClassFile) FindField(name string) *FieldInfo {
	for _, f := range cf.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// AddField appends a new field with no attributes.
func (cf *ClassFile) AddField(access uint16, name, descriptor string) (*FieldInfo, error) {
	if len(cf.Fields) == math.MaxUint16 {
		return nil, fmt.Errorf("too many fields")
	}
	n, d, err := cf.memberIndices(name, descriptor)
	if err != nil {
		return nil, err
	}
	f := &FieldInfo{AccessFlags: access, NameIndex: n, DescriptorIndex: d, Name: name, Descriptor: descriptor}
	cf.Fields = append(cf.Fields, f)
	return f, nil
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for _, m := range cf.Methods {
		if m.Name == name && m.Descriptor == descriptor {
			return m
		}
	}
	return nil
}

// FindMethodByName finds a method by name only (first match).
func (cf *ClassFile) FindMethodByName(name string) *MethodInfo {
	for _, m := range cf.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// AddMethod appends a new method. A non-nil code becomes its Code attribute.
func (cf *ClassFile) AddMethod(access uint16, name, descriptor string, code *CodeAttribute) (*MethodInfo, error) {
	if len(cf.Methods) == math.MaxUint16 {
		return nil, fmt.Errorf("too many methods")
	}
	n, d, err := cf.memberIndices(name, descriptor)
	if err != nil {
		return nil, err
	}
	m := &MethodInfo{AccessFlags: access, NameIndex: n, DescriptorIndex: d, Name: name, Descriptor: descriptor}
	if code != nil {
		attr, err := NewAttribute(cf.ConstantPool, AttrCode, code)
		if err != nil {
			return nil, err
		}
		m.Attributes = append(m.Attributes, attr)
	}
	cf.Methods = append(cf.Methods, m)
	return m, nil
}

func (cf *ClassFile) memberIndices(name, descriptor string) (uint16, uint16, error) {
	n, err := cf.ConstantPool.AddUtf8(name)
	if err != nil {
		return 0, 0, err
	}
	d, err := cf.ConstantPool.AddUtf8(descriptor)
	if err != nil {
		return 0, 0, err
	}
	return n, d, nil
}

// FindAttribute returns the first class attribute named name.
func (cf *ClassFile) FindAttribute(name string) *Attribute {
	return findAttribute(cf.Attributes, name)
}

// SetAttribute replaces the first class attribute named name, or appends
// one when there is none.
func (cf *ClassFile) SetAttribute(name string, v AttributeValue) error {
	if a := cf.FindAttribute(name); a != nil {
		a.Value = v
		return nil
	}
	a, err := NewAttribute(cf.ConstantPool, name, v)
	if err != nil {
		return err
	}
	cf.Attributes = append(cf.Attributes, a)
	return nil
}

func findAttribute(attrs []*Attribute, name string) *Attribute {
	for _, a := range attrs {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// ConstantPoolEntry is an interface implemented by all constant pool types.
type ConstantPoolEntry interface {
	Tag() uint8
}

type ConstantUtf8 struct {
	Value string
}

func (c *ConstantUtf8) Tag() uint8 { return TagUtf8 }

type ConstantInteger struct {
	Value int32
}

func (c *ConstantInteger) Tag() uint8 { return TagInteger }

// ConstantFloat keeps the raw bits so that NaN payloads survive a round trip.
type ConstantFloat struct {
	Bits uint32
}

func (c *ConstantFloat) Tag() uint8 { return TagFloat }

func (c *ConstantFloat) Value() float32 { return math.Float32frombits(c.Bits) }

type ConstantLong struct {
	Value int64
}

func (c *ConstantLong) Tag() uint8 { return TagLong }

// ConstantDouble keeps the raw bits so that NaN payloads survive a round trip.
type ConstantDouble struct {
	Bits uint64
}

func (c *ConstantDouble) Tag() uint8 { return TagDouble }

func (c *ConstantDouble) Value() float64 { return math.Float64frombits(c.Bits) }

type ConstantClass struct {
	NameIndex uint16
	name      *ConstantUtf8
}

func (c *ConstantClass) Tag() uint8 { return TagClass }

// Name returns the linked class name.
func (c *ConstantClass) Name() string {
	if c.name == nil {
		return ""
	}
	return c.name.Value
}

type ConstantString struct {
	StringIndex uint16
	value       *ConstantUtf8
}

func (c *ConstantString) Tag() uint8 { return TagString }

// Value returns the linked string value.
func (c *ConstantString) Value() string {
	if c.value == nil {
		return ""
	}
	return c.value.Value
}

// memberRef is the shared layout of field and method references.
type memberRef struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16
	class            *ConstantClass
	nat              *ConstantNameAndType
}

func (r *memberRef) ClassName() string {
	if r.class == nil {
		return ""
	}
	return r.class.Name()
}

func (r *memberRef) Name() string {
	if r.nat == nil {
		return ""
	}
	return r.nat.Name()
}

func (r *memberRef) Descriptor() string {
	if r.nat == nil {
		return ""
	}
	return r.nat.Descriptor()
}

type ConstantFieldref struct {
	memberRef
}

func (c *ConstantFieldref) Tag() uint8 { return TagFieldref }

type ConstantMethodref struct {
	memberRef
}

func (c *ConstantMethodref) Tag() uint8 { return TagMethodref }

type ConstantInterfaceMethodref struct {
	memberRef
}

func (c *ConstantInterfaceMethodref) Tag() uint8 { return TagInterfaceMethodref }

type ConstantNameAndType struct {
	NameIndex       uint16
	DescriptorIndex uint16
	name, desc      *ConstantUtf8
}

func (c *ConstantNameAndType) Tag() uint8 { return TagNameAndType }

func (c *ConstantNameAndType) Name() string {
	if c.name == nil {
		return ""
	}
	return c.name.Value
}

func (c *ConstantNameAndType) Descriptor() string {
	if c.desc == nil {
		return ""
	}
	return c.desc.Value
}

type ConstantMethodHandle struct {
	ReferenceKind  uint8
	ReferenceIndex uint16
	ref            ConstantPoolEntry
}

func (c *ConstantMethodHandle) Tag() uint8 { return TagMethodHandle }

type ConstantMethodType struct {
	DescriptorIndex uint16
	desc            *ConstantUtf8
}

func (c *ConstantMethodType) Tag() uint8 { return TagMethodType }

type ConstantDynamic struct {
	BootstrapMethodAttrIndex uint16
	NameAndTypeIndex         uint16
	nat                      *ConstantNameAndType
}

func (c *ConstantDynamic) Tag() uint8 { return TagDynamic }

type ConstantInvokeDynamic struct {
	BootstrapMethodAttrIndex uint16
	NameAndTypeIndex         uint16
	nat                      *ConstantNameAndType
}

func (c *ConstantInvokeDynamic) Tag() uint8 { return TagInvokeDynamic }

type ConstantModule struct {
	NameIndex uint16
	name      *ConstantUtf8
}

func (c *ConstantModule) Tag() uint8 { return TagModule }

type ConstantPackage struct {
	NameIndex uint16
	name      *ConstantUtf8
}

func (c *ConstantPackage) Tag() uint8 { return TagPackage }

// MethodInfo represents a method in a class file.
type MethodInfo struct {
	AccessFlags     uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Name            string
	Descriptor      string
	Attributes      []*Attribute
}

// Code returns the decoded Code attribute, or nil for abstract and native
// methods.
func (m *MethodInfo) Code() *CodeAttribute {
	if a := findAttribute(m.Attributes, AttrCode); a != nil {
		if c, ok := a.Value.(*CodeAttribute); ok {
			return c
		}
	}
	return nil
}

// FieldInfo represents a field in a class file.
type FieldInfo struct {
	AccessFlags     uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Name            string
	Descriptor      string
	Attributes      []*Attribute
}

// IsStatic reports whether the field is static.
func (f *FieldInfo) IsStatic() bool { return f.AccessFlags&AccStatic != 0 }
