package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// maxPoolSlots is the largest constant_pool_count value.
const maxPoolSlots = math.MaxUint16

var tagNames = map[uint8]string{
	TagUtf8:               "Utf8",
	TagInteger:            "Integer",
	TagFloat:              "Float",
	TagLong:               "Long",
	TagDouble:             "Double",
	TagClass:              "Class",
	TagString:             "String",
	TagFieldref:           "Fieldref",
	TagMethodref:          "Methodref",
	TagInterfaceMethodref: "InterfaceMethodref",
	TagNameAndType:        "NameAndType",
	TagMethodHandle:       "MethodHandle",
	TagMethodType:         "MethodType",
	TagDynamic:            "Dynamic",
	TagInvokeDynamic:      "InvokeDynamic",
	TagModule:             "Module",
	TagPackage:            "Package",
}

// TagName returns the name of a constant pool tag.
func TagName(tag uint8) string {
	if n, ok := tagNames[tag]; ok {
		return n
	}
	return fmt.Sprintf("tag(%d)", tag)
}

// poolKey identifies an entry by value for deduplication.
type poolKey struct {
	tag  uint8
	s    string
	a, b uint16
	x    uint64
}

func keyOf(e ConstantPoolEntry) poolKey {
	k := poolKey{tag: e.Tag()}
	switch c := e.(type) {
	case *ConstantUtf8:
		k.s = c.Value
	case *ConstantInteger:
		k.x = uint64(uint32(c.Value))
	case *ConstantFloat:
		k.x = uint64(c.Bits)
	case *ConstantLong:
		k.x = uint64(c.Value)
	case *ConstantDouble:
		k.x = c.Bits
	case *ConstantClass:
		k.a = c.NameIndex
	case *ConstantString:
		k.a = c.StringIndex
	case *ConstantFieldref:
		k.a, k.b = c.ClassIndex, c.NameAndTypeIndex
	case *ConstantMethodref:
		k.a, k.b = c.ClassIndex, c.NameAndTypeIndex
	case *ConstantInterfaceMethodref:
		k.a, k.b = c.ClassIndex, c.NameAndTypeIndex
	case *ConstantNameAndType:
		k.a, k.b = c.NameIndex, c.DescriptorIndex
	case *ConstantMethodHandle:
		k.a, k.b = uint16(c.ReferenceKind), c.ReferenceIndex
	case *ConstantMethodType:
		k.a = c.DescriptorIndex
	case *ConstantDynamic:
		k.a, k.b = c.BootstrapMethodAttrIndex, c.NameAndTypeIndex
	case *ConstantInvokeDynamic:
		k.a, k.b = c.BootstrapMethodAttrIndex, c.NameAndTypeIndex
	case *ConstantModule:
		k.a = c.NameIndex
	case *ConstantPackage:
		k.a = c.NameIndex
	}
	return k
}

// width returns the number of slots an entry occupies.
func width(e ConstantPoolEntry) int {
	if t := e.Tag(); t == TagLong || t == TagDouble {
		return 2
	}
	return 1
}

// ConstantPool is the 1-based constant pool of a class. Entries are never
// removed or renumbered; insertion returns the index of an existing entry
// with the same value when there is one.
type ConstantPool struct {
	entries []ConstantPoolEntry // entries[0] and the upper slot of long/double are nil
	index   map[poolKey]uint16
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{
		entries: make([]ConstantPoolEntry, 1),
		index:   make(map[poolKey]uint16),
	}
}

// Count returns the constant_pool_count value: one more than the highest
// usable index.
func (cp *ConstantPool) Count() int {
	return len(cp.entries)
}

// Entry returns the entry at index, or nil for index 0, the upper slot of a
// long or double, and out-of-range indices.
func (cp *ConstantPool) Entry(index uint16) ConstantPoolEntry {
	if int(index) >= len(cp.entries) {
		return nil
	}
	return cp.entries[index]
}

// load appends an entry read from a class file. Duplicate values are kept;
// the first occurrence is the one insertion will find.
func (cp *ConstantPool) load(e ConstantPoolEntry) uint16 {
	i := uint16(len(cp.entries))
	cp.entries = append(cp.entries, e)
	if width(e) == 2 {
		cp.entries = append(cp.entries, nil)
	}
	k := keyOf(e)
	if _, ok := cp.index[k]; !ok {
		cp.index[k] = i
	}
	return i
}

// Insert adds e unless an entry with the same value exists, and returns the
// index of the entry. References held by e must already be valid.
func (cp *ConstantPool) Insert(e ConstantPoolEntry) (uint16, error) {
	k := keyOf(e)
	if i, ok := cp.index[k]; ok {
		return i, nil
	}
	if len(cp.entries)+width(e) > maxPoolSlots {
		return 0, ErrPoolOverflow
	}
	if err := cp.link(e); err != nil {
		return 0, err
	}
	return cp.load(e), nil
}

// Resolve links every entry to the entries it references. It reports
// dangling or mistyped references as a FormatError.
func (cp *ConstantPool) Resolve() error {
	for i, e := range cp.entries {
		if e == nil {
			continue
		}
		if err := cp.link(e); err != nil {
			return fmt.Errorf("constant pool entry %d (%s): %w", i, TagName(e.Tag()), err)
		}
	}
	return nil
}

func (cp *ConstantPool) link(e ConstantPoolEntry) error {
	var err error
	switch c := e.(type) {
	case *ConstantClass:
		c.name, err = cp.utf8Entry(c.NameIndex)
	case *ConstantString:
		c.value, err = cp.utf8Entry(c.StringIndex)
	case *ConstantFieldref:
		err = cp.linkRef(&c.memberRef)
	case *ConstantMethodref:
		err = cp.linkRef(&c.memberRef)
	case *ConstantInterfaceMethodref:
		err = cp.linkRef(&c.memberRef)
	case *ConstantNameAndType:
		if c.name, err = cp.utf8Entry(c.NameIndex); err == nil {
			c.desc, err = cp.utf8Entry(c.DescriptorIndex)
		}
	case *ConstantMethodHandle:
		if c.ReferenceKind < 1 || c.ReferenceKind > 9 {
			return formatErrorf("invalid method handle kind %d", c.ReferenceKind)
		}
		var ref ConstantPoolEntry
		if ref, err = cp.any(c.ReferenceIndex); err == nil {
			switch ref.Tag() {
			case TagFieldref, TagMethodref, TagInterfaceMethodref:
				c.ref = ref
			default:
				err = formatErrorf("method handle references %s", TagName(ref.Tag()))
			}
		}
	case *ConstantMethodType:
		c.desc, err = cp.utf8Entry(c.DescriptorIndex)
	case *ConstantDynamic:
		c.nat, err = cp.natEntry(c.NameAndTypeIndex)
	case *ConstantInvokeDynamic:
		c.nat, err = cp.natEntry(c.NameAndTypeIndex)
	case *ConstantModule:
		c.name, err = cp.utf8Entry(c.NameIndex)
	case *ConstantPackage:
		c.name, err = cp.utf8Entry(c.NameIndex)
	}
	return err
}

func (cp *ConstantPool) linkRef(r *memberRef) error {
	e, err := cp.Lookup(r.ClassIndex, TagClass)
	if err != nil {
		return err
	}
	r.class = e.(*ConstantClass)
	r.nat, err = cp.natEntry(r.NameAndTypeIndex)
	return err
}

func (cp *ConstantPool) any(index uint16) (ConstantPoolEntry, error) {
	e := cp.Entry(index)
	if e == nil {
		return nil, formatErrorf("invalid constant pool index %d", index)
	}
	return e, nil
}

// Lookup returns the entry at index, checking that it carries tag.
func (cp *ConstantPool) Lookup(index uint16, tag uint8) (ConstantPoolEntry, error) {
	e, err := cp.any(index)
	if err != nil {
		return nil, err
	}
	if e.Tag() != tag {
		return nil, formatErrorf("constant pool index %d is %s, want %s", index, TagName(e.Tag()), TagName(tag))
	}
	return e, nil
}

func (cp *ConstantPool) utf8Entry(index uint16) (*ConstantUtf8, error) {
	e, err := cp.Lookup(index, TagUtf8)
	if err != nil {
		return nil, err
	}
	return e.(*ConstantUtf8), nil
}

func (cp *ConstantPool) natEntry(index uint16) (*ConstantNameAndType, error) {
	e, err := cp.Lookup(index, TagNameAndType)
	if err != nil {
		return nil, err
	}
	nat := e.(*ConstantNameAndType)
	if nat.name == nil {
		if err := cp.link(nat); err != nil {
			return nil, err
		}
	}
	return nat, nil
}

// Utf8 returns the string at a Utf8 index.
func (cp *ConstantPool) Utf8(index uint16) (string, error) {
	e, err := cp.utf8Entry(index)
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// ClassName returns the internal name referenced by a Class entry.
func (cp *ConstantPool) ClassName(index uint16) (string, error) {
	e, err := cp.Lookup(index, TagClass)
	if err != nil {
		return "", err
	}
	c := e.(*ConstantClass)
	if c.name == nil {
		return cp.Utf8(c.NameIndex)
	}
	return c.name.Value, nil
}

// NameAndType returns the name and descriptor of a NameAndType entry.
func (cp *ConstantPool) NameAndType(index uint16) (name, descriptor string, err error) {
	nat, err := cp.natEntry(index)
	if err != nil {
		return "", "", err
	}
	return nat.Name(), nat.Descriptor(), nil
}

// MemberRefInfo holds a resolved field or method reference.
type MemberRefInfo struct {
	Tag        uint8
	ClassName  string
	Name       string
	Descriptor string
}

// MemberRef resolves a Fieldref, Methodref or InterfaceMethodref entry.
func (cp *ConstantPool) MemberRef(index uint16) (*MemberRefInfo, error) {
	e, err := cp.any(index)
	if err != nil {
		return nil, err
	}
	var r *memberRef
	switch c := e.(type) {
	case *ConstantFieldref:
		r = &c.memberRef
	case *ConstantMethodref:
		r = &c.memberRef
	case *ConstantInterfaceMethodref:
		r = &c.memberRef
	default:
		return nil, formatErrorf("constant pool index %d is %s, want a member reference", index, TagName(e.Tag()))
	}
	if r.class == nil || r.nat == nil {
		if err := cp.linkRef(r); err != nil {
			return nil, err
		}
	}
	return &MemberRefInfo{
		Tag:        e.Tag(),
		ClassName:  r.ClassName(),
		Name:       r.Name(),
		Descriptor: r.Descriptor(),
	}, nil
}

// ResolveFieldref resolves a Fieldref entry.
func (cp *ConstantPool) ResolveFieldref(index uint16) (*MemberRefInfo, error) {
	if _, err := cp.Lookup(index, TagFieldref); err != nil {
		return nil, err
	}
	return cp.MemberRef(index)
}

// AddUtf8 returns the index of a Utf8 entry holding s.
func (cp *ConstantPool) AddUtf8(s string) (uint16, error) {
	if len(s) > math.MaxUint16 {
		return 0, fmt.Errorf("utf8 constant of %d bytes is too long", len(s))
	}
	return cp.Insert(&ConstantUtf8{Value: s})
}

// AddClass returns the index of a Class entry naming name.
func (cp *ConstantPool) AddClass(name string) (uint16, error) {
	n, err := cp.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	return cp.Insert(&ConstantClass{NameIndex: n})
}

// AddString returns the index of a String entry for s.
func (cp *ConstantPool) AddString(s string) (uint16, error) {
	n, err := cp.AddUtf8(s)
	if err != nil {
		return 0, err
	}
	return cp.Insert(&ConstantString{StringIndex: n})
}

// AddInteger returns the index of an Integer entry.
func (cp *ConstantPool) AddInteger(v int32) (uint16, error) {
	return cp.Insert(&ConstantInteger{Value: v})
}

// AddLong returns the index of a Long entry.
func (cp *ConstantPool) AddLong(v int64) (uint16, error) {
	return cp.Insert(&ConstantLong{Value: v})
}

// AddFloat returns the index of a Float entry with the bit pattern of v.
func (cp *ConstantPool) AddFloat(v float32) (uint16, error) {
	return cp.Insert(&ConstantFloat{Bits: math.Float32bits(v)})
}

// AddDouble returns the index of a Double entry with the bit pattern of v.
func (cp *ConstantPool) AddDouble(v float64) (uint16, error) {
	return cp.Insert(&ConstantDouble{Bits: math.Float64bits(v)})
}

// AddNameAndType returns the index of a NameAndType entry.
func (cp *ConstantPool) AddNameAndType(name, descriptor string) (uint16, error) {
	n, err := cp.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	d, err := cp.AddUtf8(descriptor)
	if err != nil {
		return 0, err
	}
	return cp.Insert(&ConstantNameAndType{NameIndex: n, DescriptorIndex: d})
}

func (cp *ConstantPool) refParts(class, name, descriptor string) (memberRef, error) {
	c, err := cp.AddClass(class)
	if err != nil {
		return memberRef{}, err
	}
	nat, err := cp.AddNameAndType(name, descriptor)
	if err != nil {
		return memberRef{}, err
	}
	return memberRef{ClassIndex: c, NameAndTypeIndex: nat}, nil
}

// AddFieldref returns the index of a Fieldref entry.
func (cp *ConstantPool) AddFieldref(class, name, descriptor string) (uint16, error) {
	r, err := cp.refParts(class, name, descriptor)
	if err != nil {
		return 0, err
	}
	return cp.Insert(&ConstantFieldref{r})
}

// AddMethodref returns the index of a Methodref entry.
func (cp *ConstantPool) AddMethodref(class, name, descriptor string) (uint16, error) {
	r, err := cp.refParts(class, name, descriptor)
	if err != nil {
		return 0, err
	}
	return cp.Insert(&ConstantMethodref{r})
}

// AddInterfaceMethodref returns the index of an InterfaceMethodref entry.
func (cp *ConstantPool) AddInterfaceMethodref(class, name, descriptor string) (uint16, error) {
	r, err := cp.refParts(class, name, descriptor)
	if err != nil {
		return 0, err
	}
	return cp.Insert(&ConstantInterfaceMethodref{r})
}

// parseConstantPool reads constant_pool_count-1 slots from d.
func parseConstantPool(d *decoder, count uint16) (*ConstantPool, error) {
	if count == 0 {
		return nil, d.errorf("constant pool count is 0")
	}
	cp := &ConstantPool{
		entries: make([]ConstantPoolEntry, 1, count),
		index:   make(map[poolKey]uint16, count),
	}
	for len(cp.entries) < int(count) {
		i := len(cp.entries)
		tag, err := d.u1(fmt.Sprintf("constant pool tag at index %d", i))
		if err != nil {
			return nil, err
		}
		e, err := parseEntry(d, tag, i)
		if err != nil {
			return nil, err
		}
		if width(e) == 2 && i+1 >= int(count) {
			return nil, d.errorf("%s at index %d overruns the constant pool", TagName(tag), i)
		}
		cp.load(e)
	}
	if err := cp.Resolve(); err != nil {
		return nil, err
	}
	return cp, nil
}

func parseEntry(d *decoder, tag uint8, i int) (ConstantPoolEntry, error) {
	what := fmt.Sprintf("%s at index %d", TagName(tag), i)
	u2pair := func() (uint16, uint16, error) {
		a, err := d.u2(what)
		if err != nil {
			return 0, 0, err
		}
		b, err := d.u2(what)
		return a, b, err
	}

	switch tag {
	case TagUtf8:
		n, err := d.u2(what)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(int(n), what)
		if err != nil {
			return nil, err
		}
		return &ConstantUtf8{Value: string(b)}, nil
	case TagInteger:
		v, err := d.u4(what)
		return &ConstantInteger{Value: int32(v)}, err
	case TagFloat:
		v, err := d.u4(what)
		return &ConstantFloat{Bits: v}, err
	case TagLong:
		v, err := d.u8(what)
		return &ConstantLong{Value: int64(v)}, err
	case TagDouble:
		v, err := d.u8(what)
		return &ConstantDouble{Bits: v}, err
	case TagClass:
		v, err := d.u2(what)
		return &ConstantClass{NameIndex: v}, err
	case TagString:
		v, err := d.u2(what)
		return &ConstantString{StringIndex: v}, err
	case TagFieldref:
		a, b, err := u2pair()
		return &ConstantFieldref{memberRef{ClassIndex: a, NameAndTypeIndex: b}}, err
	case TagMethodref:
		a, b, err := u2pair()
		return &ConstantMethodref{memberRef{ClassIndex: a, NameAndTypeIndex: b}}, err
	case TagInterfaceMethodref:
		a, b, err := u2pair()
		return &ConstantInterfaceMethodref{memberRef{ClassIndex: a, NameAndTypeIndex: b}}, err
	case TagNameAndType:
		a, b, err := u2pair()
		return &ConstantNameAndType{NameIndex: a, DescriptorIndex: b}, err
	case TagMethodHandle:
		kind, err := d.u1(what)
		if err != nil {
			return nil, err
		}
		ref, err := d.u2(what)
		return &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: ref}, err
	case TagMethodType:
		v, err := d.u2(what)
		return &ConstantMethodType{DescriptorIndex: v}, err
	case TagDynamic:
		a, b, err := u2pair()
		return &ConstantDynamic{BootstrapMethodAttrIndex: a, NameAndTypeIndex: b}, err
	case TagInvokeDynamic:
		a, b, err := u2pair()
		return &ConstantInvokeDynamic{BootstrapMethodAttrIndex: a, NameAndTypeIndex: b}, err
	case TagModule:
		v, err := d.u2(what)
		return &ConstantModule{NameIndex: v}, err
	case TagPackage:
		v, err := d.u2(what)
		return &ConstantPackage{NameIndex: v}, err
	}
	return nil, &FormatError{Offset: d.off - 1, Msg: fmt.Sprintf("unknown constant pool tag %d at index %d", tag, i)}
}

func writeConstantPool(e *encoder, cp *ConstantPool) {
	e.u2(uint16(len(cp.entries)))
	for _, entry := range cp.entries {
		if entry == nil {
			continue
		}
		e.u1(entry.Tag())
		switch c := entry.(type) {
		case *ConstantUtf8:
			e.u2(uint16(len(c.Value)))
			e.raw([]byte(c.Value))
		case *ConstantInteger:
			e.u4(uint32(c.Value))
		case *ConstantFloat:
			e.u4(c.Bits)
		case *ConstantLong:
			e.u8(uint64(c.Value))
		case *ConstantDouble:
			e.u8(c.Bits)
		case *ConstantClass:
			e.u2(c.NameIndex)
		case *ConstantString:
			e.u2(c.StringIndex)
		case *ConstantFieldref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantMethodref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantInterfaceMethodref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantNameAndType:
			e.u2(c.NameIndex)
			e.u2(c.DescriptorIndex)
		case *ConstantMethodHandle:
			e.u1(c.ReferenceKind)
			e.u2(c.ReferenceIndex)
		case *ConstantMethodType:
			e.u2(c.DescriptorIndex)
		case *ConstantDynamic:
			e.u2(c.BootstrapMethodAttrIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantInvokeDynamic:
			e.u2(c.BootstrapMethodAttrIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantModule:
			e.u2(c.NameIndex)
		case *ConstantPackage:
			e.u2(c.NameIndex)
		}
	}
}
