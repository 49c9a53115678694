// Package cftest assembles class files byte by byte for tests. It shares no
// code with the classfile writer, so round-trip tests compare against an
// independent encoding.
package cftest

import (
	"encoding/binary"
	"math"
)

const (
	tagUtf8               = 1
	tagInteger            = 3
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
)

// Attr is a raw attribute.
type Attr struct {
	Name string
	Data []byte
}

// Handler is an exception table entry; CatchType is a class name or "".
type Handler struct {
	Start, End, Handler uint16
	CatchType           string
}

// Code is the content of a Code attribute.
type Code struct {
	MaxStack  uint16
	MaxLocals uint16
	Code      []byte
	Handlers  []Handler
	Attrs     []Attr
}

type member struct {
	access     uint16
	name, desc uint16
	attrs      []Attr
	code       *Code
}

// Builder accumulates a class file.
type Builder struct {
	Major, Minor uint16
	Access       uint16

	pool       []byte
	next       uint16
	keys       map[string]uint16
	this       uint16
	super      uint16
	interfaces []uint16
	fields     []member
	methods    []member
	attrs      []Attr
}

// NewClass starts a class named name extending super ("" for none).
func NewClass(name, super string) *Builder {
	b := &Builder{Major: 52, Access: 0x0021, next: 1, keys: map[string]uint16{}}
	b.this = b.Class(name)
	if super != "" {
		b.super = b.Class(super)
	}
	return b
}

func (b *Builder) add(key string, slots uint16, entry []byte) uint16 {
	if i, ok := b.keys[key]; ok {
		return i
	}
	i := b.next
	b.next += slots
	b.pool = append(b.pool, entry...)
	b.keys[key] = i
	return i
}

func u2(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

func entry(tag byte, parts ...[]byte) []byte {
	out := []byte{tag}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Utf8 returns the index of a Utf8 entry.
func (b *Builder) Utf8(s string) uint16 {
	return b.add("u:"+s, 1, entry(tagUtf8, u2(uint16(len(s))), []byte(s)))
}

// RawUtf8 appends a Utf8 entry even when an equal one exists.
func (b *Builder) RawUtf8(s string) uint16 {
	i := b.next
	b.next++
	b.pool = append(b.pool, entry(tagUtf8, u2(uint16(len(s))), []byte(s))...)
	return i
}

// Class returns the index of a Class entry.
func (b *Builder) Class(name string) uint16 {
	n := b.Utf8(name)
	return b.add("c:"+name, 1, entry(tagClass, u2(n)))
}

// String returns the index of a String entry.
func (b *Builder) String(s string) uint16 {
	n := b.Utf8(s)
	return b.add("s:"+s, 1, entry(tagString, u2(n)))
}

// Integer returns the index of an Integer entry.
func (b *Builder) Integer(v int32) uint16 {
	return b.add("i:"+string(u4(uint32(v))), 1, entry(tagInteger, u4(uint32(v))))
}

// Long returns the index of a Long entry.
func (b *Builder) Long(v int64) uint16 {
	raw := binary.BigEndian.AppendUint64(nil, uint64(v))
	return b.add("j:"+string(raw), 2, entry(tagLong, raw))
}

// Double returns the index of a Double entry holding the given bits.
func (b *Builder) Double(v float64) uint16 {
	raw := binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
	return b.add("d:"+string(raw), 2, entry(tagDouble, raw))
}

// NameAndType returns the index of a NameAndType entry.
func (b *Builder) NameAndType(name, desc string) uint16 {
	n, d := b.Utf8(name), b.Utf8(desc)
	return b.add("nt:"+name+":"+desc, 1, entry(tagNameAndType, u2(n), u2(d)))
}

func (b *Builder) ref(tag byte, class, name, desc string) uint16 {
	c, nt := b.Class(class), b.NameAndType(name, desc)
	return b.add(string(rune('0'+tag))+":"+class+"."+name+":"+desc, 1, entry(tag, u2(c), u2(nt)))
}

// Fieldref returns the index of a Fieldref entry.
func (b *Builder) Fieldref(class, name, desc string) uint16 {
	return b.ref(tagFieldref, class, name, desc)
}

// Methodref returns the index of a Methodref entry.
func (b *Builder) Methodref(class, name, desc string) uint16 {
	return b.ref(tagMethodref, class, name, desc)
}

// InterfaceMethodref returns the index of an InterfaceMethodref entry.
func (b *Builder) InterfaceMethodref(class, name, desc string) uint16 {
	return b.ref(tagInterfaceMethodref, class, name, desc)
}

// Interface adds a superinterface.
func (b *Builder) Interface(name string) *Builder {
	b.interfaces = append(b.interfaces, b.Class(name))
	return b
}

// Field adds a field.
func (b *Builder) Field(access uint16, name, desc string, attrs ...Attr) *Builder {
	b.fields = append(b.fields, member{access: access, name: b.Utf8(name), desc: b.Utf8(desc), attrs: attrs})
	return b
}

// Method adds a method; code may be nil for abstract methods.
func (b *Builder) Method(access uint16, name, desc string, code *Code, attrs ...Attr) *Builder {
	b.methods = append(b.methods, member{access: access, name: b.Utf8(name), desc: b.Utf8(desc), code: code, attrs: attrs})
	return b
}

// Attribute adds a class attribute.
func (b *Builder) Attribute(a Attr) *Builder {
	b.attrs = append(b.attrs, a)
	return b
}

func u4(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func (b *Builder) attributes(attrs []Attr) []byte {
	out := u2(uint16(len(attrs)))
	for _, a := range attrs {
		out = append(out, u2(b.Utf8(a.Name))...)
		out = append(out, u4(uint32(len(a.Data)))...)
		out = append(out, a.Data...)
	}
	return out
}

func (b *Builder) codeAttr(c *Code) Attr {
	data := append(u2(c.MaxStack), u2(c.MaxLocals)...)
	data = append(data, u4(uint32(len(c.Code)))...)
	data = append(data, c.Code...)
	data = append(data, u2(uint16(len(c.Handlers)))...)
	for _, h := range c.Handlers {
		var catch uint16
		if h.CatchType != "" {
			catch = b.Class(h.CatchType)
		}
		data = append(data, u2(h.Start)...)
		data = append(data, u2(h.End)...)
		data = append(data, u2(h.Handler)...)
		data = append(data, u2(catch)...)
	}
	data = append(data, b.attributes(c.Attrs)...)
	return Attr{Name: "Code", Data: data}
}

func (b *Builder) members(ms []member) []byte {
	out := u2(uint16(len(ms)))
	for _, m := range ms {
		attrs := m.attrs
		if m.code != nil {
			attrs = append([]Attr{b.codeAttr(m.code)}, attrs...)
		}
		out = append(out, u2(m.access)...)
		out = append(out, u2(m.name)...)
		out = append(out, u2(m.desc)...)
		out = append(out, b.attributes(attrs)...)
	}
	return out
}

// Bytes encodes the class. Attribute names are interned while encoding the
// body, so the pool is emitted last.
func (b *Builder) Bytes() []byte {
	var body []byte
	body = append(body, u2(b.Access)...)
	body = append(body, u2(b.this)...)
	body = append(body, u2(b.super)...)
	body = append(body, u2(uint16(len(b.interfaces)))...)
	for _, i := range b.interfaces {
		body = append(body, u2(i)...)
	}
	body = append(body, b.members(b.fields)...)
	body = append(body, b.members(b.methods)...)
	body = append(body, b.attributes(b.attrs)...)

	out := u4(0xCAFEBABE)
	out = append(out, u2(b.Minor)...)
	out = append(out, u2(b.Major)...)
	out = append(out, u2(b.next)...)
	out = append(out, b.pool...)
	return append(out, body...)
}

// LineNumbers encodes a LineNumberTable from start_pc/line pairs.
func LineNumbers(pairs ...uint16) Attr {
	data := u2(uint16(len(pairs) / 2))
	for _, v := range pairs {
		data = append(data, u2(v)...)
	}
	return Attr{Name: "LineNumberTable", Data: data}
}

// LocalVar is one LocalVariableTable row.
type LocalVar struct {
	Start, Length uint16
	Name, Desc    string
	Slot          uint16
}

// LocalVars encodes a LocalVariableTable.
func (b *Builder) LocalVars(vars ...LocalVar) Attr {
	data := u2(uint16(len(vars)))
	for _, v := range vars {
		data = append(data, u2(v.Start)...)
		data = append(data, u2(v.Length)...)
		data = append(data, u2(b.Utf8(v.Name))...)
		data = append(data, u2(b.Utf8(v.Desc))...)
		data = append(data, u2(v.Slot)...)
	}
	return Attr{Name: "LocalVariableTable", Data: data}
}

// StackMap encodes a StackMapTable from pre-encoded frames.
func StackMap(frames ...[]byte) Attr {
	data := u2(uint16(len(frames)))
	for _, f := range frames {
		data = append(data, f...)
	}
	return Attr{Name: "StackMapTable", Data: data}
}

// ObjectType encodes an Object verification type.
func (b *Builder) ObjectType(class string) []byte {
	return append([]byte{7}, u2(b.Class(class))...)
}
