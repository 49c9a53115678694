package classfile

import (
	"fmt"
	"math"

	"github.com/daimatz/goenhance/pkg/bytecode"
)

// ExceptionHandler represents an entry in the exception table.
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// CodeAttribute represents the Code attribute of a method.
type CodeAttribute struct {
	MaxStack          uint16
	MaxLocals         uint16
	Code              []byte
	ExceptionHandlers []ExceptionHandler
	Attributes        []*Attribute
}

// FindAttribute returns the first nested attribute named name.
func (c *CodeAttribute) FindAttribute(name string) *Attribute {
	return findAttribute(c.Attributes, name)
}

func decodeCode(data []byte, ctx *AttributeContext) (AttributeValue, error) {
	d := newSliceDecoder(data, ctx.Offset)
	c := &CodeAttribute{}
	var err error
	if c.MaxStack, err = d.u2("max_stack"); err != nil {
		return nil, err
	}
	if c.MaxLocals, err = d.u2("max_locals"); err != nil {
		return nil, err
	}
	n, err := d.u4("code_length")
	if err != nil {
		return nil, err
	}
	if n == 0 || n > math.MaxUint16 {
		return nil, d.errorf("invalid code_length %d", n)
	}
	if c.Code, err = d.bytes(int(n), "code"); err != nil {
		return nil, err
	}
	count, err := d.u2("exception_table_length")
	if err != nil {
		return nil, err
	}
	c.ExceptionHandlers = make([]ExceptionHandler, count)
	for i := range c.ExceptionHandlers {
		h := &c.ExceptionHandlers[i]
		for _, p := range []*uint16{&h.StartPC, &h.EndPC, &h.HandlerPC, &h.CatchType} {
			if *p, err = d.u2(fmt.Sprintf("exception table entry %d", i)); err != nil {
				return nil, err
			}
		}
	}
	if c.Attributes, err = parseAttributes(d, ctx, "Code"); err != nil {
		return nil, err
	}
	if err := d.expectEnd(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CodeAttribute) MarshalAttribute(cp *ConstantPool) ([]byte, error) {
	var e encoder
	e.u2(c.MaxStack)
	e.u2(c.MaxLocals)
	e.u4(uint32(len(c.Code)))
	e.raw(c.Code)
	e.u2(uint16(len(c.ExceptionHandlers)))
	for _, h := range c.ExceptionHandlers {
		e.u2(h.StartPC)
		e.u2(h.EndPC)
		e.u2(h.HandlerPC)
		e.u2(h.CatchType)
	}
	if err := writeAttributes(&e, cp, c.Attributes); err != nil {
		return nil, err
	}
	return e.b, nil
}

// Relocatable is implemented by Code sub-attributes that hold bytecode
// offsets.
type Relocatable interface {
	Relocate(m *bytecode.PCMap) error
}

// ApplyEdits rewrites the code array and relocates everything that refers
// to code offsets: the exception table and the relocatable nested
// attributes. Opaque nested attributes cannot be relocated; when offsets
// move they are dropped and their names returned.
func (c *CodeAttribute) ApplyEdits(edits []bytecode.Edit) (dropped []string, err error) {
	code, m, err := bytecode.Apply(c.Code, edits)
	if err != nil {
		return nil, err
	}
	if len(code) > math.MaxUint16 {
		return nil, fmt.Errorf("code length %d exceeds 65535", len(code))
	}
	if m.IsIdentity() {
		c.Code = code
		return nil, nil
	}

	handlers := make([]ExceptionHandler, len(c.ExceptionHandlers))
	for i, h := range c.ExceptionHandlers {
		nh := h
		for _, p := range []*uint16{&nh.StartPC, &nh.EndPC, &nh.HandlerPC} {
			if *p, err = mapPC(m, int(*p)); err != nil {
				return nil, fmt.Errorf("exception table entry %d: %w", i, err)
			}
		}
		handlers[i] = nh
	}

	kept := c.Attributes[:0:0]
	for _, a := range c.Attributes {
		r, ok := a.Value.(Relocatable)
		if !ok {
			dropped = append(dropped, a.Name)
			continue
		}
		if err := r.Relocate(m); err != nil {
			return nil, fmt.Errorf("relocating %s: %w", a.Name, err)
		}
		kept = append(kept, a)
	}

	c.Code = code
	c.ExceptionHandlers = handlers
	c.Attributes = kept
	return dropped, nil
}

func mapPC(m *bytecode.PCMap, pc int) (uint16, error) {
	n, ok := m.Map(pc)
	if !ok {
		return 0, &FormatError{Offset: -1, Msg: fmt.Sprintf("code offset %d", pc), Err: bytecode.ErrNotBoundary}
	}
	return uint16(n), nil
}
