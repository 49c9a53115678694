package classfile

import (
	"fmt"

	"github.com/daimatz/goenhance/pkg/bytecode"
)

type LineNumber struct {
	StartPC uint16
	Line    uint16
}

// LineNumberTableAttribute maps code offsets to source lines.
type LineNumberTableAttribute struct {
	Entries []LineNumber
}

func decodeLineNumberTable(data []byte, ctx *AttributeContext) (AttributeValue, error) {
	d := newSliceDecoder(data, ctx.Offset)
	n, err := d.u2("line_number_table_length")
	if err != nil {
		return nil, err
	}
	a := &LineNumberTableAttribute{Entries: make([]LineNumber, n)}
	for i := range a.Entries {
		if a.Entries[i].StartPC, err = d.u2("line number start_pc"); err != nil {
			return nil, err
		}
		if a.Entries[i].Line, err = d.u2("line number"); err != nil {
			return nil, err
		}
	}
	if err := d.expectEnd(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *LineNumberTableAttribute) MarshalAttribute(*ConstantPool) ([]byte, error) {
	var e encoder
	e.u2(uint16(len(a.Entries)))
	for _, l := range a.Entries {
		e.u2(l.StartPC)
		e.u2(l.Line)
	}
	return e.b, nil
}

func (a *LineNumberTableAttribute) Relocate(m *bytecode.PCMap) error {
	for i := range a.Entries {
		pc, err := mapPC(m, int(a.Entries[i].StartPC))
		if err != nil {
			return fmt.Errorf("line number entry %d: %w", i, err)
		}
		a.Entries[i].StartPC = pc
	}
	return nil
}

// LocalVariable is one entry of a LocalVariableTable or
// LocalVariableTypeTable. DescriptorIndex holds the signature index for the
// latter.
type LocalVariable struct {
	StartPC         uint16
	Length          uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Index           uint16
}

// LocalVariableTableAttribute serves both LocalVariableTable and
// LocalVariableTypeTable, which share a layout.
type LocalVariableTableAttribute struct {
	Entries []LocalVariable
}

func decodeLocalVariableTable(data []byte, ctx *AttributeContext) (AttributeValue, error) {
	d := newSliceDecoder(data, ctx.Offset)
	n, err := d.u2("local_variable_table_length")
	if err != nil {
		return nil, err
	}
	a := &LocalVariableTableAttribute{Entries: make([]LocalVariable, n)}
	for i := range a.Entries {
		lv := &a.Entries[i]
		for _, p := range []*uint16{&lv.StartPC, &lv.Length, &lv.NameIndex, &lv.DescriptorIndex, &lv.Index} {
			if *p, err = d.u2(fmt.Sprintf("local variable entry %d", i)); err != nil {
				return nil, err
			}
		}
	}
	if err := d.expectEnd(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *LocalVariableTableAttribute) MarshalAttribute(*ConstantPool) ([]byte, error) {
	var e encoder
	e.u2(uint16(len(a.Entries)))
	for _, lv := range a.Entries {
		e.u2(lv.StartPC)
		e.u2(lv.Length)
		e.u2(lv.NameIndex)
		e.u2(lv.DescriptorIndex)
		e.u2(lv.Index)
	}
	return e.b, nil
}

// Relocate moves each range so that it still covers the same
// instructions.
func (a *LocalVariableTableAttribute) Relocate(m *bytecode.PCMap) error {
	for i := range a.Entries {
		lv := &a.Entries[i]
		start, err := mapPC(m, int(lv.StartPC))
		if err != nil {
			return fmt.Errorf("local variable entry %d start: %w", i, err)
		}
		end, err := mapPC(m, int(lv.StartPC)+int(lv.Length))
		if err != nil {
			return fmt.Errorf("local variable entry %d end: %w", i, err)
		}
		lv.StartPC, lv.Length = start, end-start
	}
	return nil
}
