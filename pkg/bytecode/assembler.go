package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Label marks a position in code produced by an Assembler.
type Label struct {
	pc    int
	bound bool
}

// PC returns the bound offset of the label.
func (l *Label) PC() int { return l.pc }

type fixup struct {
	at    int // offset of the branch opcode
	label *Label
}

// Assembler builds a code array from instructions. Branches reference
// labels and are resolved by Bytes.
type Assembler struct {
	buf    []byte
	fixups []fixup
}

// PC returns the offset of the next emitted instruction.
func (a *Assembler) PC() int { return len(a.buf) }

// Op emits an instruction without operands.
func (a *Assembler) Op(op byte) {
	a.buf = append(a.buf, op)
}

// OpU8 emits an instruction with a one-byte operand.
func (a *Assembler) OpU8(op byte, v uint8) {
	a.buf = append(a.buf, op, v)
}

// OpU16 emits an instruction with a two-byte operand.
func (a *Assembler) OpU16(op byte, v uint16) {
	a.buf = binary.BigEndian.AppendUint16(append(a.buf, op), v)
}

// InvokeInterface emits invokeinterface with its argument slot count.
func (a *Assembler) InvokeInterface(index uint16, count uint8) {
	a.buf = append(binary.BigEndian.AppendUint16(append(a.buf, OpInvokeinterface), index), count, 0)
}

// PushInt emits the shortest constant push for v. Values outside the short
// range are not supported.
func (a *Assembler) PushInt(v int) error {
	switch {
	case v >= -1 && v <= 5:
		a.Op(byte(OpIconst0 + v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		a.OpU8(OpBipush, uint8(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		a.OpU16(OpSipush, uint16(int16(v)))
	default:
		return fmt.Errorf("constant %d out of short range", v)
	}
	return nil
}

// Ldc emits ldc, or ldc_w when the pool index does not fit in a byte.
func (a *Assembler) Ldc(index uint16) {
	if index <= math.MaxUint8 {
		a.OpU8(OpLdc, uint8(index))
		return
	}
	a.OpU16(OpLdcW, index)
}

// NewLabel creates an unbound label.
func (a *Assembler) NewLabel() *Label { return &Label{} }

// Bind binds l to the current position.
func (a *Assembler) Bind(l *Label) {
	l.pc = len(a.buf)
	l.bound = true
}

// Branch emits a 16-bit branch instruction to l.
func (a *Assembler) Branch(op byte, l *Label) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: l})
	a.buf = append(a.buf, op, 0, 0)
}

// Bytes resolves branches and returns the assembled code.
func (a *Assembler) Bytes() ([]byte, error) {
	for _, f := range a.fixups {
		if !f.label.bound {
			return nil, errors.New("branch to unbound label")
		}
		off := f.label.pc - f.at
		if off < math.MinInt16 || off > math.MaxInt16 {
			return nil, &DecodeError{PC: f.at, Err: ErrBranchOverflow}
		}
		binary.BigEndian.PutUint16(a.buf[f.at+1:], uint16(int16(off)))
	}
	return a.buf, nil
}
