package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when an instruction runs past the end of the code array.
	ErrTruncated = errors.New("truncated instruction")
	// ErrInvalidOpcode is returned for reserved or undefined opcodes.
	ErrInvalidOpcode = errors.New("invalid opcode")
	// ErrNotBoundary is returned when an offset does not start an instruction.
	ErrNotBoundary = errors.New("offset is not an instruction boundary")
	// ErrBranchOverflow is returned when a conditional branch no longer fits
	// in its 16-bit offset after relayout.
	ErrBranchOverflow = errors.New("branch offset overflow")
)

// DecodeError locates a decoding failure in a code array.
type DecodeError struct {
	PC  int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pc %d: %v", e.PC, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Instruction is a decoded instruction: its position and encoded length in
// the code array it was decoded from.
type Instruction struct {
	PC     int
	Opcode byte
	Length int
}

// Operands returns the encoded operand bytes of the instruction.
func (in Instruction) Operands(code []byte) []byte {
	return code[in.PC+1 : in.PC+in.Length]
}

// Index returns the 16-bit constant pool operand of the instruction. For ldc
// the single-byte operand is widened.
func (in Instruction) Index(code []byte) uint16 {
	if in.Opcode == OpLdc {
		return uint16(code[in.PC+1])
	}
	return binary.BigEndian.Uint16(code[in.PC+1:])
}

// switchPadding returns the number of alignment bytes following a switch
// opcode located at pc.
func switchPadding(pc int) int {
	return (4 - (pc+1)%4) % 4
}

// InstructionLength returns the encoded length of the instruction at pc.
func InstructionLength(code []byte, pc int) (int, error) {
	if pc < 0 || pc >= len(code) {
		return 0, &DecodeError{PC: pc, Err: ErrTruncated}
	}
	op := code[pc]
	n := fixedLength(op)
	switch n {
	case 0:
		return 0, &DecodeError{PC: pc, Err: fmt.Errorf("%w 0x%02x", ErrInvalidOpcode, op)}
	case -1:
		var err error
		n, err = variableLength(code, pc)
		if err != nil {
			return 0, err
		}
	}
	if pc+n > len(code) {
		return 0, &DecodeError{PC: pc, Err: ErrTruncated}
	}
	return n, nil
}

func variableLength(code []byte, pc int) (int, error) {
	switch code[pc] {
	case OpWide:
		if pc+1 >= len(code) {
			return 0, &DecodeError{PC: pc, Err: ErrTruncated}
		}
		switch op := code[pc+1]; {
		case op == OpIinc:
			return 6, nil
		case op >= OpIload && op <= OpAload, op >= OpIstore && op <= OpAstore, op == OpRet:
			return 4, nil
		default:
			return 0, &DecodeError{PC: pc, Err: fmt.Errorf("%w: wide 0x%02x", ErrInvalidOpcode, op)}
		}
	case OpTableswitch:
		base := pc + 1 + switchPadding(pc)
		if base+12 > len(code) {
			return 0, &DecodeError{PC: pc, Err: ErrTruncated}
		}
		low := int32(binary.BigEndian.Uint32(code[base+4:]))
		high := int32(binary.BigEndian.Uint32(code[base+8:]))
		if high < low {
			return 0, &DecodeError{PC: pc, Err: fmt.Errorf("tableswitch high %d < low %d", high, low)}
		}
		return base - pc + 12 + 4*int(int64(high)-int64(low)+1), nil
	case OpLookupswitch:
		base := pc + 1 + switchPadding(pc)
		if base+8 > len(code) {
			return 0, &DecodeError{PC: pc, Err: ErrTruncated}
		}
		npairs := int32(binary.BigEndian.Uint32(code[base+4:]))
		if npairs < 0 {
			return 0, &DecodeError{PC: pc, Err: fmt.Errorf("lookupswitch npairs %d", npairs)}
		}
		return base - pc + 8 + 8*int(npairs), nil
	}
	return 0, &DecodeError{PC: pc, Err: ErrInvalidOpcode}
}

// Decode splits a code array into instructions.
func Decode(code []byte) ([]Instruction, error) {
	var insns []Instruction
	for pc := 0; pc < len(code); {
		n, err := InstructionLength(code, pc)
		if err != nil {
			return nil, err
		}
		insns = append(insns, Instruction{PC: pc, Opcode: code[pc], Length: n})
		pc += n
	}
	return insns, nil
}

// Boundaries returns the set of instruction start offsets of code. The
// offset len(code) is not included.
func Boundaries(insns []Instruction) map[int]bool {
	b := make(map[int]bool, len(insns))
	for _, in := range insns {
		b[in.PC] = true
	}
	return b
}

// BranchTargets returns the absolute targets of a branch or switch
// instruction, default target first for switches. It returns nil for other
// instructions.
func BranchTargets(code []byte, in Instruction) []int {
	switch {
	case in.Opcode == OpGotoW || in.Opcode == OpJsrW:
		return []int{in.PC + int(int32(binary.BigEndian.Uint32(code[in.PC+1:])))}
	case IsBranch(in.Opcode):
		return []int{in.PC + int(int16(binary.BigEndian.Uint16(code[in.PC+1:])))}
	case IsSwitch(in.Opcode):
		sw := decodeSwitch(code, in.PC)
		targets := make([]int, 0, 1+len(sw.offsets))
		targets = append(targets, in.PC+int(sw.def))
		for _, off := range sw.offsets {
			targets = append(targets, in.PC+int(off))
		}
		return targets
	}
	return nil
}

// switchInsn is the decoded payload of a tableswitch or lookupswitch.
type switchInsn struct {
	op      byte
	def     int32
	low     int32 // tableswitch
	high    int32 // tableswitch
	keys    []int32
	offsets []int32
}

func decodeSwitch(code []byte, pc int) switchInsn {
	sw := switchInsn{op: code[pc]}
	p := pc + 1 + switchPadding(pc)
	u4 := func() int32 {
		v := int32(binary.BigEndian.Uint32(code[p:]))
		p += 4
		return v
	}
	sw.def = u4()
	if sw.op == OpTableswitch {
		sw.low, sw.high = u4(), u4()
		for i := int64(sw.low); i <= int64(sw.high); i++ {
			sw.offsets = append(sw.offsets, u4())
		}
		return sw
	}
	n := u4()
	for i := int32(0); i < n; i++ {
		sw.keys = append(sw.keys, u4())
		sw.offsets = append(sw.offsets, u4())
	}
	return sw
}

// encode writes the switch at newPC into buf, with offsets taken from
// the already-relocated def and offsets fields.
func (sw switchInsn) encode(buf []byte, newPC int) []byte {
	buf = append(buf, sw.op)
	for i := 0; i < switchPadding(newPC); i++ {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(sw.def))
	if sw.op == OpTableswitch {
		buf = binary.BigEndian.AppendUint32(buf, uint32(sw.low))
		buf = binary.BigEndian.AppendUint32(buf, uint32(sw.high))
		for _, off := range sw.offsets {
			buf = binary.BigEndian.AppendUint32(buf, uint32(off))
		}
		return buf
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sw.offsets)))
	for i, off := range sw.offsets {
		buf = binary.BigEndian.AppendUint32(buf, uint32(sw.keys[i]))
		buf = binary.BigEndian.AppendUint32(buf, uint32(off))
	}
	return buf
}

func (sw switchInsn) size(newPC int) int {
	n := 1 + switchPadding(newPC) + 4
	if sw.op == OpTableswitch {
		return n + 8 + 4*len(sw.offsets)
	}
	return n + 4 + 8*len(sw.offsets)
}
