package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Edit describes a change to the instruction at PC. Replace, when non-nil,
// substitutes the instruction; After is inserted right behind it. Neither may
// contain branch or switch instructions, and the instruction being replaced
// may not be one either.
type Edit struct {
	PC      int
	Replace []byte
	After   []byte
}

// PCMap maps offsets of the original code array to offsets of the edited one.
type PCMap struct {
	oldLen int
	newLen int
	m      map[int]int
}

// Map returns the new offset for an instruction boundary of the original
// code. The original code length maps to the new code length.
func (p *PCMap) Map(pc int) (int, bool) {
	if pc == p.oldLen {
		return p.newLen, true
	}
	n, ok := p.m[pc]
	return n, ok
}

// MustMap is Map for offsets already known to be boundaries.
func (p *PCMap) MustMap(pc int) (int, error) {
	n, ok := p.Map(pc)
	if !ok {
		return 0, &DecodeError{PC: pc, Err: ErrNotBoundary}
	}
	return n, nil
}

// IsIdentity reports whether every offset maps to itself.
func (p *PCMap) IsIdentity() bool {
	if p.oldLen != p.newLen {
		return false
	}
	for k, v := range p.m {
		if k != v {
			return false
		}
	}
	return true
}

// NewLen returns the length of the edited code array.
func (p *PCMap) NewLen() int { return p.newLen }

type slot struct {
	in      Instruction
	edit    *Edit
	sw      *switchInsn
	widened bool
	start   int
	size    int
}

// Apply performs edits on code and relays out the result. Branch and
// switch offsets are recomputed, switch padding is realigned, goto and jsr
// are widened to their 32-bit forms when needed. A conditional branch whose
// offset no longer fits in 16 bits is an error.
func Apply(code []byte, edits []Edit) ([]byte, *PCMap, error) {
	insns, err := Decode(code)
	if err != nil {
		return nil, nil, err
	}
	index := make(map[int]int, len(insns))
	for i, in := range insns {
		index[in.PC] = i
	}

	slots := make([]slot, len(insns))
	for i, in := range insns {
		slots[i].in = in
		if IsSwitch(in.Opcode) {
			sw := decodeSwitch(code, in.PC)
			slots[i].sw = &sw
		}
	}
	sorted := append([]Edit(nil), edits...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].PC < sorted[b].PC })
	for k := range sorted {
		e := &sorted[k]
		i, ok := index[e.PC]
		if !ok {
			return nil, nil, &DecodeError{PC: e.PC, Err: ErrNotBoundary}
		}
		if slots[i].edit != nil {
			return nil, nil, &DecodeError{PC: e.PC, Err: fmt.Errorf("multiple edits")}
		}
		in := slots[i].in
		if e.Replace != nil && (IsBranch(in.Opcode) || IsSwitch(in.Opcode)) {
			return nil, nil, &DecodeError{PC: e.PC, Err: fmt.Errorf("cannot replace %s", Name(in.Opcode))}
		}
		if err := checkStraightLine(e.Replace); err != nil {
			return nil, nil, &DecodeError{PC: e.PC, Err: fmt.Errorf("replacement: %w", err)}
		}
		if err := checkStraightLine(e.After); err != nil {
			return nil, nil, &DecodeError{PC: e.PC, Err: fmt.Errorf("insertion: %w", err)}
		}
		slots[i].edit = e
	}

	// Widening never reverts, so the passes terminate.
	var end int
	for {
		pos := 0
		for i := range slots {
			s := &slots[i]
			s.start = pos
			switch {
			case s.edit != nil && s.edit.Replace != nil:
				s.size = len(s.edit.Replace)
			case s.sw != nil:
				s.size = s.sw.size(pos)
			case s.widened:
				s.size = 5
			default:
				s.size = s.in.Length
			}
			pos += s.size
			if s.edit != nil {
				pos += len(s.edit.After)
			}
		}
		end = pos

		changed := false
		for i := range slots {
			s := &slots[i]
			if !IsBranch(s.in.Opcode) || s.widened || s.in.Opcode == OpGotoW || s.in.Opcode == OpJsrW {
				continue
			}
			target := BranchTargets(code, s.in)[0]
			ti, ok := index[target]
			if !ok {
				return nil, nil, &DecodeError{PC: s.in.PC, Err: fmt.Errorf("branch target %d: %w", target, ErrNotBoundary)}
			}
			off := slots[ti].start - s.start
			if off >= math.MinInt16 && off <= math.MaxInt16 {
				continue
			}
			if s.in.Opcode != OpGoto && s.in.Opcode != OpJsr {
				return nil, nil, &DecodeError{PC: s.in.PC, Err: fmt.Errorf("%s: %w", Name(s.in.Opcode), ErrBranchOverflow)}
			}
			s.widened = true
			changed = true
		}
		if !changed {
			break
		}
	}

	targetOf := func(s *slot, oldTarget int) (int32, error) {
		ti, ok := index[oldTarget]
		if !ok {
			return 0, &DecodeError{PC: s.in.PC, Err: fmt.Errorf("branch target %d: %w", oldTarget, ErrNotBoundary)}
		}
		return int32(slots[ti].start - s.start), nil
	}

	out := make([]byte, 0, end)
	pcmap := &PCMap{oldLen: len(code), newLen: end, m: make(map[int]int, len(slots))}
	for i := range slots {
		s := &slots[i]
		pcmap.m[s.in.PC] = s.start
		in := s.in
		switch {
		case s.edit != nil && s.edit.Replace != nil:
			out = append(out, s.edit.Replace...)
		case s.sw != nil:
			old := *s.sw
			sw := old
			sw.offsets = make([]int32, len(old.offsets))
			d, err := targetOf(s, in.PC+int(old.def))
			if err != nil {
				return nil, nil, err
			}
			sw.def = d
			for k, off := range old.offsets {
				if sw.offsets[k], err = targetOf(s, in.PC+int(off)); err != nil {
					return nil, nil, err
				}
			}
			out = sw.encode(out, s.start)
		case IsBranch(in.Opcode):
			off, err := targetOf(s, BranchTargets(code, in)[0])
			if err != nil {
				return nil, nil, err
			}
			switch {
			case s.widened && in.Opcode == OpGoto:
				out = binary.BigEndian.AppendUint32(append(out, OpGotoW), uint32(off))
			case s.widened && in.Opcode == OpJsr:
				out = binary.BigEndian.AppendUint32(append(out, OpJsrW), uint32(off))
			case in.Opcode == OpGotoW || in.Opcode == OpJsrW:
				out = binary.BigEndian.AppendUint32(append(out, in.Opcode), uint32(off))
			default:
				out = binary.BigEndian.AppendUint16(append(out, in.Opcode), uint16(int16(off)))
			}
		default:
			out = append(out, code[in.PC:in.PC+in.Length]...)
		}
		if s.edit != nil {
			out = append(out, s.edit.After...)
		}
	}
	return out, pcmap, nil
}

// checkStraightLine verifies that frag decodes cleanly and contains no
// control transfer whose offset would need relocation.
func checkStraightLine(frag []byte) error {
	if len(frag) == 0 {
		return nil
	}
	insns, err := Decode(frag)
	if err != nil {
		return err
	}
	for _, in := range insns {
		if IsBranch(in.Opcode) || IsSwitch(in.Opcode) {
			return fmt.Errorf("contains %s", Name(in.Opcode))
		}
	}
	return nil
}
