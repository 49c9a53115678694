package classfile

import (
	"fmt"

	"github.com/daimatz/goenhance/pkg/bytecode"
)

// Verification type tags.
const (
	VTTop               = 0
	VTInteger           = 1
	VTFloat             = 2
	VTDouble            = 3
	VTLong              = 4
	VTNull              = 5
	VTUninitializedThis = 6
	VTObject            = 7
	VTUninitialized     = 8
)

// Stack map frame type ranges.
const (
	FrameSame                         = 0  // 0-63
	FrameSameLocals1StackItem         = 64 // 64-127
	FrameSameLocals1StackItemExtended = 247
	FrameChop                         = 248 // 248-250
	FrameSameExtended                 = 251
	FrameAppend                       = 252 // 252-254
	FrameFull                         = 255
)

// VerificationType is a verification_type_info item. Data is the class
// index for VTObject and the offset of the new instruction for
// VTUninitialized.
type VerificationType struct {
	Tag  uint8
	Data uint16
}

// StackMapFrame is one frame. Type is the frame_type byte as encoded;
// OffsetDelta is filled in for every frame type, including the compact ones
// whose delta is carried by Type.
type StackMapFrame struct {
	Type        uint8
	OffsetDelta uint16
	Locals      []VerificationType
	Stack       []VerificationType
}

// StackMapTableAttribute holds the frames of a Code attribute.
type StackMapTableAttribute struct {
	Frames []StackMapFrame
}

func decodeStackMapTable(data []byte, ctx *AttributeContext) (AttributeValue, error) {
	d := newSliceDecoder(data, ctx.Offset)
	n, err := d.u2("number_of_entries")
	if err != nil {
		return nil, err
	}
	a := &StackMapTableAttribute{Frames: make([]StackMapFrame, n)}
	for i := range a.Frames {
		if a.Frames[i], err = decodeFrame(d); err != nil {
			return nil, err
		}
	}
	if err := d.expectEnd(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeFrame(d *decoder) (StackMapFrame, error) {
	var f StackMapFrame
	var err error
	if f.Type, err = d.u1("frame_type"); err != nil {
		return f, err
	}
	switch t := f.Type; {
	case t < 64:
		f.OffsetDelta = uint16(t)
	case t < 128:
		f.OffsetDelta = uint16(t - 64)
		f.Stack, err = decodeVerificationTypes(d, 1)
	case t < FrameSameLocals1StackItemExtended:
		return f, d.errorf("reserved frame type %d", t)
	case t == FrameSameLocals1StackItemExtended:
		if f.OffsetDelta, err = d.u2("offset_delta"); err == nil {
			f.Stack, err = decodeVerificationTypes(d, 1)
		}
	case t <= FrameSameExtended:
		f.OffsetDelta, err = d.u2("offset_delta")
	case t < FrameFull:
		if f.OffsetDelta, err = d.u2("offset_delta"); err == nil {
			f.Locals, err = decodeVerificationTypes(d, int(t)-FrameSameExtended)
		}
	default:
		if f.OffsetDelta, err = d.u2("offset_delta"); err != nil {
			return f, err
		}
		var n uint16
		if n, err = d.u2("number_of_locals"); err != nil {
			return f, err
		}
		if f.Locals, err = decodeVerificationTypes(d, int(n)); err != nil {
			return f, err
		}
		if n, err = d.u2("number_of_stack_items"); err != nil {
			return f, err
		}
		f.Stack, err = decodeVerificationTypes(d, int(n))
	}
	return f, err
}

func decodeVerificationTypes(d *decoder, n int) ([]VerificationType, error) {
	vts := make([]VerificationType, n)
	for i := range vts {
		tag, err := d.u1("verification type")
		if err != nil {
			return nil, err
		}
		vts[i].Tag = tag
		switch {
		case tag == VTObject || tag == VTUninitialized:
			if vts[i].Data, err = d.u2("verification type data"); err != nil {
				return nil, err
			}
		case tag > VTUninitialized:
			return nil, d.errorf("invalid verification type %d", tag)
		}
	}
	return vts, nil
}

func (a *StackMapTableAttribute) MarshalAttribute(*ConstantPool) ([]byte, error) {
	var e encoder
	e.u2(uint16(len(a.Frames)))
	for i, f := range a.Frames {
		e.u1(f.Type)
		switch t := f.Type; {
		case t < 64:
			if uint16(t) != f.OffsetDelta {
				return nil, fmt.Errorf("frame %d: same_frame type %d with delta %d", i, t, f.OffsetDelta)
			}
		case t < 128:
			if uint16(t-64) != f.OffsetDelta {
				return nil, fmt.Errorf("frame %d: same_locals_1_stack_item type %d with delta %d", i, t, f.OffsetDelta)
			}
			writeVerificationTypes(&e, f.Stack)
		case t == FrameFull:
			e.u2(f.OffsetDelta)
			e.u2(uint16(len(f.Locals)))
			writeVerificationTypes(&e, f.Locals)
			e.u2(uint16(len(f.Stack)))
			writeVerificationTypes(&e, f.Stack)
		default:
			e.u2(f.OffsetDelta)
			writeVerificationTypes(&e, f.Locals)
			writeVerificationTypes(&e, f.Stack)
		}
	}
	return e.b, nil
}

func writeVerificationTypes(e *encoder, vts []VerificationType) {
	for _, vt := range vts {
		e.u1(vt.Tag)
		if vt.Tag == VTObject || vt.Tag == VTUninitialized {
			e.u2(vt.Data)
		}
	}
}

// Offsets returns the absolute code offset of every frame.
func (a *StackMapTableAttribute) Offsets() []int {
	offs := make([]int, len(a.Frames))
	prev := -1
	for i, f := range a.Frames {
		prev += int(f.OffsetDelta) + 1
		offs[i] = prev
	}
	return offs
}

// Relocate recomputes offset deltas for moved code. Compact frames whose
// delta no longer fits their type byte are promoted to the extended forms;
// frames already extended stay extended.
func (a *StackMapTableAttribute) Relocate(m *bytecode.PCMap) error {
	prev := -1
	for i, off := range a.Offsets() {
		n, err := mapPC(m, off)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		f := &a.Frames[i]
		delta := int(n) - prev - 1
		if delta < 0 {
			return fmt.Errorf("frame %d: offsets out of order after relocation", i)
		}
		f.OffsetDelta = uint16(delta)
		switch {
		case f.Type < 64:
			if delta < 64 {
				f.Type = uint8(delta)
			} else {
				f.Type = FrameSameExtended
			}
		case f.Type < 128:
			if delta < 64 {
				f.Type = uint8(64 + delta)
			} else {
				f.Type = FrameSameLocals1StackItemExtended
			}
		}
		for _, vts := range [][]VerificationType{f.Locals, f.Stack} {
			for k := range vts {
				if vts[k].Tag != VTUninitialized {
					continue
				}
				if vts[k].Data, err = mapPC(m, int(vts[k].Data)); err != nil {
					return fmt.Errorf("frame %d uninitialized: %w", i, err)
				}
			}
		}
		prev = int(n)
	}
	return nil
}

// SameFrame returns a frame at delta with the previous frame's locals and
// an empty stack, using the compact form when possible.
func SameFrame(delta int) StackMapFrame {
	if delta < 64 {
		return StackMapFrame{Type: uint8(delta), OffsetDelta: uint16(delta)}
	}
	return StackMapFrame{Type: FrameSameExtended, OffsetDelta: uint16(delta)}
}
