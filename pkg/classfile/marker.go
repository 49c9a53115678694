package classfile

import "time"

// MarkerAttributeName is the class attribute recording a completed
// enhancement.
const MarkerAttributeName = "filter.annotatedClass"

// MarkerVersion is the current marker layout version.
const MarkerVersion = 1

// Marker flags.
const (
	MarkerGenerated = 0x1 // members or interfaces were added
	MarkerAnnotated = 0x2 // method code was rewritten
	MarkerModified  = 0x4
)

const markerLength = 20

// MarkerAttribute records that a class was enhanced: which kinds of change
// were made, the modification time of the input, and when the enhancement
// ran. Times are Unix milliseconds.
type MarkerAttribute struct {
	Version        uint16
	Flags          uint16
	ModTime        int64
	AnnotationTime int64
}

// NewMarker returns a current-version marker.
func NewMarker(flags uint16, modTime, annotated time.Time) *MarkerAttribute {
	return &MarkerAttribute{
		Version:        MarkerVersion,
		Flags:          flags,
		ModTime:        unixMilli(modTime),
		AnnotationTime: unixMilli(annotated),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Covers reports whether the marker shows an enhancement at least as
// recent as modTime. A zero modTime is always covered.
func (m *MarkerAttribute) Covers(modTime time.Time) bool {
	if m.Version != MarkerVersion {
		return false
	}
	return modTime.IsZero() || modTime.UnixMilli() <= m.ModTime
}

func decodeMarker(data []byte, ctx *AttributeContext) (AttributeValue, error) {
	d := newSliceDecoder(data, ctx.Offset)
	m := &MarkerAttribute{}
	var err error
	if m.Version, err = d.u2("marker version"); err != nil {
		return nil, err
	}
	if m.Flags, err = d.u2("marker flags"); err != nil {
		return nil, err
	}
	mod, err := d.u8("marker modification time")
	if err != nil {
		return nil, err
	}
	ann, err := d.u8("marker annotation time")
	if err != nil {
		return nil, err
	}
	m.ModTime, m.AnnotationTime = int64(mod), int64(ann)
	if err := d.expectEnd(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MarkerAttribute) MarshalAttribute(*ConstantPool) ([]byte, error) {
	e := encoder{b: make([]byte, 0, markerLength)}
	e.u2(m.Version)
	e.u2(m.Flags)
	e.u8(uint64(m.ModTime))
	e.u8(uint64(m.AnnotationTime))
	return e.b, nil
}

// Marker returns the class's enhancement marker, or nil.
func (cf *ClassFile) Marker() *MarkerAttribute {
	if a := cf.FindAttribute(MarkerAttributeName); a != nil {
		if m, ok := a.Value.(*MarkerAttribute); ok {
			return m
		}
	}
	return nil
}
