package classfile

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Attribute names with dedicated codecs.
const (
	AttrCode                   = "Code"
	AttrLineNumberTable        = "LineNumberTable"
	AttrLocalVariableTable     = "LocalVariableTable"
	AttrLocalVariableTypeTable = "LocalVariableTypeTable"
	AttrStackMapTable          = "StackMapTable"
)

// Attribute is a named attribute with its decoded value.
type Attribute struct {
	NameIndex uint16
	Name      string
	Value     AttributeValue
}

// NewAttribute creates an attribute, adding its name to the pool.
func NewAttribute(cp *ConstantPool, name string, v AttributeValue) (*Attribute, error) {
	idx, err := cp.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	return &Attribute{NameIndex: idx, Name: name, Value: v}, nil
}

// AttributeValue is the decoded payload of an attribute.
type AttributeValue interface {
	// MarshalAttribute encodes the payload without the name and length
	// header.
	MarshalAttribute(cp *ConstantPool) ([]byte, error)
}

// OpaqueAttribute holds the payload of an attribute without a codec. It is
// written back unchanged.
type OpaqueAttribute struct {
	Data []byte
}

func (a *OpaqueAttribute) MarshalAttribute(*ConstantPool) ([]byte, error) {
	return a.Data, nil
}

// AttributeContext is passed to attribute decoders.
type AttributeContext struct {
	Pool     *ConstantPool
	Registry *AttributeRegistry
	// Offset is the position of the payload in the class file.
	Offset int64
}

// AttributeDecoder decodes the payload of one attribute kind.
type AttributeDecoder func(data []byte, ctx *AttributeContext) (AttributeValue, error)

// errTrailingBytes signals that a decoder did not consume the full
// payload; the attribute is then kept opaque.
var errTrailingBytes = errors.New("trailing bytes in attribute")

// AttributeRegistry maps attribute names to decoders. Names without a
// decoder decode to *OpaqueAttribute.
type AttributeRegistry struct {
	mu       sync.RWMutex
	decoders map[string]AttributeDecoder
}

// NewAttributeRegistry returns a registry with the built-in decoders.
func NewAttributeRegistry() *AttributeRegistry {
	r := &AttributeRegistry{decoders: make(map[string]AttributeDecoder)}
	r.Register(AttrCode, decodeCode)
	r.Register(AttrLineNumberTable, decodeLineNumberTable)
	r.Register(AttrLocalVariableTable, decodeLocalVariableTable)
	r.Register(AttrLocalVariableTypeTable, decodeLocalVariableTable)
	r.Register(AttrStackMapTable, decodeStackMapTable)
	r.Register(MarkerAttributeName, decodeMarker)
	return r
}

// DefaultRegistry is used by Parse.
var DefaultRegistry = NewAttributeRegistry()

// Register installs dec for name, replacing any previous decoder.
func (r *AttributeRegistry) Register(name string, dec AttributeDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = dec
}

func (r *AttributeRegistry) lookup(name string) AttributeDecoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.decoders[name]
}

func (r *AttributeRegistry) decode(name string, data []byte, ctx *AttributeContext) (AttributeValue, error) {
	dec := r.lookup(name)
	if dec == nil {
		return &OpaqueAttribute{Data: data}, nil
	}
	v, err := dec(data, ctx)
	if errors.Is(err, errTrailingBytes) {
		return &OpaqueAttribute{Data: data}, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// expectEnd returns errTrailingBytes unless d has been fully consumed.
func (d *decoder) expectEnd() error {
	if !d.atEOF() {
		return errTrailingBytes
	}
	return nil
}

func parseAttributes(d *decoder, ctx *AttributeContext, what string) ([]*Attribute, error) {
	count, err := d.u2(what + " attributes count")
	if err != nil {
		return nil, err
	}
	attrs := make([]*Attribute, 0, count)
	for i := uint16(0); i < count; i++ {
		start := d.off
		nameIndex, err := d.u2(fmt.Sprintf("%s attribute %d name index", what, i))
		if err != nil {
			return nil, err
		}
		name, err := ctx.Pool.Utf8(nameIndex)
		if err != nil {
			return nil, &FormatError{Offset: start, Msg: fmt.Sprintf("%s attribute %d name", what, i), Err: err}
		}
		length, err := d.u4(fmt.Sprintf("%s attribute %s length", what, name))
		if err != nil {
			return nil, err
		}
		payloadOff := d.off
		data, err := d.bytes(int(length), fmt.Sprintf("%s attribute %s", what, name))
		if err != nil {
			return nil, err
		}
		sub := *ctx
		sub.Offset = payloadOff
		v, err := ctx.Registry.decode(name, data, &sub)
		if err != nil {
			return nil, fmt.Errorf("decoding %s attribute %s: %w", what, name, err)
		}
		attrs = append(attrs, &Attribute{NameIndex: nameIndex, Name: name, Value: v})
	}
	return attrs, nil
}

func writeAttributes(e *encoder, cp *ConstantPool, attrs []*Attribute) error {
	if len(attrs) > math.MaxUint16 {
		return fmt.Errorf("too many attributes: %d", len(attrs))
	}
	e.u2(uint16(len(attrs)))
	for _, a := range attrs {
		if a.NameIndex == 0 {
			return fmt.Errorf("attribute %s has no name index", a.Name)
		}
		data, err := a.Value.MarshalAttribute(cp)
		if err != nil {
			return fmt.Errorf("encoding attribute %s: %w", a.Name, err)
		}
		if uint64(len(data)) > math.MaxUint32 {
			return fmt.Errorf("attribute %s too long", a.Name)
		}
		e.u2(a.NameIndex)
		e.u4(uint32(len(data)))
		e.raw(data)
	}
	return nil
}
