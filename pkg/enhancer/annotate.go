package enhancer

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/daimatz/goenhance/pkg/bytecode"
	"github.com/daimatz/goenhance/pkg/classfile"
	"go.uber.org/zap"
)

const (
	getterPrefix = "jdoGet"
	setterPrefix = "jdoSet"
)

type accessorKind uint8

const (
	getAccessor accessorKind = iota
	setAccessor
)

// accessor identifies a generated delegation method: the getter or setter
// of one managed field.
type accessor struct {
	field string
	kind  accessorKind
}

func (a accessor) methodName() string {
	if a.kind == getAccessor {
		return getterPrefix + a.field
	}
	return setterPrefix + a.field
}

func (c *controller) accessorDescriptor(f *managedField, kind accessorKind) string {
	self := "L" + c.class + ";"
	if kind == getAccessor {
		return "(" + self + ")" + f.desc
	}
	return "(" + self + f.desc + ")V"
}

// isAccessor reports whether m looks like a generated delegation method.
func isAccessor(m *classfile.MethodInfo) bool {
	const want = classfile.AccStatic | classfile.AccSynthetic
	if m.AccessFlags&want != want {
		return false
	}
	return strings.HasPrefix(m.Name, getterPrefix) || strings.HasPrefix(m.Name, setterPrefix)
}

// fieldAccess plans the rewrite of one getfield or putfield.
func (c *controller) fieldAccess(p *plan, mp *methodPlan, in bytecode.Instruction, ref *classfile.MemberRefInfo) error {
	if ref.ClassName == c.class {
		if f, ok := p.fields[ref.Name]; ok && f.desc == ref.Descriptor {
			if in.Opcode == bytecode.OpGetfield && f.primaryKey {
				return nil
			}
			acc := accessor{field: f.name, kind: getAccessor}
			if in.Opcode == bytecode.OpPutfield {
				acc.kind = setAccessor
			}
			if err := c.need(p, acc); err != nil {
				return err
			}
			mp.sites = append(mp.sites, fieldSite{pc: in.PC, acc: acc})
			return nil
		}
		if c.cf.FindField(ref.Name) != nil {
			return nil
		}
	}
	if owner := c.inheritedOwner(p, ref); owner != "" {
		key := owner + "." + ref.Name
		if !p.warned[key] {
			p.warned[key] = true
			c.diag.Warning(c.class, "access to inherited managed field left direct", zap.String("field", key))
		}
	}
	return nil
}

// inheritedOwner returns the persistent ancestor that manages the field
// referenced by ref, or "".
func (c *controller) inheritedOwner(p *plan, ref *classfile.MemberRefInfo) string {
	inChain := ref.ClassName == c.class
	for name := p.rec.Super; name != ""; {
		rec, ok := c.env.Lookup(name)
		if !ok {
			break
		}
		if rec.Name == ref.ClassName {
			inChain = true
		}
		if fm, ok := rec.Meta.Field(ref.Name); ok && inChain && fm.Managed() {
			return rec.Name
		}
		name = rec.Super
	}
	return ""
}

// need records that acc must exist. An accessor left by an earlier run is
// reused; any other method with the accessor's name is a collision.
func (c *controller) need(p *plan, acc accessor) error {
	if p.needed[acc] {
		return nil
	}
	f := p.fields[acc.field]
	name, desc := acc.methodName(), c.accessorDescriptor(f, acc.kind)
	for _, m := range c.cf.Methods {
		if m.Name != name {
			continue
		}
		if m.Descriptor != desc || !isAccessor(m) {
			return userErrorf(c.class, "method %s%s collides with the generated accessor %s%s", m.Name, m.Descriptor, name, desc)
		}
		p.needed[acc] = true
		return nil
	}
	p.needed[acc] = true
	p.accessors = append(p.accessors, acc)
	return nil
}

// valueType describes how a field type travels through the StateManager.
type valueType struct {
	suffix string // part of get<T>Field / set<T>Field
	desc   string // type in the StateManager signature
	load1  byte   // load from local 1
	ret    byte
	size   int
	cast   string // checkcast target after get<T>Field, if any
}

func valueTypeOf(desc string) valueType {
	switch desc[0] {
	case 'Z':
		return valueType{"Boolean", "Z", bytecode.OpIload1, bytecode.OpIreturn, 1, ""}
	case 'B':
		return valueType{"Byte", "B", bytecode.OpIload1, bytecode.OpIreturn, 1, ""}
	case 'C':
		return valueType{"Char", "C", bytecode.OpIload1, bytecode.OpIreturn, 1, ""}
	case 'S':
		return valueType{"Short", "S", bytecode.OpIload1, bytecode.OpIreturn, 1, ""}
	case 'I':
		return valueType{"Int", "I", bytecode.OpIload1, bytecode.OpIreturn, 1, ""}
	case 'J':
		return valueType{"Long", "J", bytecode.OpLload1, bytecode.OpLreturn, 2, ""}
	case 'F':
		return valueType{"Float", "F", bytecode.OpFload1, bytecode.OpFreturn, 1, ""}
	case 'D':
		return valueType{"Double", "D", bytecode.OpDload1, bytecode.OpDreturn, 2, ""}
	}
	const str, obj = "Ljava/lang/String;", "Ljava/lang/Object;"
	if desc == str {
		return valueType{"String", str, bytecode.OpAload1, bytecode.OpAreturn, 1, ""}
	}
	vt := valueType{"Object", obj, bytecode.OpAload1, bytecode.OpAreturn, 1, ""}
	switch {
	case desc == obj:
	case desc[0] == 'L':
		vt.cast = desc[1 : len(desc)-1]
	default:
		vt.cast = desc
	}
	return vt
}

// accessorCode assembles the body of a delegation method. The object is
// in local 0 and, for setters, the new value follows it.
//
// getter: if jdoFlags > 0 and the StateManager is set and reports the
// field as not loaded, the value comes from get<T>Field; otherwise the
// field is read directly.
//
// setter: if jdoFlags != 0 and the StateManager is set, set<T>Field
// receives the old and new values; otherwise the field is written
// directly.
func (c *controller) accessorCode(f *managedField, kind accessorKind) (*classfile.CodeAttribute, error) {
	cp := c.cf.ConstantPool
	vt := valueTypeOf(f.desc)
	pcDesc := "L" + c.opts.PersistenceCapable + ";"

	flagsRef, err := cp.AddFieldref(c.class, flagsField, flagsDescriptor)
	if err != nil {
		return nil, err
	}
	smRef, err := cp.AddFieldref(c.class, stateManagerField, c.stateManagerDescriptor())
	if err != nil {
		return nil, err
	}
	fieldRef, err := cp.AddFieldref(c.class, f.name, f.desc)
	if err != nil {
		return nil, err
	}

	var a bytecode.Assembler
	direct := a.NewLabel()
	a.Op(bytecode.OpAload0)
	a.OpU16(bytecode.OpGetfield, flagsRef)
	if kind == getAccessor {
		a.Branch(bytecode.OpIfle, direct)
	} else {
		a.Branch(bytecode.OpIfeq, direct)
	}
	a.Op(bytecode.OpAload0)
	a.OpU16(bytecode.OpGetfield, smRef)
	a.Branch(bytecode.OpIfnull, direct)

	code := &classfile.CodeAttribute{}
	if kind == getAccessor {
		isLoaded, err := cp.AddInterfaceMethodref(c.opts.StateManager, "isLoaded", "("+pcDesc+"I)Z")
		if err != nil {
			return nil, err
		}
		get, err := cp.AddInterfaceMethodref(c.opts.StateManager, "get"+vt.suffix+"Field", "("+pcDesc+"I"+vt.desc+")"+vt.desc)
		if err != nil {
			return nil, err
		}
		var cast uint16
		if vt.cast != "" {
			if cast, err = cp.AddClass(vt.cast); err != nil {
				return nil, err
			}
		}

		if err := c.pushManager(&a, smRef, f.number); err != nil {
			return nil, err
		}
		a.InvokeInterface(isLoaded, 3)
		a.Branch(bytecode.OpIfne, direct)
		if err := c.pushManager(&a, smRef, f.number); err != nil {
			return nil, err
		}
		a.Op(bytecode.OpAload0)
		a.OpU16(bytecode.OpGetfield, fieldRef)
		a.InvokeInterface(get, uint8(3+vt.size))
		if cast != 0 {
			a.OpU16(bytecode.OpCheckcast, cast)
		}
		a.Op(vt.ret)

		a.Bind(direct)
		a.Op(bytecode.OpAload0)
		a.OpU16(bytecode.OpGetfield, fieldRef)
		a.Op(vt.ret)
		code.MaxStack, code.MaxLocals = uint16(3+vt.size), 1
	} else {
		set, err := cp.AddInterfaceMethodref(c.opts.StateManager, "set"+vt.suffix+"Field", "("+pcDesc+"I"+vt.desc+vt.desc+")V")
		if err != nil {
			return nil, err
		}

		if err := c.pushManager(&a, smRef, f.number); err != nil {
			return nil, err
		}
		a.Op(bytecode.OpAload0)
		a.OpU16(bytecode.OpGetfield, fieldRef)
		a.Op(vt.load1)
		a.InvokeInterface(set, uint8(3+2*vt.size))
		a.Op(bytecode.OpReturn)

		a.Bind(direct)
		a.Op(bytecode.OpAload0)
		a.Op(vt.load1)
		a.OpU16(bytecode.OpPutfield, fieldRef)
		a.Op(bytecode.OpReturn)
		code.MaxStack, code.MaxLocals = uint16(3+2*vt.size), uint16(1+vt.size)
	}

	if code.Code, err = a.Bytes(); err != nil {
		return nil, err
	}
	if c.cf.MajorVersion >= 50 {
		smt := &classfile.StackMapTableAttribute{Frames: []classfile.StackMapFrame{classfile.SameFrame(direct.PC())}}
		attr, err := classfile.NewAttribute(cp, classfile.AttrStackMapTable, smt)
		if err != nil {
			return nil, err
		}
		code.Attributes = append(code.Attributes, attr)
	}
	return code, nil
}

// pushManager emits obj.jdoStateManager, obj, fieldNumber. Field numbers
// beyond the short range are loaded from the constant pool.
func (c *controller) pushManager(a *bytecode.Assembler, smRef uint16, number int) error {
	a.Op(bytecode.OpAload0)
	a.OpU16(bytecode.OpGetfield, smRef)
	a.Op(bytecode.OpAload0)
	if a.PushInt(number) == nil {
		return nil
	}
	if number > math.MaxInt32 {
		return userErrorf(c.class, "field number %d out of range", number)
	}
	idx, err := c.cf.ConstantPool.AddInteger(int32(number))
	if err != nil {
		return err
	}
	a.Ldc(idx)
	return nil
}

// accessorFlags gives the accessor the field's visibility.
func accessorFlags(f *managedField) uint16 {
	return f.access&classfile.AccVisibility | classfile.AccStatic | classfile.AccFinal | classfile.AccSynthetic
}

// generateAccessors adds the planned delegation methods.
func (c *controller) generateAccessors(p *plan) ([]string, error) {
	var names []string
	for _, acc := range p.accessors {
		f := p.fields[acc.field]
		code, err := c.accessorCode(f, acc.kind)
		if err != nil {
			return nil, c.applyError("generate "+acc.methodName(), err)
		}
		if _, err := c.cf.AddMethod(accessorFlags(f), acc.methodName(), c.accessorDescriptor(f, acc.kind), code); err != nil {
			return nil, c.applyError("add "+acc.methodName(), err)
		}
		names = append(names, acc.methodName())
	}
	return names, nil
}

// invokeStatic returns the bytes of invokestatic for acc. It has the
// length of getfield and putfield, so replacing a field access never moves
// code.
func (c *controller) invokeStatic(p *plan, acc accessor) ([]byte, error) {
	f := p.fields[acc.field]
	idx, err := c.cf.ConstantPool.AddMethodref(c.class, acc.methodName(), c.accessorDescriptor(f, acc.kind))
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16([]byte{bytecode.OpInvokestatic}, idx), nil
}
