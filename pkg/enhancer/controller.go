package enhancer

import (
	"errors"
	"fmt"

	"github.com/daimatz/goenhance/pkg/bytecode"
	"github.com/daimatz/goenhance/pkg/classfile"
	"github.com/daimatz/goenhance/pkg/meta"
)

// ClassLocator finds the class file of a class by internal name. The
// controller uses it to learn the superclass of a persistent ancestor.
type ClassLocator interface {
	Locate(name string) (*classfile.ClassFile, error)
}

const objectClass = "java/lang/Object"

// Names of the members added to a persistence root.
const (
	stateManagerField = "jdoStateManager"
	flagsField        = "jdoFlags"
	flagsDescriptor   = "B"
)

type managedField struct {
	name       string
	desc       string
	access     uint16
	number     int
	primaryKey bool
}

// plan is everything the controller will change in one class. It is built
// and validated completely before the class is touched.
type plan struct {
	class string
	meta  *meta.ClassMetadata
	rec   *ClassRecord

	fields map[string]*managedField

	addInterface    bool
	addStateManager bool
	addFlags        bool

	methods   []*methodPlan
	accessors []accessor
	needed    map[accessor]bool
	warned    map[string]bool
}

// root reports whether the class has no persistent superclass.
func (p *plan) root() bool { return p.rec.Super == "" }

type methodPlan struct {
	method     *classfile.MethodInfo
	sites      []fieldSite
	cloneSites []int
}

func (m *methodPlan) empty() bool { return len(m.sites) == 0 && len(m.cloneSites) == 0 }

// fieldSite is a getfield or putfield to be replaced by an accessor call.
type fieldSite struct {
	pc  int
	acc accessor
}

// controller enhances a single class.
type controller struct {
	env     *Environment
	diag    *Diagnostics
	opts    Options
	src     meta.Source
	locator ClassLocator

	cf    *classfile.ClassFile
	class string
}

func (c *controller) stateManagerDescriptor() string {
	return "L" + c.opts.StateManager + ";"
}

// plan resolves the class's ancestry, validates metadata against the
// structure and collects every change.
func (c *controller) plan(m *meta.ClassMetadata) (*plan, error) {
	rec, err := c.resolve(c.class, m, c.cf.SuperClassName(), map[string]bool{})
	if err != nil {
		return nil, err
	}
	p := &plan{
		class:  c.class,
		meta:   m,
		rec:    rec,
		fields: make(map[string]*managedField),
		needed: make(map[accessor]bool),
		warned: make(map[string]bool),
	}
	if err := c.validateFields(p); err != nil {
		return nil, err
	}
	if p.root() {
		if err := c.planRoot(p); err != nil {
			return nil, err
		}
	}
	if err := c.scanMethods(p); err != nil {
		return nil, err
	}
	return p, nil
}

// resolve returns the registry record of name, creating records for name
// and its persistent ancestors as needed.
func (c *controller) resolve(name string, m *meta.ClassMetadata, super string, seen map[string]bool) (*ClassRecord, error) {
	if rec, ok := c.env.Lookup(name); ok {
		return rec, nil
	}
	if seen[name] {
		return nil, userErrorf(c.class, "superclass cycle through %s", name)
	}
	seen[name] = true

	rec := &ClassRecord{Name: name, Meta: m}
	if m.PersistentSuperclass {
		if super == "" || super == objectClass {
			return nil, userErrorf(c.class, "%s declares a persistent superclass but extends %s", name, objectClass)
		}
		sm, err := c.src.Lookup(super)
		if errors.Is(err, meta.ErrNoMetadata) {
			return nil, userErrorf(c.class, "persistent superclass %s of %s has no metadata", super, name)
		}
		if err != nil {
			return nil, &UserError{Class: c.class, Reason: "metadata lookup for " + super, Err: err}
		}
		var superSuper string
		if sm.PersistentSuperclass {
			if superSuper, err = c.superOf(super); err != nil {
				return nil, err
			}
		}
		srec, err := c.resolve(super, sm, superSuper, seen)
		if err != nil {
			return nil, err
		}
		rec.Super = super
		rec.Inherited = srec.Managed()
	}
	c.env.Register(rec)
	return rec, nil
}

func (c *controller) superOf(name string) (string, error) {
	if c.locator == nil {
		return "", userErrorf(c.class, "cannot determine the superclass of %s: no class path", name)
	}
	cf, err := c.locator.Locate(name)
	if err != nil {
		return "", &UserError{Class: c.class, Reason: "cannot determine the superclass of " + name, Err: err}
	}
	return cf.SuperClassName(), nil
}

func (c *controller) validateFields(p *plan) error {
	ordinal := 0
	for _, fm := range p.meta.Fields {
		f := c.cf.FindField(fm.Name)
		if f == nil {
			return userErrorf(c.class, "field %s declared in metadata is not declared by the class", fm.Name)
		}
		if fm.PrimaryKey && !fm.Managed() {
			return userErrorf(c.class, "primary key field %s is not persistent", fm.Name)
		}
		if !fm.Managed() {
			continue
		}
		if f.IsStatic() {
			return userErrorf(c.class, "static field %s cannot be persistent", fm.Name)
		}
		if f.AccessFlags&classfile.AccFinal != 0 {
			return userErrorf(c.class, "final field %s cannot be persistent", fm.Name)
		}
		p.fields[fm.Name] = &managedField{
			name:       f.Name,
			desc:       f.Descriptor,
			access:     f.AccessFlags,
			number:     p.rec.Inherited + ordinal,
			primaryKey: fm.PrimaryKey,
		}
		ordinal++
	}
	if p.root() && !p.meta.EmbeddedOnly &&
		p.meta.IdentityType() == meta.IdentityApplication && len(p.meta.PrimaryKeys()) == 0 {
		return userErrorf(c.class, "application identity requires a primary key field")
	}
	return nil
}

func (c *controller) planRoot(p *plan) error {
	p.addInterface = !c.cf.HasInterface(c.opts.PersistenceCapable)
	var err error
	if p.addStateManager, err = c.needField(stateManagerField, c.stateManagerDescriptor()); err != nil {
		return err
	}
	p.addFlags, err = c.needField(flagsField, flagsDescriptor)
	return err
}

// needField reports whether a generated field must be added. A field of
// the same name with another type is a collision.
func (c *controller) needField(name, desc string) (bool, error) {
	f := c.cf.FindField(name)
	if f == nil {
		return true, nil
	}
	if f.Descriptor != desc {
		return false, userErrorf(c.class, "field %s is already declared with type %s", name, f.Descriptor)
	}
	return false, nil
}

func (c *controller) scanMethods(p *plan) error {
	cp := c.cf.ConstantPool
	for _, m := range c.cf.Methods {
		code := m.Code()
		if code == nil || m.Name == "<init>" || m.Name == "<clinit>" || isAccessor(m) {
			continue
		}
		insns, err := bytecode.Decode(code.Code)
		if err != nil {
			return &classfile.FormatError{Offset: -1, Msg: fmt.Sprintf("method %s%s", m.Name, m.Descriptor), Err: err}
		}
		mp := &methodPlan{method: m}
		isClone := p.root() && m.Name == "clone" && m.Descriptor == cloneDescriptor
		for _, in := range insns {
			switch in.Opcode {
			case bytecode.OpGetfield, bytecode.OpPutfield:
				ref, err := cp.MemberRef(in.Index(code.Code))
				if err != nil {
					return &classfile.FormatError{Offset: -1, Msg: fmt.Sprintf("method %s%s at %d", m.Name, m.Descriptor, in.PC), Err: err}
				}
				if err := c.fieldAccess(p, mp, in, ref); err != nil {
					return err
				}
			case bytecode.OpInvokespecial:
				if !isClone {
					continue
				}
				ref, err := cp.MemberRef(in.Index(code.Code))
				if err != nil {
					return &classfile.FormatError{Offset: -1, Msg: fmt.Sprintf("method %s%s at %d", m.Name, m.Descriptor, in.PC), Err: err}
				}
				if c.isSuperClone(ref) && !c.resetFollows(code.Code, in) {
					mp.cloneSites = append(mp.cloneSites, in.PC)
				}
			}
		}
		if !mp.empty() {
			p.methods = append(p.methods, mp)
		}
	}
	return nil
}
