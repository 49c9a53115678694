package enhancer

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/daimatz/goenhance/pkg/bytecode"
	"github.com/daimatz/goenhance/pkg/classfile"
	"go.uber.org/zap"
)

const cloneDescriptor = "()Ljava/lang/Object;"

// cloneResetStack is the extra operand stack the clone reset needs.
const cloneResetStack = 3

// applied summarizes the changes made to a class.
type applied struct {
	flags     uint16
	accessors []string
	sites     int
}

// apply performs p. Errors leave the class partially modified; callers
// discard it.
func (c *controller) apply(p *plan) (*applied, error) {
	res := &applied{}
	if p.root() {
		added, err := c.augmentRoot(p)
		if err != nil {
			return nil, err
		}
		if added {
			res.flags |= classfile.MarkerGenerated
		}
	}

	names, err := c.generateAccessors(p)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		res.flags |= classfile.MarkerGenerated
		res.accessors = names
	}

	for _, mp := range p.methods {
		if err := c.rewriteMethod(p, mp); err != nil {
			return nil, err
		}
		res.sites += len(mp.sites)
		res.flags |= classfile.MarkerAnnotated
	}
	return res, nil
}

// augmentRoot adds the PersistenceCapable interface and the state fields.
func (c *controller) augmentRoot(p *plan) (bool, error) {
	added := false
	if p.addInterface {
		if _, err := c.cf.AddInterface(c.opts.PersistenceCapable); err != nil {
			return false, c.applyError("add interface", err)
		}
		c.diag.Verbose(c.class, "added interface", zap.String("interface", c.opts.PersistenceCapable))
		added = true
	}
	const access = classfile.AccProtected | classfile.AccTransient
	if p.addStateManager {
		if _, err := c.cf.AddField(access, stateManagerField, c.stateManagerDescriptor()); err != nil {
			return false, c.applyError("add field "+stateManagerField, err)
		}
		added = true
	}
	if p.addFlags {
		if _, err := c.cf.AddField(access, flagsField, flagsDescriptor); err != nil {
			return false, c.applyError("add field "+flagsField, err)
		}
		added = true
	}
	return added, nil
}

func (c *controller) rewriteMethod(p *plan, mp *methodPlan) error {
	code := mp.method.Code()
	where := mp.method.Name + mp.method.Descriptor
	edits := make([]bytecode.Edit, 0, len(mp.sites)+len(mp.cloneSites))
	for _, s := range mp.sites {
		b, err := c.invokeStatic(p, s.acc)
		if err != nil {
			return c.applyError("rewrite "+where, err)
		}
		edits = append(edits, bytecode.Edit{PC: s.pc, Replace: b})
	}
	if len(mp.cloneSites) > 0 {
		reset, err := c.cloneReset()
		if err != nil {
			return c.applyError("rewrite "+where, err)
		}
		for _, pc := range mp.cloneSites {
			edits = append(edits, bytecode.Edit{PC: pc, After: reset})
		}
		code.MaxStack += cloneResetStack
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].PC < edits[j].PC })

	dropped, err := code.ApplyEdits(edits)
	if err != nil {
		return c.applyError("rewrite "+where, err)
	}
	for _, name := range dropped {
		c.diag.Warning(c.class, "dropped attribute that cannot be relocated",
			zap.String("method", where), zap.String("attribute", name))
	}
	c.diag.Debug(c.class, "rewrote method", zap.String("method", where),
		zap.Int("fieldAccesses", len(mp.sites)), zap.Int("cloneResets", len(mp.cloneSites)))
	return nil
}

// cloneReset returns the code inserted after super.clone(). With the copy
// on the stack it clears the copy's state fields and leaves the stack as
// it was:
//
//	dup; checkcast C; dup; aconst_null; putfield jdoStateManager;
//	iconst_0; putfield jdoFlags
func (c *controller) cloneReset() ([]byte, error) {
	cp := c.cf.ConstantPool
	self, err := cp.AddClass(c.class)
	if err != nil {
		return nil, err
	}
	smRef, err := cp.AddFieldref(c.class, stateManagerField, c.stateManagerDescriptor())
	if err != nil {
		return nil, err
	}
	flagsRef, err := cp.AddFieldref(c.class, flagsField, flagsDescriptor)
	if err != nil {
		return nil, err
	}
	b := []byte{bytecode.OpDup, bytecode.OpCheckcast}
	b = binary.BigEndian.AppendUint16(b, self)
	b = append(b, bytecode.OpDup, bytecode.OpAconstNull, bytecode.OpPutfield)
	b = binary.BigEndian.AppendUint16(b, smRef)
	b = append(b, bytecode.OpIconst0, bytecode.OpPutfield)
	b = binary.BigEndian.AppendUint16(b, flagsRef)
	return b, nil
}

func (c *controller) isSuperClone(ref *classfile.MemberRefInfo) bool {
	return ref.Tag == classfile.TagMethodref &&
		ref.ClassName == c.cf.SuperClassName() &&
		ref.Name == "clone" && ref.Descriptor == cloneDescriptor
}

// resetFollows reports whether the clone reset already follows the call
// at in, as left by an earlier run.
func (c *controller) resetFollows(code []byte, in bytecode.Instruction) bool {
	at := in.PC + in.Length
	if at+13 > len(code) {
		return false
	}
	return code[at] == bytecode.OpDup && code[at+1] == bytecode.OpCheckcast &&
		code[at+4] == bytecode.OpDup && code[at+5] == bytecode.OpAconstNull &&
		code[at+6] == bytecode.OpPutfield && code[at+9] == bytecode.OpIconst0 &&
		code[at+10] == bytecode.OpPutfield
}

// applyError classifies a failure while changing the class. Running out
// of constant pool slots or branch range is a property of the input.
func (c *controller) applyError(what string, err error) error {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}
	if errors.Is(err, classfile.ErrPoolOverflow) || errors.Is(err, bytecode.ErrBranchOverflow) {
		return &UserError{Class: c.class, Reason: "cannot " + what, Err: err}
	}
	return &InternalError{Class: c.class, Reason: what, Err: err}
}
