// Package enhancer makes compiled classes persistence-capable. Given the
// persistence metadata of a class it adds the PersistenceCapable contract
// to persistence roots, routes access to managed fields through generated
// accessors that consult the StateManager, and marks the result so that
// later runs skip it.
package enhancer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/daimatz/goenhance/pkg/classfile"
	"github.com/daimatz/goenhance/pkg/meta"
	"go.uber.org/zap"
)

// Result describes the outcome for one class.
type Result struct {
	Class      string
	Persistent bool
	Changed    bool
	// Flags are the marker flags of this run's changes.
	Flags     uint16
	Accessors []string
	// Rewritten counts the field accesses routed through accessors.
	Rewritten int
	Warnings  int
	Timings   map[Phase]time.Duration
}

// Enhancer enhances classes one at a time. It is not safe for concurrent
// use; concurrent callers each own an Enhancer.
type Enhancer struct {
	env     *Environment
	src     meta.Source
	locator ClassLocator
	now     func() time.Time
}

// New returns an Enhancer resolving metadata through src.
func New(src meta.Source, env *Environment) *Enhancer {
	return &Enhancer{env: env, src: src, now: time.Now}
}

// WithLocator sets the class lookup used to find superclasses of
// persistent ancestors.
func (e *Enhancer) WithLocator(l ClassLocator) *Enhancer {
	e.locator = l
	return e
}

// WithClock replaces the clock stamped into markers.
func (e *Enhancer) WithClock(now func() time.Time) *Enhancer {
	e.now = now
	return e
}

// Environment returns the Enhancer's environment.
func (e *Enhancer) Environment() *Environment { return e.env }

// Enhance reads one class from in and writes the result to out. An
// unchanged class is copied byte for byte. Nothing is written on error.
// modTime is the modification time of the input; zero means unknown. in
// and out are not closed.
func (e *Enhancer) Enhance(in io.Reader, out io.Writer, modTime time.Time) (res *Result, err error) {
	e.env.begin()
	diag := e.env.Diagnostics()
	class := "?"
	defer func() {
		if r := recover(); r != nil {
			err = &InternalError{Class: class, Reason: fmt.Sprint(r), Stack: debug.Stack()}
			res = nil
		}
		if err != nil {
			diag.Error(class, err)
			e.env.Reset()
		}
	}()

	stop := e.env.Time(PhaseParse)
	data, err := io.ReadAll(in)
	if err != nil {
		stop()
		return nil, &UserError{Class: class, Reason: "read input", Err: err}
	}
	cf, err := classfile.ParseBytes(data)
	stop()
	if err != nil {
		return nil, err
	}
	if class, err = cf.ClassName(); err != nil {
		return nil, err
	}

	stop = e.env.Time(PhaseEnhance)
	res, err = e.EnhanceClass(cf, modTime)
	stop()
	if err != nil {
		return nil, err
	}

	stop = e.env.Time(PhaseWrite)
	output := data
	if res.Changed {
		if output, err = cf.Bytes(); err != nil {
			return nil, e.writeError(class, err)
		}
		if e.env.Options().Verify {
			if _, err := classfile.ParseBytes(output); err != nil {
				return nil, &InternalError{Class: class, Reason: "enhanced class does not read back", Err: err}
			}
		}
		if e.env.Options().Dump && diag.Enabled(VerbosityDebug) {
			var buf strings.Builder
			if err := cf.Dump(&buf); err == nil {
				diag.Debug(class, "enhanced class", zap.String("dump", buf.String()))
			}
		}
	}
	if _, err := io.Copy(out, bytes.NewReader(output)); err != nil {
		return nil, &UserError{Class: class, Reason: "write output", Err: err}
	}
	stop()
	res.Timings = e.env.Timings()
	return res, nil
}

func (e *Enhancer) writeError(class string, err error) error {
	if errors.Is(err, classfile.ErrPoolOverflow) {
		return &UserError{Class: class, Reason: "serialize", Err: err}
	}
	return &InternalError{Class: class, Reason: "serialize", Err: err}
}

// EnhanceClass enhances cf in place and reports what changed. On error cf
// may be partially modified and must be discarded.
func (e *Enhancer) EnhanceClass(cf *classfile.ClassFile, modTime time.Time) (*Result, error) {
	class, err := cf.ClassName()
	if err != nil {
		return nil, err
	}
	diag := e.env.Diagnostics()
	res := &Result{Class: class}

	m, err := e.src.Lookup(class)
	if errors.Is(err, meta.ErrNoMetadata) {
		diag.Debug(class, "not persistence-capable")
		return res, nil
	}
	if err != nil {
		return nil, &UserError{Class: class, Reason: "metadata lookup", Err: err}
	}
	res.Persistent = true

	previous := cf.Marker()
	if previous != nil && previous.Covers(modTime) {
		diag.Verbose(class, "already enhanced")
		return res, nil
	}

	warnings := diag.Warnings()
	c := &controller{
		env:     e.env,
		diag:    diag,
		opts:    e.env.Options(),
		src:     e.src,
		locator: e.locator,
		cf:      cf,
		class:   class,
	}
	p, err := c.plan(m)
	if err != nil {
		return nil, err
	}
	if c.opts.SkipAugment {
		diag.Verbose(class, "metadata is consistent; augmentation skipped")
		res.Warnings = diag.Warnings() - warnings
		return res, nil
	}

	done, err := c.apply(p)
	if err != nil {
		return nil, err
	}
	res.Flags = done.flags
	res.Accessors = done.accessors
	res.Rewritten = done.sites
	res.Changed = done.flags != 0

	if !c.opts.SkipMarker {
		flags := done.flags
		if previous != nil {
			flags |= classfile.MarkerModified
		}
		if err := cf.SetAttribute(classfile.MarkerAttributeName, classfile.NewMarker(flags, modTime, e.now())); err != nil {
			return nil, c.applyError("attach marker", err)
		}
		res.Flags = flags
		res.Changed = true
	}

	if err := cf.CheckIntegrity(); err != nil {
		return nil, &InternalError{Class: class, Reason: "enhanced class fails integrity check", Err: err}
	}
	res.Warnings = diag.Warnings() - warnings
	diag.Verbose(class, "enhanced",
		zap.Uint16("flags", res.Flags),
		zap.Strings("accessors", res.Accessors),
		zap.Int("rewritten", res.Rewritten))
	return res, nil
}
