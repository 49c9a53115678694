package enhancer

import (
	"sync"
	"time"

	"github.com/daimatz/goenhance/pkg/meta"
	"go.uber.org/zap"
)

// Phase names a timed step of enhancing one class.
type Phase string

const (
	PhaseParse   Phase = "parse"
	PhaseEnhance Phase = "enhance"
	PhaseWrite   Phase = "write"
)

// ClassRecord is what the Environment knows about a persistent class once
// its metadata has been resolved.
type ClassRecord struct {
	Name string
	Meta *meta.ClassMetadata
	// Super is the persistent superclass, empty for a persistence root.
	Super string
	// Inherited is the number of managed fields of all persistent
	// ancestors. Field numbers of this class start there.
	Inherited int
}

// Managed returns the total number of managed fields including inherited
// ones.
func (r *ClassRecord) Managed() int { return r.Inherited + r.Meta.ManagedCount() }

// Environment carries the options, diagnostics, class registry and timing
// statistics of an Enhancer. It is owned by a single Enhancer and is reset
// between classes.
type Environment struct {
	opts Options
	diag *Diagnostics

	mu      sync.Mutex
	classes map[string]*ClassRecord
	timings map[Phase]time.Duration
}

// NewEnvironment returns an Environment logging through log.
func NewEnvironment(opts Options, log *zap.Logger) *Environment {
	opts = opts.withDefaults()
	return &Environment{
		opts:    opts,
		diag:    NewDiagnostics(log, opts.Verbosity),
		classes: make(map[string]*ClassRecord),
		timings: make(map[Phase]time.Duration),
	}
}

// Options returns a copy of the options.
func (e *Environment) Options() Options { return e.opts }

// Diagnostics returns the message sink.
func (e *Environment) Diagnostics() *Diagnostics { return e.diag }

// Register records rec, replacing an earlier record of the same class.
func (e *Environment) Register(rec *ClassRecord) {
	e.mu.Lock()
	e.classes[rec.Name] = rec
	e.mu.Unlock()
}

// Lookup returns the record of name.
func (e *Environment) Lookup(name string) (*ClassRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.classes[name]
	return rec, ok
}

// Time starts timing phase and returns the function that stops it. Nothing
// is recorded unless timing is enabled.
//
//	defer env.Time(PhaseParse)()
func (e *Environment) Time(phase Phase) func() {
	if !e.opts.Timing {
		return func() {}
	}
	start := time.Now()
	return func() {
		d := time.Since(start)
		e.mu.Lock()
		e.timings[phase] += d
		e.mu.Unlock()
	}
}

// Timings returns a copy of the accumulated phase durations.
func (e *Environment) Timings() map[Phase]time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Phase]time.Duration, len(e.timings))
	for p, d := range e.timings {
		out[p] = d
	}
	return out
}

// Reset clears the registry, counters and timings. Options and the last
// error are kept.
func (e *Environment) Reset() {
	e.mu.Lock()
	clear(e.classes)
	clear(e.timings)
	e.mu.Unlock()
	e.diag.reset()
}

// begin prepares the environment for the next class.
func (e *Environment) begin() {
	e.Reset()
	e.diag.clearLastError()
}
