package enhancer

import (
	"fmt"
	"strings"
)

// Verbosity selects which diagnostics are emitted.
type Verbosity int

const (
	VerbosityQuiet Verbosity = iota
	VerbosityWarn
	VerbosityVerbose
	VerbosityDebug
)

var verbosityNames = []string{"quiet", "warn", "verbose", "debug"}

func (v Verbosity) String() string {
	if v >= 0 && int(v) < len(verbosityNames) {
		return verbosityNames[v]
	}
	return fmt.Sprintf("verbosity(%d)", int(v))
}

// ParseVerbosity parses one of quiet, warn, verbose or debug.
func ParseVerbosity(s string) (Verbosity, error) {
	for i, n := range verbosityNames {
		if strings.EqualFold(s, n) {
			return Verbosity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown verbosity %q", s)
}

// Default names of the persistence contract types.
const (
	DefaultPersistenceCapable = "javax/jdo/spi/PersistenceCapable"
	DefaultStateManager       = "javax/jdo/spi/StateManager"
)

// Options are the behavior switches of an Environment. They do not change
// after the Environment is created.
type Options struct {
	Verbosity Verbosity
	// SkipAugment validates metadata against the class without changing it.
	SkipAugment bool
	// SkipMarker leaves out the enhancement marker attribute.
	SkipMarker bool
	// Timing collects per-phase durations.
	Timing bool
	// Verify reads every written class back before reporting success.
	Verify bool
	// Dump writes a listing of every enhanced class at debug verbosity.
	Dump bool

	// PersistenceCapable and StateManager are internal class names.
	PersistenceCapable string
	StateManager       string
}

// DefaultOptions returns warn verbosity and the standard contract names.
func DefaultOptions() Options {
	return Options{
		Verbosity:          VerbosityWarn,
		PersistenceCapable: DefaultPersistenceCapable,
		StateManager:       DefaultStateManager,
	}
}

func (o Options) withDefaults() Options {
	if o.PersistenceCapable == "" {
		o.PersistenceCapable = DefaultPersistenceCapable
	}
	if o.StateManager == "" {
		o.StateManager = DefaultStateManager
	}
	return o
}
