package enhancer

import (
	"sync"

	"go.uber.org/zap"
)

// Diagnostics collects the messages of an enhancement run and forwards the
// ones selected by the verbosity to a zap logger. Every message carries the
// class it concerns.
type Diagnostics struct {
	log   *zap.Logger
	level Verbosity

	mu       sync.Mutex
	errors   int
	warnings int
	lastErr  error
}

// NewDiagnostics returns a sink writing to log. A nil log discards output
// but still counts.
func NewDiagnostics(log *zap.Logger, level Verbosity) *Diagnostics {
	if log == nil {
		log = zap.NewNop()
	}
	return &Diagnostics{log: log, level: level}
}

// Level returns the configured verbosity.
func (d *Diagnostics) Level() Verbosity { return d.level }

// Enabled reports whether messages at v are emitted.
func (d *Diagnostics) Enabled(v Verbosity) bool { return d.level >= v }

// Debug logs at debug verbosity.
func (d *Diagnostics) Debug(class, msg string, fields ...zap.Field) {
	if d.level >= VerbosityDebug {
		d.log.Debug(msg, append(fields, zap.String("class", class))...)
	}
}

// Verbose logs progress at verbose verbosity.
func (d *Diagnostics) Verbose(class, msg string, fields ...zap.Field) {
	if d.level >= VerbosityVerbose {
		d.log.Info(msg, append(fields, zap.String("class", class))...)
	}
}

// Info logs a message shown unless quiet.
func (d *Diagnostics) Info(class, msg string, fields ...zap.Field) {
	if d.level >= VerbosityWarn {
		d.log.Info(msg, append(fields, zap.String("class", class))...)
	}
}

// Warning counts and logs a warning.
func (d *Diagnostics) Warning(class, msg string, fields ...zap.Field) {
	d.mu.Lock()
	d.warnings++
	d.mu.Unlock()
	if d.level >= VerbosityWarn {
		d.log.Warn(msg, append(fields, zap.String("class", class))...)
	}
}

// Error counts and logs err. Errors are emitted at every verbosity.
func (d *Diagnostics) Error(class string, err error) {
	d.mu.Lock()
	d.errors++
	d.lastErr = err
	d.mu.Unlock()
	d.log.Error("enhancement failed", zap.String("class", class), zap.Error(err))
}

// Errors returns the number of errors since the last reset.
func (d *Diagnostics) Errors() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errors
}

// Warnings returns the number of warnings since the last reset.
func (d *Diagnostics) Warnings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.warnings
}

// LastError returns the error of the most recent failed class. It survives
// the reset that follows a failure and is cleared when the next class
// starts.
func (d *Diagnostics) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// reset clears the counters.
func (d *Diagnostics) reset() {
	d.mu.Lock()
	d.errors, d.warnings = 0, 0
	d.mu.Unlock()
}

func (d *Diagnostics) clearLastError() {
	d.mu.Lock()
	d.lastErr = nil
	d.mu.Unlock()
}
