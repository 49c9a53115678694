// Package driver runs the enhancer over directories, archives and named
// classes. Classes are enhanced concurrently; every worker owns its own
// Enhancer and Environment.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/goenhance/pkg/enhancer"
	"github.com/daimatz/goenhance/pkg/history"
	"github.com/daimatz/goenhance/pkg/loader"
	"github.com/daimatz/goenhance/pkg/meta"
)

// ErrAborted is returned when a fatal error stopped the run.
var ErrAborted = errors.New("enhancement aborted")

// Config configures a Driver.
type Config struct {
	Options     enhancer.Options
	Concurrency int
	// ClassPath lists directories and archives searched for superclasses
	// in addition to the inputs.
	ClassPath []string
	// History, when set, receives one run and one record per class.
	History *history.Store
	Log     *zap.Logger
	// Now stamps markers; nil means time.Now.
	Now func() time.Time
}

// Failure is a class that could not be enhanced.
type Failure struct {
	Class string
	Err   error
}

// Summary reports a run.
type Summary struct {
	RunID     string
	Classes   int
	Enhanced  int
	Unchanged int
	Failures  []Failure
	Warnings  int
	Aborted   bool
	// Timings sums the per-phase durations of every class when timing is
	// enabled.
	Timings map[enhancer.Phase]time.Duration
}

// Failed returns the number of failed classes.
func (s *Summary) Failed() int { return len(s.Failures) }

// Driver enhances batches of classes.
type Driver struct {
	cfg Config
	src meta.Source
	log *zap.Logger

	mu      sync.Mutex
	summary *Summary
}

// New returns a Driver resolving metadata through src.
func New(src meta.Source, cfg Config) *Driver {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Driver{cfg: cfg, src: src, log: cfg.Log}
}

type job struct {
	entry *loader.Entry
	sink  loader.Sink
	// inPlace skips rewriting classes that did not change.
	inPlace bool
}

// Run enhances every class of the inputs. Each input is a directory, an
// archive or a class file. With a nil sink, directories and class files are
// enhanced in place and archives are rejected. The sink is not closed.
func (d *Driver) Run(ctx context.Context, inputs []string, sink loader.Sink) (*Summary, error) {
	sources, err := openAll(inputs)
	if err != nil {
		return nil, err
	}
	extra, err := openAll(d.cfg.ClassPath)
	if err != nil {
		closeAll(sources)
		return nil, err
	}
	cp := loader.NewClassPath(append(append([]loader.Source{}, sources...), extra...)...)
	defer cp.Close()

	var jobs []job
	for _, src := range sources {
		out, inPlace, err := targetFor(src, sink)
		if err != nil {
			return nil, err
		}
		if inPlace && out != sink {
			defer out.Close()
		}
		entries, err := src.Entries()
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", src, err)
		}
		for _, e := range entries {
			jobs = append(jobs, job{entry: e, sink: out, inPlace: inPlace})
		}
	}
	return d.process(ctx, strings.Join(inputs, ","), cp, jobs)
}

// RunClasses enhances the named classes, found along sourcePath. Names may
// be dotted or internal. Results are written to sink, which is required.
func (d *Driver) RunClasses(ctx context.Context, names []string, sourcePath []string, sink loader.Sink) (*Summary, error) {
	if sink == nil {
		return nil, errors.New("an output is required when enhancing named classes")
	}
	sources, err := openAll(append(append([]string{}, sourcePath...), d.cfg.ClassPath...))
	if err != nil {
		return nil, err
	}
	cp := loader.NewClassPath(sources...)
	defer cp.Close()

	jobs := make([]job, 0, len(names))
	for _, n := range names {
		name := meta.InternalName(strings.TrimSuffix(n, ".class"))
		e, err := cp.Find(name)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", n, err)
		}
		jobs = append(jobs, job{entry: e, sink: sink})
	}
	return d.process(ctx, strings.Join(names, ","), cp, jobs)
}

func (d *Driver) process(ctx context.Context, label string, cp *loader.ClassPath, jobs []job) (*Summary, error) {
	d.summary = &Summary{Timings: make(map[enhancer.Phase]time.Duration)}
	summary := d.summary

	if d.cfg.History != nil {
		id, err := d.cfg.History.BeginRun(ctx, label)
		if err != nil {
			return nil, err
		}
		summary.RunID = id
	}

	workers := make(chan *enhancer.Enhancer, d.cfg.Concurrency)
	for i := 0; i < d.cfg.Concurrency; i++ {
		env := enhancer.NewEnvironment(d.cfg.Options, d.log.With(zap.Int("worker", i)))
		e := enhancer.New(d.src, env).WithLocator(cp)
		if d.cfg.Now != nil {
			e = e.WithClock(d.cfg.Now)
		}
		workers <- e
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			e := <-workers
			defer func() { workers <- e }()
			return d.enhanceOne(ctx, e, j)
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	summary.Aborted = err != nil

	if d.cfg.History != nil {
		if herr := d.cfg.History.FinishRun(context.WithoutCancel(ctx), summary.RunID, summary.Aborted); herr != nil {
			d.log.Warn("failed to finish history run", zap.Error(herr))
		}
	}
	d.log.Info("enhancement finished",
		zap.Int("classes", summary.Classes),
		zap.Int("enhanced", summary.Enhanced),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("failed", summary.Failed()),
		zap.Int("warnings", summary.Warnings),
		zap.Bool("aborted", summary.Aborted))
	if d.cfg.Options.Timing {
		for phase, dur := range summary.Timings {
			d.log.Info("timing", zap.String("phase", string(phase)), zap.Duration("total", dur))
		}
	}
	if err != nil {
		return summary, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return summary, nil
}

// enhanceOne returns an error only when the run must stop.
func (d *Driver) enhanceOne(ctx context.Context, e *enhancer.Enhancer, j job) error {
	start := time.Now()
	in, err := j.entry.Open()
	if err != nil {
		d.fail(ctx, j.entry.Name, err, time.Since(start))
		return nil
	}
	var out bytes.Buffer
	res, err := e.Enhance(in, &out, j.entry.ModTime)
	in.Close()
	if err != nil {
		if last := e.Environment().Diagnostics().LastError(); last != nil {
			err = last
		}
	}
	if err == nil && (res.Changed || !j.inPlace) {
		if werr := j.sink.Write(j.entry, out.Bytes()); werr != nil {
			err = &enhancer.UserError{Class: j.entry.Name, Reason: "write output", Err: werr}
		}
	}
	if err != nil {
		d.fail(ctx, j.entry.Name, err, time.Since(start))
		if enhancer.IsFatal(err) {
			return err
		}
		return nil
	}
	d.succeed(ctx, res, time.Since(start))
	return nil
}

func (d *Driver) succeed(ctx context.Context, res *enhancer.Result, dur time.Duration) {
	status := history.StatusUnchanged
	if res.Changed {
		status = history.StatusEnhanced
	}
	d.mu.Lock()
	d.summary.Classes++
	d.summary.Warnings += res.Warnings
	if res.Changed {
		d.summary.Enhanced++
	} else {
		d.summary.Unchanged++
	}
	for phase, t := range res.Timings {
		d.summary.Timings[phase] += t
	}
	d.mu.Unlock()

	if res.Changed {
		d.log.Debug("enhanced", zap.String("class", res.Class),
			zap.Strings("accessors", res.Accessors), zap.Int("rewritten", res.Rewritten))
	}
	d.record(ctx, history.ClassRecord{
		Class:     res.Class,
		Status:    status,
		Flags:     res.Flags,
		Accessors: len(res.Accessors),
		Duration:  dur,
	})
}

func (d *Driver) fail(ctx context.Context, class string, err error, dur time.Duration) {
	d.mu.Lock()
	d.summary.Classes++
	d.summary.Failures = append(d.summary.Failures, Failure{Class: class, Err: err})
	d.mu.Unlock()
	d.record(ctx, history.ClassRecord{Class: class, Status: history.StatusFailed, Error: err.Error(), Duration: dur})
}

func (d *Driver) record(ctx context.Context, rec history.ClassRecord) {
	if d.cfg.History == nil {
		return
	}
	rec.RunID = d.summary.RunID
	if err := d.cfg.History.Record(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn("failed to record class history", zap.String("class", rec.Class), zap.Error(err))
	}
}

// targetFor returns where the classes of src go and whether that is the
// source itself.
func targetFor(src loader.Source, sink loader.Sink) (loader.Sink, bool, error) {
	if sink != nil {
		return sink, false, nil
	}
	switch s := src.(type) {
	case *loader.DirSource:
		return loader.NewDirSink(s.Root), true, nil
	case *loader.FileSource:
		return loader.NewFileSink(s.Path), true, nil
	}
	return nil, false, fmt.Errorf("%s: archives cannot be enhanced in place; set an output", src)
}

func openAll(paths []string) ([]loader.Source, error) {
	var out []loader.Source
	for _, p := range paths {
		s, err := loader.Open(p)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func closeAll(sources []loader.Source) {
	for _, s := range sources {
		_ = s.Close()
	}
}
