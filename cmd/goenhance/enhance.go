package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daimatz/goenhance/pkg/config"
	"github.com/daimatz/goenhance/pkg/driver"
	"github.com/daimatz/goenhance/pkg/history"
	"github.com/daimatz/goenhance/pkg/loader"
	"github.com/daimatz/goenhance/pkg/meta"
)

func newEnhanceCmd(a *app) *cobra.Command {
	var (
		classes    bool
		sourcePath []string
	)
	cmd := &cobra.Command{
		Use:   "enhance [flags] <input>...",
		Short: "Enhance the classes of directories, archives or class files",
		Long: `Enhance rewrites every class that has persistence metadata.

Inputs are directories, .jar/.zip/.jmod archives or .class files. Without
--output, directories and class files are enhanced in place. With --class,
the arguments are class names looked up along --source-path.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEnhance(cmd, args, classes, sourcePath)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&classes, "class", false, "treat arguments as class names")
	f.StringSliceVar(&sourcePath, "source-path", nil, "directories and archives holding the named classes")
	f.StringSliceP("metadata", "m", nil, "metadata files (.yaml, .yml, .toml)")
	f.StringP("output", "o", "", "output directory or .jar")
	f.StringSlice("class-path", nil, "directories and archives searched for superclasses")
	f.IntP("concurrency", "j", 0, "classes enhanced in parallel")
	f.StringP("verbosity", "v", "", "quiet, warn, verbose or debug")
	f.Bool("skip-augment", false, "validate metadata without changing classes")
	f.Bool("skip-marker", false, "do not mark enhanced classes")
	f.Bool("timing", false, "report time spent per phase")
	f.Bool("verify", false, "read enhanced classes back before writing")
	f.Bool("dump", false, "log enhanced classes at debug verbosity")
	f.String("persistence-capable", "", "PersistenceCapable interface")
	f.String("state-manager", "", "StateManager interface")
	f.Bool("history", false, "record the run in the history database")
	return cmd
}

func (a *app) runEnhance(cmd *cobra.Command, args []string, classes bool, sourcePath []string) error {
	cfg := a.cfg
	if len(cfg.Metadata.Files) == 0 {
		return errors.New("no metadata files; set --metadata or metadata.files")
	}
	reg, err := meta.LoadRegistry(cfg.Metadata.Files...)
	if err != nil {
		return err
	}
	a.log.Info("metadata loaded", zap.Int("classes", reg.Len()))

	opts, err := cfg.Enhancer.Options()
	if err != nil {
		return err
	}
	dcfg := driver.Config{
		Options:     opts,
		Concurrency: cfg.Driver.Concurrency,
		ClassPath:   cfg.Driver.ClassPath,
		Log:         a.log,
	}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, a.log)
		if err != nil {
			return err
		}
		defer store.Close()
		dcfg.History = store
	}

	sink, err := openSink(cfg.Driver)
	if err != nil {
		return err
	}
	d := driver.New(reg, dcfg)
	var sum *driver.Summary
	if classes {
		sum, err = d.RunClasses(cmd.Context(), args, sourcePath, sink)
	} else {
		sum, err = d.Run(cmd.Context(), args, sink)
	}
	if sink != nil {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if sum != nil {
		printSummary(cmd.OutOrStdout(), sum)
	}
	if err != nil {
		return err
	}
	if n := sum.Failed(); n > 0 {
		return fmt.Errorf("%d of %d classes failed", n, sum.Classes)
	}
	return nil
}

// openSink returns nil for in-place enhancement.
func openSink(cfg config.DriverConfig) (loader.Sink, error) {
	switch {
	case cfg.Output == "":
		return nil, nil
	case strings.EqualFold(filepath.Ext(cfg.Output), ".jar"), strings.EqualFold(filepath.Ext(cfg.Output), ".zip"):
		return loader.CreateJar(cfg.Output)
	}
	return loader.NewDirSink(cfg.Output), nil
}

func printSummary(w io.Writer, s *driver.Summary) {
	fmt.Fprintf(w, "%d classes: %d enhanced, %d unchanged, %d failed", s.Classes, s.Enhanced, s.Unchanged, s.Failed())
	if s.Warnings > 0 {
		fmt.Fprintf(w, ", %d warnings", s.Warnings)
	}
	if s.Aborted {
		fmt.Fprint(w, " (aborted)")
	}
	fmt.Fprintln(w)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s: %v\n", f.Class, f.Err)
	}
	if s.RunID != "" {
		fmt.Fprintf(w, "run %s\n", s.RunID)
	}
}
