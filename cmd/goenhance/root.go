package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/daimatz/goenhance/pkg/config"
	"github.com/daimatz/goenhance/pkg/observability"
)

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":           "logger.level",
	"log-format":          "logger.format",
	"log-file":            "logger.log_file",
	"verbosity":           "enhancer.verbosity",
	"skip-augment":        "enhancer.skip_augment",
	"skip-marker":         "enhancer.skip_marker",
	"timing":              "enhancer.timing",
	"verify":              "enhancer.verify",
	"dump":                "enhancer.dump",
	"persistence-capable": "enhancer.persistence_capable",
	"state-manager":       "enhancer.state_manager",
	"concurrency":         "driver.concurrency",
	"output":              "driver.output",
	"class-path":          "driver.class_path",
	"metadata":            "metadata.files",
	"history":             "history.enabled",
	"history-db":          "history.path",
}

// app carries the state shared by the subcommands of one invocation.
type app struct {
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "goenhance",
		Short:        "Make compiled classes persistence-capable",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}
	root.SetVersionTemplate(`{{printf "goenhance version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./goenhance.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: console or json")
	pf.String("log-file", "", "also log JSON to this rotated file")
	pf.String("history-db", "", "run history database")

	root.AddCommand(newEnhanceCmd(a), newDumpCmd(a), newHistoryCmd(a), newVersionCmd())
	return root
}

func (a *app) initialize(cmd *cobra.Command) error {
	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	if a.cfg, err = config.Load(v); err != nil {
		return err
	}
	observability.Initialize(a.cfg.Logger, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
	a.log = observability.GetLogger()
	a.log.Debug("configuration loaded", zap.String("file", v.ConfigFileUsed()))
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		if berr := v.BindPFlag(key, f); berr != nil {
			err = fmt.Errorf("binding flag --%s: %w", f.Name, berr)
		}
	})
	return err
}
