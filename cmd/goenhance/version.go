package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with
// -ldflags "-X main.Version=1.2.3".
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print the version",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "goenhance version %s\n", Version)
			return err
		},
	}
}
