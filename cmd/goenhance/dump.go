package main

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daimatz/goenhance/pkg/classfile"
	"github.com/daimatz/goenhance/pkg/loader"
	"github.com/daimatz/goenhance/pkg/meta"
)

func newDumpCmd(a *app) *cobra.Command {
	var sourcePath []string
	cmd := &cobra.Command{
		Use:   "dump <class-file | class-name>",
		Short: "Print the structure of a class file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := readClass(args[0], sourcePath)
			if err != nil {
				return err
			}
			return cf.Dump(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&sourcePath, "source-path", nil, "directories and archives searched for a class name")
	return cmd
}

// readClass parses arg as a file when it exists, otherwise as a class name
// along sourcePath.
func readClass(arg string, sourcePath []string) (*classfile.ClassFile, error) {
	if _, err := os.Stat(arg); err == nil {
		return classfile.ParseFile(arg)
	}
	if len(sourcePath) == 0 {
		return nil, errors.New(arg + ": no such file; set --source-path to look up class names")
	}
	var sources []loader.Source
	for _, p := range sourcePath {
		s, err := loader.Open(p)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	cp := loader.NewClassPath(sources...)
	defer cp.Close()
	return cp.Locate(meta.InternalName(strings.TrimSuffix(arg, ".class")))
}
