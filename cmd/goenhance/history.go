package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/daimatz/goenhance/pkg/history"
	"github.com/daimatz/goenhance/pkg/meta"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit int
		class string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded enhancement runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := history.Open(a.cfg.History.Path, a.log)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if class != "" {
				recs, err := store.ClassHistory(cmd.Context(), meta.InternalName(class), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "RUN\tAT\tSTATUS\tFLAGS\tACCESSORS\tERROR")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%#x\t%d\t%s\n", r.RunID, r.At.Local().Format(time.DateTime), r.Status, r.Flags, r.Accessors, r.Error)
				}
				return w.Flush()
			}

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RUN\tSTARTED\tENHANCED\tUNCHANGED\tFAILED\tSTATE\tSOURCES")
			for _, r := range runs {
				state := "finished"
				switch {
				case r.Aborted:
					state = "aborted"
				case r.FinishedAt.IsZero():
					state = "running"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime), r.Enhanced, r.Unchanged, r.Failed, state, r.Sources)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().StringVar(&class, "class", "", "show the outcomes of one class")
	return cmd
}
