package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinstrap/pinstrap/pkg/state"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied steps and recent run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := state.Open(ctx, statePath)
			if err != nil {
				return err
			}
			defer store.Close()
			if legacySentinel != "" {
				store.HonorLegacySentinel(legacySentinel)
			}

			applied, err := store.ListApplied(ctx)
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(struct {
					Applied []state.AppliedStep `json:"applied"`
					Runs    []state.Run         `json:"runs"`
				}{Applied: applied, Runs: runs})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "APPLIED STEP\tAT")
			for _, a := range applied {
				fmt.Fprintf(w, "%s\t%s\n", a.StepID, a.AppliedAt.Format(time.RFC3339))
			}
			if len(applied) == 0 {
				fmt.Fprintln(w, "(none)\t")
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tSUCCEEDED\tSKIPPED\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					r.ID, r.Status, r.StartedAt.Format(time.RFC3339),
					r.Summary.Succeeded, r.Summary.Skipped, r.Summary.Failed)
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "(none)\t\t\t\t\t")
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	return cmd
}
