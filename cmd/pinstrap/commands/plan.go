package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/system"
)

func newPlanCommand() *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what provision would do without changing anything",
		Long: `Evaluate every step's precondition against the host and report which
steps would run and which are already applied. No mutation happens.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := setup(ctx, opts, false)
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.openStore(ctx); err != nil {
				return err
			}

			seq, err := engine.NewSequencer(
				env.buildSteps(nil, system.NewDownloader()), log.Logger)
			if err != nil {
				return err
			}

			entries, err := seq.Plan(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tACTION\tSUMMARY")
			for _, e := range entries {
				action := "skip (applied)"
				if e.WouldRun {
					action = "run"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.StepID, action, e.Summary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&opts.CronAutostart, "cron", "a", false,
		"plan for an @reboot cron job instead of a systemd unit")
	cmd.Flags().BoolVarP(&opts.DistUpgrade, "dist-upgrade", "d", false,
		"plan with a full distribution upgrade")
	cmd.Flags().BoolVarP(&opts.ForceFirewall, "firewall", "f", false,
		"plan with ufw forced on")
	cmd.Flags().StringVarP(&opts.GoVersion, "go-version", "g", "",
		"pin the Go runtime version")
	cmd.Flags().StringVarP(&opts.StorageMax, "storage-max", "m", "",
		"storage quota in GiB")

	return cmd
}
