package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/render"
)

func newRenderCommand() *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the autostart definition that provision would install",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			definition, err := render.Autostart(env.cfg)
			if err != nil {
				return err
			}
			fmt.Print(definition)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.CronAutostart, "cron", "a", false,
		"render the @reboot cron entry instead of the systemd unit")
	cmd.Flags().StringVarP(&opts.GoVersion, "go-version", "g", "",
		"pin the Go runtime version")
	cmd.Flags().StringVarP(&opts.StorageMax, "storage-max", "m", "",
		"storage quota in GiB")

	return cmd
}
