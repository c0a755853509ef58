package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/interact"
	"github.com/pinstrap/pinstrap/pkg/steps"
	"github.com/pinstrap/pinstrap/pkg/system"
	"github.com/pinstrap/pinstrap/pkg/telemetry"
)

func newProvisionCommand() *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision this host (or --target) as an IPFS node",
		Long: `Run the full provisioning sequence. Steps whose effect is already
present on the host are skipped, so provision is safe to re-run after a
failure or to converge a drifted host.`,
		Example: `  # Provision the local host with an auto-computed storage quota
  sudo pinstrap provision

  # Pin the Go runtime, force the firewall, set a 50 GiB quota
  sudo pinstrap provision -g 1.22.4 -f -m 50

  # Provision a remote Pi from a workstation
  pinstrap provision --target pi@raspberrypi.local -m 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := setup(ctx, opts, true)
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.openStore(ctx); err != nil {
				return err
			}

			tracer, err := telemetry.NewTracer(traceRuns, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer func() {
				if err := tracer.Shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("trace flush failed")
				}
			}()

			metrics := telemetry.NewMetrics()
			if metricsListen != "" {
				metrics.Serve(ctx, metricsListen)
			}
			downloader := system.NewDownloader()
			downloader.OnBytes(metrics.AddBytesFetched)

			var prompter steps.Prompter
			sequencerOpts := []engine.Option{
				engine.WithRecorder(env.store),
				engine.WithMetrics(metrics),
				engine.WithTracer(tracer.Tracer()),
			}
			if interact.IsTerminal() {
				console := interact.NewConsole()
				prompter = console
				if opts.Wait {
					sequencerOpts = append(sequencerOpts, engine.WithPause(console))
				}
			} else if opts.Wait {
				log.Warn().Msg("pause mode needs a terminal, continuing without pauses")
			}

			seq, err := engine.NewSequencer(env.buildSteps(prompter, downloader),
				log.Logger, sequencerOpts...)
			if err != nil {
				return err
			}

			_, err = seq.Run(ctx)
			return err
		},
	}

	cmd.Flags().BoolVarP(&opts.CronAutostart, "cron", "a", false,
		"register an @reboot cron job instead of a systemd unit")
	cmd.Flags().BoolVarP(&opts.DistUpgrade, "dist-upgrade", "d", false,
		"run a full distribution upgrade during bootstrap")
	cmd.Flags().BoolVarP(&opts.ForceFirewall, "firewall", "f", false,
		"install and configure ufw even on Raspberry Pi OS")
	cmd.Flags().StringVarP(&opts.GoVersion, "go-version", "g", "",
		"pin the Go runtime version to fetch (default: use the OS-packaged node binary)")
	cmd.Flags().StringVarP(&opts.StorageMax, "storage-max", "m", "",
		"storage quota in GiB (default: computed from free disk space)")
	cmd.Flags().BoolVarP(&opts.Wait, "wait", "w", false,
		"pause after each step for operator acknowledgment")

	return cmd
}
