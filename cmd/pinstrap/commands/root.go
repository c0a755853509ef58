// Package commands wires the provisioning engine into the pinstrap CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pinstrap/pinstrap/pkg/telemetry"
)

var (
	// Global flags
	verbose        bool
	jsonOutput     bool
	defaultsPath   string
	statePath      string
	legacySentinel string
	target         string
	identityFile   string
	traceRuns      bool
	metricsListen  string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pinstrap",
		Short: "Pinstrap - idempotent IPFS node provisioning",
		Long: `Pinstrap turns a stock Raspberry Pi OS or Debian host into a running
IPFS node: OS packages, service account, node binary, repository
initialization, storage quota, firewall, and boot-time autostart.

Every step checks whether its effect is already present before acting,
so re-running after a failure converges instead of redoing work.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = telemetry.NewLogger(telemetry.LoggerConfig{
				Verbose: verbose,
				JSON:    jsonOutput,
			})
			// Flags parsed fine; from here on a failure is a runtime error
			// and repeating the usage text would only bury it.
			cmd.Root().SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVar(&defaultsPath, "defaults", "", "YAML defaults file")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "/var/lib/pinstrap/state.db",
		"applied-steps database path")
	rootCmd.PersistentFlags().StringVar(&legacySentinel, "legacy-sentinel", ".bootstrap-done",
		"marker file earlier installer generations left after bootstrap")
	rootCmd.PersistentFlags().StringVar(&target, "target", "",
		"provision a remote host over SSH (user@host[:port])")
	rootCmd.PersistentFlags().StringVar(&identityFile, "identity", "",
		"SSH private key for --target")
	rootCmd.PersistentFlags().BoolVar(&traceRuns, "trace", false, "emit trace spans to stderr")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "",
		"expose Prometheus metrics on this address during the run")

	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
