// Package steps binds the external collaborators to the fixed provisioning
// step list. Each constructor pairs an idempotency probe with the mutation
// it guards; the sequencer owns ordering and bookkeeping.
package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/nodeconf"
	"github.com/pinstrap/pinstrap/pkg/render"
	"github.com/pinstrap/pinstrap/pkg/runner"
	"github.com/pinstrap/pinstrap/pkg/system"
)

// basePackages are installed during bootstrap on every host.
var basePackages = []string{"git", "curl", "ca-certificates"}

// profilePath is the shell drop-in that puts installed binaries on PATH.
const profilePath = "/etc/profile.d/ipfs-path.sh"

// AppliedStore answers whether a step was applied by an earlier run.
type AppliedStore interface {
	IsApplied(ctx context.Context, id engine.StepID) (bool, error)
}

// Prober checks connectivity to a download origin.
type Prober interface {
	Probe(ctx context.Context, origin string) error
}

// Prompter asks the operator a yes/no question. Nil or non-interactive
// sessions never prompt.
type Prompter interface {
	Confirm(ctx context.Context, title string) (bool, error)
}

// Deps carries the collaborators the steps operate through.
type Deps struct {
	Cfg        *config.Config
	Runner     runner.Runner
	Store      AppliedStore
	Apt        *system.Apt
	Downloader *system.Downloader
	Extractor  *system.Extractor
	Accounts   *system.Accounts
	Systemd    *system.Systemd
	Cron       *system.Cron
	Firewall   *system.Firewall
	Node       *system.Node
	Prober     Prober
	Prompter   Prompter
}

// All returns the full step list in execution order.
func All(d Deps) []engine.Step {
	return []engine.Step{
		OSBootstrap(d),
		AccountCreated(d),
		RuntimeInstalled(d),
		NodeInstalled(d),
		NodeInitialized(d),
		FirewallOpened(d),
		QuotaSet(d),
		AutostartRegistered(d),
		PostInstall(d),
		DaemonStarted(d),
	}
}

// OSBootstrap refreshes the package index, optionally dist-upgrades, and
// installs the base packages. It runs once per host: the applied-steps
// ledger (or a legacy sentinel) marks it done.
func OSBootstrap(d Deps) engine.Step {
	return engine.Step{
		ID:      engine.StepOSBootstrap,
		Summary: "update package index and install base packages",
		Precondition: func(ctx context.Context) (bool, error) {
			return d.Store.IsApplied(ctx, engine.StepOSBootstrap)
		},
		Action: func(ctx context.Context) error {
			if err := probeWithFallback(ctx, d); err != nil {
				return err
			}
			if err := d.Apt.Update(ctx); err != nil {
				return err
			}
			if d.Cfg.DistUpgrade {
				if err := d.Apt.Upgrade(ctx, true); err != nil {
					return err
				}
			}
			return d.Apt.Install(ctx, basePackages...)
		},
	}
}

// probeWithFallback checks the download origin. At an interactive terminal
// the operator may fix connectivity and retry; otherwise the failure is
// fatal so unattended runs do not hang.
func probeWithFallback(ctx context.Context, d Deps) error {
	for {
		err := d.Prober.Probe(ctx, d.Cfg.NodeOrigin)
		if err == nil {
			return nil
		}
		if d.Prompter == nil {
			return err
		}

		log.Warn().Err(err).Msg("download origin unreachable")
		retry, promptErr := d.Prompter.Confirm(ctx,
			"Download origin unreachable. Fix connectivity and retry?")
		if promptErr != nil || !retry {
			return err
		}
	}
}

// AccountCreated creates the daemon's service account. The home directory
// is the idempotency witness.
func AccountCreated(d Deps) engine.Step {
	return engine.Step{
		ID:        engine.StepAccountCreated,
		Summary:   fmt.Sprintf("create service account %s", d.Cfg.ServiceAccount),
		DependsOn: []engine.StepID{engine.StepOSBootstrap},
		Precondition: func(ctx context.Context) (bool, error) {
			return d.Accounts.Exists(d.Cfg.HomeDir), nil
		},
		Action: func(ctx context.Context) error {
			return d.Accounts.Create(ctx, d.Cfg.ServiceAccount, d.Cfg.HomeDir)
		},
	}
}

// RuntimeInstalled fetches and unpacks the pinned Go runtime. With no
// version pinned the step is skipped entirely and the OS-packaged node
// binary is used downstream.
func RuntimeInstalled(d Deps) engine.Step {
	versionFile := d.Cfg.InstallPrefix + "/go/VERSION"
	return engine.Step{
		ID:        engine.StepRuntimeInstalled,
		Summary:   "install pinned Go runtime",
		DependsOn: []engine.StepID{engine.StepOSBootstrap},
		Precondition: func(ctx context.Context) (bool, error) {
			if d.Cfg.RuntimeVersion == "" {
				return true, nil
			}
			data, err := d.Runner.ReadFile(versionFile)
			if err != nil {
				return false, nil
			}
			return strings.TrimSpace(string(data)) == "go"+d.Cfg.RuntimeVersion, nil
		},
		Action: func(ctx context.Context) error {
			url := fmt.Sprintf("%s/go%s.linux-%s.tar.gz",
				d.Cfg.RuntimeOrigin, d.Cfg.RuntimeVersion, d.Cfg.Arch)
			archive, err := d.Downloader.Fetch(ctx, url)
			if err != nil {
				return err
			}
			return d.Extractor.Extract(archive, d.Cfg.InstallPrefix)
		},
	}
}

// NodeInstalled puts the node binary on the host: from the distribution
// origin when a runtime is pinned, from the OS package otherwise. After
// install the binary must resolve on the search path (to the expected
// location for a pinned install) or the step fails as a verification error.
func NodeInstalled(d Deps) engine.Step {
	pinned := d.Cfg.RuntimeVersion != ""
	return engine.Step{
		ID:        engine.StepNodeInstalled,
		Summary:   fmt.Sprintf("install node binary %s", d.Cfg.NodeVersion),
		DependsOn: []engine.StepID{engine.StepRuntimeInstalled},
		Precondition: func(ctx context.Context) (bool, error) {
			return nodeResolves(d, pinned), nil
		},
		Action: func(ctx context.Context) error {
			if pinned {
				if err := installFromDist(ctx, d); err != nil {
					return err
				}
			} else if err := d.Apt.Install(ctx, "ipfs"); err != nil {
				return err
			}

			if !nodeResolves(d, pinned) {
				return engine.NewDownloadVerificationFailed(
					fmt.Sprintf("node binary does not resolve to %s after install",
						d.Cfg.NodeBinaryPath()))
			}
			return nil
		},
	}
}

func nodeResolves(d Deps, pinned bool) bool {
	if pinned {
		return d.Node.InstalledAt(d.Cfg.NodeBinaryPath())
	}
	_, err := d.Runner.LookPath("ipfs")
	return err == nil
}

func installFromDist(ctx context.Context, d Deps) error {
	url := fmt.Sprintf("%s/%s/kubo_%s_linux-%s.tar.gz",
		d.Cfg.NodeOrigin, d.Cfg.NodeVersion, d.Cfg.NodeVersion, d.Cfg.Arch)
	archive, err := d.Downloader.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if err := d.Extractor.Extract(archive, d.Cfg.InstallPrefix); err != nil {
		return err
	}

	// The distribution tarball unpacks to kubo/ipfs.
	unpacked := d.Cfg.InstallPrefix + "/kubo/ipfs"
	_, stderr, err := d.Runner.Run(ctx, "install", "-m", "0755", unpacked, d.Cfg.NodeBinaryPath())
	if err != nil {
		return fmt.Errorf("install node binary: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// NodeInitialized initializes the node repository as the service account.
// An existing repository config means the node already has an identity;
// re-running init would discard it, so the step is skipped.
func NodeInitialized(d Deps) engine.Step {
	return engine.Step{
		ID:        engine.StepNodeInitialized,
		Summary:   "initialize node repository",
		DependsOn: []engine.StepID{engine.StepNodeInstalled, engine.StepAccountCreated},
		Precondition: func(ctx context.Context) (bool, error) {
			return d.Node.Initialized(d.Cfg.NodeConfigPath()), nil
		},
		Action: func(ctx context.Context) error {
			return d.Node.Init(ctx, d.Cfg.ServiceAccount, d.Cfg.InitProfile)
		},
	}
}

// FirewallOpened allows the swarm port through ufw. Hosts configured
// without a firewall skip the step.
func FirewallOpened(d Deps) engine.Step {
	return engine.Step{
		ID:        engine.StepFirewallOpened,
		Summary:   fmt.Sprintf("open swarm port %d", d.Cfg.SwarmPort),
		DependsOn: []engine.StepID{engine.StepOSBootstrap},
		Precondition: func(ctx context.Context) (bool, error) {
			if !d.Cfg.InstallFirewall {
				return true, nil
			}
			return d.Firewall.RuleExists(ctx, d.Cfg.SwarmPort), nil
		},
		Action: func(ctx context.Context) error {
			return d.Firewall.Open(ctx, d.Cfg.SwarmPort)
		},
	}
}

// QuotaSet rewrites the node's storage quota in its repository config,
// leaving every other setting untouched.
func QuotaSet(d Deps) engine.Step {
	return engine.Step{
		ID:        engine.StepQuotaSet,
		Summary:   fmt.Sprintf("set storage quota to %s", nodeconf.QuotaString(d.Cfg.StorageMaxGiB)),
		DependsOn: []engine.StepID{engine.StepNodeInitialized},
		Precondition: func(ctx context.Context) (bool, error) {
			data, err := d.Runner.ReadFile(d.Cfg.NodeConfigPath())
			if err != nil {
				return false, nil
			}
			return nodeconf.QuotaEquals(data, d.Cfg.StorageMaxGiB), nil
		},
		Action: func(ctx context.Context) error {
			path := d.Cfg.NodeConfigPath()
			data, err := d.Runner.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read node config %s: %w", path, err)
			}
			rewritten, err := nodeconf.SetStorageMax(data, d.Cfg.StorageMaxGiB)
			if err != nil {
				return err
			}
			if err := d.Runner.WriteFile(path, rewritten, 0o600); err != nil {
				return fmt.Errorf("write node config %s: %w", path, err)
			}
			return d.Accounts.Chown(ctx, d.Cfg.ServiceAccount, path)
		},
	}
}

// AutostartRegistered writes the boot-time definition. The definition is
// declarative and cheap to re-render, so it is re-applied on every run and
// stays converged with the configuration.
func AutostartRegistered(d Deps) engine.Step {
	return engine.Step{
		ID:        engine.StepAutostartRegistered,
		Summary:   fmt.Sprintf("register %s autostart", d.Cfg.Autostart),
		DependsOn: []engine.StepID{engine.StepNodeInitialized},
		Precondition: func(ctx context.Context) (bool, error) {
			return false, nil
		},
		Action: func(ctx context.Context) error {
			definition, err := render.Autostart(d.Cfg)
			if err != nil {
				return err
			}
			if d.Cfg.Autostart == config.AutostartCron {
				return d.Cron.RegisterEntry(ctx, d.Cfg.UnitName, definition)
			}
			if err := d.Systemd.RegisterUnit(ctx, d.Cfg.UnitName, definition); err != nil {
				return err
			}
			return d.Systemd.Enable(ctx, d.Cfg.UnitName)
		},
	}
}

// PostInstall hands the repository to the service account and puts the
// installed binaries on every login shell's PATH.
func PostInstall(d Deps) engine.Step {
	return engine.Step{
		ID:        engine.StepPostInstall,
		Summary:   "fix ownership and shell PATH",
		DependsOn: []engine.StepID{engine.StepNodeInitialized, engine.StepAutostartRegistered},
		Precondition: func(ctx context.Context) (bool, error) {
			return d.Store.IsApplied(ctx, engine.StepPostInstall)
		},
		Action: func(ctx context.Context) error {
			if err := d.Accounts.Chown(ctx, d.Cfg.ServiceAccount, d.Cfg.HomeDir); err != nil {
				return err
			}

			pathLine := fmt.Sprintf("export PATH=$PATH:%s/bin", d.Cfg.InstallPrefix)
			if d.Cfg.RuntimeVersion != "" {
				pathLine += fmt.Sprintf(":%s/go/bin", d.Cfg.InstallPrefix)
			}
			if err := d.Runner.WriteFile(profilePath, []byte(pathLine+"\n"), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", profilePath, err)
			}
			return nil
		},
	}
}

// DaemonStarted starts the registered service and waits for the node's API
// file to appear, proving the daemon came up. Cron autostart has nothing to
// start until the next reboot, so the step is skipped there.
func DaemonStarted(d Deps) engine.Step {
	apiFile := d.Cfg.RepoPath() + "/api"
	return engine.Step{
		ID:        engine.StepDaemonStarted,
		Summary:   "start the node daemon",
		DependsOn: []engine.StepID{engine.StepAutostartRegistered, engine.StepPostInstall},
		Precondition: func(ctx context.Context) (bool, error) {
			if d.Cfg.Autostart == config.AutostartCron {
				return true, nil
			}
			return d.Systemd.IsActive(ctx, d.Cfg.UnitName), nil
		},
		Action: func(ctx context.Context) error {
			if err := d.Systemd.Start(ctx, d.Cfg.UnitName); err != nil {
				return err
			}
			return waitForFile(ctx, d.Runner, apiFile, 2*time.Minute)
		},
	}
}
