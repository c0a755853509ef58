package commands

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/platform"
	"github.com/pinstrap/pinstrap/pkg/runner"
	"github.com/pinstrap/pinstrap/pkg/state"
	"github.com/pinstrap/pinstrap/pkg/steps"
	"github.com/pinstrap/pinstrap/pkg/system"
	sshtransport "github.com/pinstrap/pinstrap/pkg/transports/ssh"
)

// environment holds everything a command needs after setup.
type environment struct {
	runner runner.Runner
	store  *state.Store
	facts  *platform.Facts
	cfg    *config.Config

	closers []func() error
}

// Close releases transport and store resources in reverse acquisition order.
func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Warn().Err(err).Msg("cleanup failed")
		}
	}
}

// newRunner picks the transport: local execution, or SSH when --target is
// given.
func newRunner(ctx context.Context) (runner.Runner, func() error, error) {
	if target == "" {
		return runner.NewLocal(), nil, nil
	}

	user, host, port, err := sshtransport.ParseTarget(target)
	if err != nil {
		return nil, nil, err
	}
	client, err := sshtransport.Connect(ctx, sshtransport.Config{
		User:         user,
		Host:         host,
		Port:         port,
		IdentityFile: identityFile,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// setup resolves facts and configuration. Only mutating commands demand
// root. Render works for any user; plan additionally needs the state
// database, so unprivileged plans must point --state at a writable path.
func setup(ctx context.Context, opts config.Options, requireRoot bool) (*environment, error) {
	env := &environment{}

	r, closeRunner, err := newRunner(ctx)
	if err != nil {
		return nil, err
	}
	env.runner = r
	if closeRunner != nil {
		env.closers = append(env.closers, closeRunner)
	}

	facts, err := platform.Detect(ctx, r)
	if err != nil {
		env.Close()
		return nil, err
	}
	if requireRoot {
		if err := facts.RequireRoot(); err != nil {
			env.Close()
			return nil, err
		}
	}
	env.facts = facts

	defaults, err := config.LoadDefaults(defaultsPath)
	if err != nil {
		env.Close()
		return nil, err
	}
	cfg, err := config.Resolve(opts, defaults, facts)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.cfg = cfg

	log.Debug().
		Str("distro", string(facts.Distro)).
		Str("arch", facts.Arch).
		Int("quota_gib", cfg.StorageMaxGiB).
		Str("autostart", string(cfg.Autostart)).
		Msg("configuration resolved")
	return env, nil
}

// openStore opens the applied-steps database on the controller and attaches
// it to the environment.
func (e *environment) openStore(ctx context.Context) error {
	store, err := state.Open(ctx, statePath)
	if err != nil {
		return err
	}
	if legacySentinel != "" {
		store.HonorLegacySentinel(legacySentinel)
	}
	e.store = store
	e.closers = append(e.closers, store.Close)
	return nil
}

// buildSteps assembles the step dependencies for the environment.
func (e *environment) buildSteps(prompter steps.Prompter, downloader *system.Downloader) []engine.Step {
	apt := system.NewApt(e.runner)
	accounts := system.NewAccounts(e.runner)
	return steps.All(steps.Deps{
		Cfg:        e.cfg,
		Runner:     e.runner,
		Store:      e.store,
		Apt:        apt,
		Downloader: downloader,
		Extractor:  system.NewExtractor(e.runner),
		Accounts:   accounts,
		Systemd:    system.NewSystemd(e.runner),
		Cron:       system.NewCron(e.runner),
		Firewall:   system.NewFirewall(e.runner, apt),
		Node:       system.NewNode(e.runner, accounts),
		Prober:     platform.NewProber(),
		Prompter:   prompter,
	})
}
