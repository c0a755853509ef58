// Package system wraps the external collaborators the provisioner drives:
// the apt package manager, the artifact downloader and extractor, service
// accounts, the init system, the firewall, and the node binary itself. Only
// their interfaces are consumed here; none of their internals are
// reimplemented.
package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Apt drives the apt package manager on the target.
type Apt struct {
	r runner.Runner
}

// NewApt creates an apt collaborator.
func NewApt(r runner.Runner) *Apt {
	return &Apt{r: r}
}

// Update refreshes the package index.
func (a *Apt) Update(ctx context.Context) error {
	if _, stderr, err := a.r.Run(ctx, "apt-get", "update", "-y"); err != nil {
		return fmt.Errorf("apt-get update: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// Upgrade upgrades installed packages; full performs a dist-upgrade.
func (a *Apt) Upgrade(ctx context.Context, full bool) error {
	verb := "upgrade"
	if full {
		verb = "dist-upgrade"
	}
	if _, stderr, err := a.r.Run(ctx, "apt-get", verb, "-y"); err != nil {
		return fmt.Errorf("apt-get %s: %w: %s", verb, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Install installs the named packages.
func (a *Apt) Install(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	log.Debug().Strs("packages", names).Msg("installing packages")

	args := append([]string{"install", "-y"}, names...)
	if _, stderr, err := a.r.Run(ctx, append([]string{"apt-get"}, args...)...); err != nil {
		return fmt.Errorf("apt-get install %s: %w: %s",
			strings.Join(names, " "), err, strings.TrimSpace(stderr))
	}
	return nil
}

// Installed reports whether the named package is installed, and its version.
func (a *Apt) Installed(ctx context.Context, name string) (bool, string) {
	stdout, _, err := a.r.Run(ctx, "dpkg-query", "-W", "-f=${Version}", name)
	if err != nil {
		return false, ""
	}
	version := strings.TrimSpace(stdout)
	return version != "", version
}
