package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Accounts manages the daemon's service account.
type Accounts struct {
	r runner.Runner
}

// NewAccounts creates an account manager.
func NewAccounts(r runner.Runner) *Accounts {
	return &Accounts{r: r}
}

// Exists reports whether the account's home directory is present. The home
// directory is the idempotency witness: useradd with a home either fully
// succeeds or leaves nothing behind.
func (a *Accounts) Exists(homeDir string) bool {
	return runner.FileExists(a.r, homeDir)
}

// Create creates a system account with the given home directory.
func (a *Accounts) Create(ctx context.Context, name, homeDir string) error {
	_, stderr, err := a.r.Run(ctx, "useradd", "--create-home", "--home-dir", homeDir,
		"--shell", "/bin/bash", "--comment", "node service account", name)
	if err != nil {
		return fmt.Errorf("useradd %s: %w: %s", name, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Chown recursively hands path to the account.
func (a *Accounts) Chown(ctx context.Context, name, path string) error {
	_, stderr, err := a.r.Run(ctx, "chown", "-R", name+":"+name, path)
	if err != nil {
		return fmt.Errorf("chown %s: %w: %s", path, err, strings.TrimSpace(stderr))
	}
	return nil
}

// RunAs executes argv as the account via runuser.
func (a *Accounts) RunAs(ctx context.Context, name string, argv ...string) (string, string, error) {
	full := append([]string{"runuser", "-u", name, "--"}, argv...)
	return a.r.Run(ctx, full...)
}
