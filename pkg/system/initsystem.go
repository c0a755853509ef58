package system

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Systemd registers and controls systemd units on the target.
type Systemd struct {
	r runner.Runner

	// unitDir is where unit definitions are written.
	unitDir string
}

// NewSystemd creates a systemd collaborator writing into the standard unit
// directory.
func NewSystemd(r runner.Runner) *Systemd {
	return &Systemd{r: r, unitDir: "/etc/systemd/system"}
}

// UnitPath returns the path the named unit definition is written to.
func (s *Systemd) UnitPath(name string) string {
	return filepath.Join(s.unitDir, name+".service")
}

// RegisterUnit writes the unit definition and reloads the daemon.
// Re-applying is safe: the definition is declarative and overwritten whole.
func (s *Systemd) RegisterUnit(ctx context.Context, name, definition string) error {
	if err := s.r.WriteFile(s.UnitPath(name), []byte(definition), 0o644); err != nil {
		return fmt.Errorf("write unit %s: %w", name, err)
	}
	if _, stderr, err := s.r.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// Enable enables the unit for boot-time start.
func (s *Systemd) Enable(ctx context.Context, name string) error {
	if _, stderr, err := s.r.Run(ctx, "systemctl", "enable", name); err != nil {
		return fmt.Errorf("systemctl enable %s: %w: %s", name, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Start starts the unit now.
func (s *Systemd) Start(ctx context.Context, name string) error {
	if _, stderr, err := s.r.Run(ctx, "systemctl", "start", name); err != nil {
		return fmt.Errorf("systemctl start %s: %w: %s", name, err, strings.TrimSpace(stderr))
	}
	return nil
}

// IsActive reports whether the unit is currently running.
func (s *Systemd) IsActive(ctx context.Context, name string) bool {
	stdout, _, _ := s.r.Run(ctx, "systemctl", "is-active", name)
	return strings.TrimSpace(stdout) == "active"
}

// Cron registers @reboot entries through /etc/cron.d.
type Cron struct {
	r runner.Runner

	// dropDir is the cron drop-in directory.
	dropDir string
}

// NewCron creates a cron collaborator writing into /etc/cron.d.
func NewCron(r runner.Runner) *Cron {
	return &Cron{r: r, dropDir: "/etc/cron.d"}
}

// EntryPath returns the path of the named cron drop-in.
func (c *Cron) EntryPath(name string) string {
	return filepath.Join(c.dropDir, name)
}

// RegisterEntry writes the cron definition. cron.d files must be root-owned
// and not group-writable or cron silently ignores them.
func (c *Cron) RegisterEntry(ctx context.Context, name, definition string) error {
	if err := c.r.WriteFile(c.EntryPath(name), []byte(definition), 0o644); err != nil {
		return fmt.Errorf("write cron entry %s: %w", name, err)
	}
	return nil
}
