package system

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Firewall drives ufw on the target.
type Firewall struct {
	r   runner.Runner
	apt *Apt
}

// NewFirewall creates a firewall collaborator.
func NewFirewall(r runner.Runner, apt *Apt) *Firewall {
	return &Firewall{r: r, apt: apt}
}

// RuleExists reports whether an allow rule for the port is already present.
// The port is matched as a whole field so 4001 does not match a 40010 rule.
func (f *Firewall) RuleExists(ctx context.Context, port int) bool {
	stdout, _, err := f.r.Run(ctx, "ufw", "status")
	if err != nil {
		return false
	}
	rule := regexp.MustCompile(fmt.Sprintf(`\b%d(/tcp|/udp)?\b`, port))
	return rule.MatchString(stdout)
}

// Open installs ufw when missing, allows the port, and enables the firewall.
func (f *Firewall) Open(ctx context.Context, port int) error {
	if _, err := f.r.LookPath("ufw"); err != nil {
		if err := f.apt.Install(ctx, "ufw"); err != nil {
			return err
		}
	}

	if _, stderr, err := f.r.Run(ctx, "ufw", "allow", fmt.Sprintf("%d", port)); err != nil {
		return fmt.Errorf("ufw allow %d: %w: %s", port, err, strings.TrimSpace(stderr))
	}
	// --force skips the interactive "may disrupt ssh" prompt.
	if _, stderr, err := f.r.Run(ctx, "ufw", "--force", "enable"); err != nil {
		return fmt.Errorf("ufw enable: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}
