package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Node invokes the installed node binary. The daemon itself is long-running
// and managed by the init system, never by the provisioner directly.
type Node struct {
	r        runner.Runner
	accounts *Accounts
}

// NewNode creates the node binary collaborator.
func NewNode(r runner.Runner, accounts *Accounts) *Node {
	return &Node{r: r, accounts: accounts}
}

// InstalledAt reports whether the binary resolves on the search path to the
// expected install location.
func (n *Node) InstalledAt(expected string) bool {
	path, err := n.r.LookPath("ipfs")
	return err == nil && path == expected
}

// Init initializes the node repository as the service account.
func (n *Node) Init(ctx context.Context, account, profile string) error {
	argv := []string{"ipfs", "init"}
	if profile != "" {
		argv = append(argv, "--profile", profile)
	}
	if _, stderr, err := n.accounts.RunAs(ctx, account, argv...); err != nil {
		return fmt.Errorf("ipfs init: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// Initialized reports whether the repository config exists. This guards
// re-initialization, which would discard the node's identity and prior
// repository state.
func (n *Node) Initialized(repoConfigPath string) bool {
	return runner.FileExists(n.r, repoConfigPath)
}
