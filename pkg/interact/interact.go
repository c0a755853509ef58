// Package interact implements the operator-facing prompts: pause-mode
// acknowledgment between steps and the connectivity-retry question. Prompts
// only ever appear at a real terminal.
package interact

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/pinstrap/pinstrap/pkg/engine"
)

// IsTerminal reports whether stdin and stderr are attached to a TTY.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stderr.Fd())
}

// Console prompts the operator at the terminal. It implements
// engine.Acknowledger and the step layer's Prompter.
type Console struct{}

// NewConsole creates a terminal prompter.
func NewConsole() *Console {
	return &Console{}
}

// Confirm asks a yes/no question and blocks until answered.
func (c *Console) Confirm(ctx context.Context, title string) (bool, error) {
	var answer bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&answer),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("prompt: %w", err)
	}
	return answer, nil
}

// Acknowledge blocks until the operator confirms the run may continue.
// There is no timeout: pause mode exists so an operator can inspect the
// host between steps for as long as they need.
func (c *Console) Acknowledge(ctx context.Context, completed engine.StepID) error {
	ok, err := c.Confirm(ctx, fmt.Sprintf("Step %s finished. Continue?", completed))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run stopped by operator after step %s", completed)
	}
	return nil
}

var _ engine.Acknowledger = (*Console)(nil)
