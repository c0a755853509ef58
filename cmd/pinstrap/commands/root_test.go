package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownFlagPrintsUsage(t *testing.T) {
	cmd := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--no-such-flag"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), "unknown flag")
	assert.Contains(t, out.String(), "Usage:")
}

func TestRuntimeErrorDoesNotPrintUsage(t *testing.T) {
	// A regular file where the state directory should go makes the store
	// open fail after flag parsing succeeded.
	occupied := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("x"), 0o644))

	cmd := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"status", "--state", filepath.Join(occupied, "state.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.NotContains(t, out.String(), "Usage:")
}
