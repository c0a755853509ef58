// Package runner abstracts command execution and file access on the target
// host, so collaborators work identically against the local machine or a
// remote host reached over SSH.
package runner

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Runner executes commands and file operations on the provisioning target.
type Runner interface {
	// Run executes argv[0] with the remaining arguments and returns the
	// captured stdout and stderr.
	Run(ctx context.Context, argv ...string) (stdout, stderr string, err error)

	// LookPath resolves a binary name on the target's search path.
	LookPath(name string) (string, error)

	// Stat reports file metadata on the target.
	Stat(path string) (fs.FileInfo, error)

	// ReadFile reads a file from the target.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes a file on the target with the given mode.
	WriteFile(path string, data []byte, mode fs.FileMode) error

	// MkdirAll creates a directory tree on the target.
	MkdirAll(path string, mode fs.FileMode) error
}

// Local runs everything on the machine pinstrap itself is executing on.
type Local struct{}

// NewLocal creates a local runner.
func NewLocal() *Local {
	return &Local{}
}

// Run executes the command locally, capturing stdout and stderr.
func (l *Local) Run(ctx context.Context, argv ...string) (string, string, error) {
	if len(argv) == 0 {
		return "", "", os.ErrInvalid
	}

	log.Debug().Str("cmd", strings.Join(argv, " ")).Msg("exec")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// LookPath resolves a binary on the local PATH.
func (l *Local) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Stat reports local file metadata.
func (l *Local) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// ReadFile reads a local file.
func (l *Local) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes a local file.
func (l *Local) WriteFile(path string, data []byte, mode fs.FileMode) error {
	return os.WriteFile(path, data, mode)
}

// MkdirAll creates a local directory tree.
func (l *Local) MkdirAll(path string, mode fs.FileMode) error {
	return os.MkdirAll(path, mode)
}

// FileExists reports whether path exists on the target. Any Stat error other
// than non-existence is swallowed as "absent", matching precondition
// semantics where an unreadable path means the step must run.
func FileExists(r Runner, path string) bool {
	_, err := r.Stat(path)
	return err == nil
}
