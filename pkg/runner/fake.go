package runner

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Fake is an in-memory Runner for tests. Commands are matched by prefix
// against scripted results; files live in a map keyed by path.
type Fake struct {
	// Commands records every Run invocation, space-joined.
	Commands []string

	// Results maps a command prefix to its scripted result. The longest
	// matching prefix wins; unmatched commands succeed with empty output.
	Results map[string]FakeResult

	// Files holds target file contents by path.
	Files map[string][]byte

	// Modes holds file modes by path.
	Modes map[string]fs.FileMode

	// Binaries maps binary names to resolved paths for LookPath.
	Binaries map[string]string

	// OnRun, when set, observes every command after it is recorded. Tests
	// use it to simulate side effects of host commands.
	OnRun func(f *Fake, cmd string)
}

// FakeResult is a scripted command result.
type FakeResult struct {
	Stdout string
	Stderr string
	Err    error
}

// NewFake creates an empty fake runner.
func NewFake() *Fake {
	return &Fake{
		Results:  make(map[string]FakeResult),
		Files:    make(map[string][]byte),
		Modes:    make(map[string]fs.FileMode),
		Binaries: make(map[string]string),
	}
}

// Run records the command and returns the scripted result with the longest
// matching prefix.
func (f *Fake) Run(ctx context.Context, argv ...string) (string, string, error) {
	cmd := strings.Join(argv, " ")
	f.Commands = append(f.Commands, cmd)
	if f.OnRun != nil {
		f.OnRun(f, cmd)
	}

	prefixes := make([]string, 0, len(f.Results))
	for p := range f.Results {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, p := range prefixes {
		if strings.HasPrefix(cmd, p) {
			res := f.Results[p]
			return res.Stdout, res.Stderr, res.Err
		}
	}
	return "", "", nil
}

// LookPath resolves against the Binaries map.
func (f *Fake) LookPath(name string) (string, error) {
	if path, ok := f.Binaries[name]; ok {
		return path, nil
	}
	return "", fmt.Errorf("%s: executable file not found", name)
}

// Stat reports metadata for files present in the Files map.
func (f *Fake) Stat(path string) (fs.FileInfo, error) {
	if data, ok := f.Files[path]; ok {
		return fakeFileInfo{name: path, size: int64(len(data)), mode: f.Modes[path]}, nil
	}
	return nil, fs.ErrNotExist
}

// ReadFile reads from the Files map.
func (f *Fake) ReadFile(path string) ([]byte, error) {
	if data, ok := f.Files[path]; ok {
		return data, nil
	}
	return nil, fs.ErrNotExist
}

// WriteFile writes into the Files map.
func (f *Fake) WriteFile(path string, data []byte, mode fs.FileMode) error {
	f.Files[path] = data
	f.Modes[path] = mode
	return nil
}

// MkdirAll records the directory as an empty entry.
func (f *Fake) MkdirAll(path string, mode fs.FileMode) error {
	if _, ok := f.Files[path]; !ok {
		f.Files[path] = nil
		f.Modes[path] = mode | fs.ModeDir
	}
	return nil
}

// Ran reports whether any recorded command starts with prefix.
func (f *Fake) Ran(prefix string) bool {
	for _, cmd := range f.Commands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

type fakeFileInfo struct {
	name string
	size int64
	mode fs.FileMode
}

func (fi fakeFileInfo) Name() string       { return fi.name }
func (fi fakeFileInfo) Size() int64        { return fi.size }
func (fi fakeFileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (fi fakeFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fakeFileInfo) Sys() any           { return nil }
