package system

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Extractor unpacks gzipped tarballs onto the target through the runner, so
// extraction works identically for local and remote hosts.
type Extractor struct {
	r runner.Runner
}

// NewExtractor creates an extractor.
func NewExtractor(r runner.Runner) *Extractor {
	return &Extractor{r: r}
}

// Extract unpacks the tar.gz archive into destDir. Entries escaping destDir
// are rejected.
func (e *Extractor) Extract(data []byte, destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := e.r.MkdirAll(target, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := e.r.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", filepath.Dir(target), err)
			}
			content, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read archive entry %s: %w", hdr.Name, err)
			}
			if err := e.r.WriteFile(target, content, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}
		default:
			// Symlinks and special files in release tarballs are skipped;
			// the binaries the provisioner needs are regular files.
		}
	}
}

// securePath joins name under destDir, rejecting traversal.
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, destDir)
	}
	return target, nil
}
