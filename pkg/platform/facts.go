// Package platform probes the provisioning target: OS identity, CPU
// architecture, free disk space, privilege level, and network reachability.
// All host inspection goes through the runner so it works locally and over
// SSH alike.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Distro identifies a supported distribution family.
type Distro string

const (
	// DistroRaspbian covers Raspbian and Raspberry Pi OS.
	DistroRaspbian Distro = "raspbian"

	// DistroDebian covers plain Debian hosts.
	DistroDebian Distro = "debian"
)

// Facts is the discovered state of the provisioning target.
type Facts struct {
	// Distro is the detected distribution family.
	Distro Distro `json:"distro"`

	// PrettyName is the os-release PRETTY_NAME, for diagnostics.
	PrettyName string `json:"pretty_name"`

	// Machine is the raw `uname -m` output.
	Machine string `json:"machine"`

	// Arch is the Go toolchain architecture name for Machine.
	Arch string `json:"arch"`

	// FreeRootBytes is the available space on the root partition.
	FreeRootBytes uint64 `json:"free_root_bytes"`

	// EUID is the effective user ID the run executes as.
	EUID int `json:"euid"`
}

// archNames maps `uname -m` output to Go architecture names. Machines not in
// this table are unsupported.
var archNames = map[string]string{
	"armv6l":  "arm",
	"armv7l":  "arm",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"x86_64":  "amd64",
}

// Detect collects facts from the target. It fails with UnsupportedPlatform
// before any mutation when the OS or architecture is not provisionable.
func Detect(ctx context.Context, r runner.Runner) (*Facts, error) {
	facts := &Facts{}

	osRelease, err := r.ReadFile("/etc/os-release")
	if err != nil {
		return nil, engine.NewUnsupportedPlatform("cannot read /etc/os-release")
	}
	id, pretty := parseOSRelease(string(osRelease))
	switch id {
	case "raspbian":
		facts.Distro = DistroRaspbian
	case "debian":
		facts.Distro = DistroDebian
	default:
		return nil, engine.NewUnsupportedPlatform(
			fmt.Sprintf("distribution %q is not supported (need raspbian or debian)", id))
	}
	facts.PrettyName = pretty

	stdout, _, err := r.Run(ctx, "uname", "-m")
	if err != nil {
		return nil, fmt.Errorf("detect architecture: %w", err)
	}
	facts.Machine = strings.TrimSpace(stdout)
	arch, ok := archNames[facts.Machine]
	if !ok {
		return nil, engine.NewUnsupportedPlatform(
			fmt.Sprintf("architecture %q is not supported", facts.Machine))
	}
	facts.Arch = arch

	free, err := freeRootBytes(ctx, r)
	if err != nil {
		return nil, err
	}
	facts.FreeRootBytes = free

	stdout, _, err = r.Run(ctx, "id", "-u")
	if err != nil {
		return nil, fmt.Errorf("detect effective uid: %w", err)
	}
	euid, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return nil, fmt.Errorf("parse effective uid %q: %w", strings.TrimSpace(stdout), err)
	}
	facts.EUID = euid

	log.Debug().
		Str("distro", string(facts.Distro)).
		Str("arch", facts.Arch).
		Uint64("free_root_bytes", facts.FreeRootBytes).
		Int("euid", facts.EUID).
		Msg("platform facts collected")

	return facts, nil
}

// RequireRoot fails with PrivilegeRequired unless the facts show euid 0.
func (f *Facts) RequireRoot() error {
	if f.EUID != 0 {
		return engine.NewPrivilegeRequired("provisioning mutates the host and must run as root")
	}
	return nil
}

// parseOSRelease extracts the ID and PRETTY_NAME fields.
func parseOSRelease(content string) (id, pretty string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ID="):
			id = strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		case strings.HasPrefix(line, "PRETTY_NAME="):
			pretty = strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
		}
	}
	return id, pretty
}

// freeRootBytes reads the available bytes on the root partition.
func freeRootBytes(ctx context.Context, r runner.Runner) (uint64, error) {
	stdout, _, err := r.Run(ctx, "df", "-B1", "--output=avail", "/")
	if err != nil {
		return 0, fmt.Errorf("read free disk space: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output %q", stdout)
	}
	free, err := strconv.ParseUint(strings.TrimSpace(lines[len(lines)-1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse df output %q: %w", lines[len(lines)-1], err)
	}
	return free, nil
}

// Prober checks connectivity to the artifact download origin.
type Prober struct {
	client *http.Client
}

// NewProber creates a connectivity prober.
func NewProber() *Prober {
	return &Prober{client: &http.Client{Timeout: 10 * time.Second}}
}

// Probe issues a HEAD request against origin and returns NetworkUnavailable
// when it cannot be reached.
func (p *Prober) Probe(ctx context.Context, origin string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, origin, nil)
	if err != nil {
		return engine.NewInvalidArgument(fmt.Sprintf("bad download origin %q", origin), err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return engine.NewNetworkUnavailable(
			fmt.Sprintf("download origin %s is unreachable", origin), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return engine.NewNetworkUnavailable(
			fmt.Sprintf("download origin %s returned %s", origin, resp.Status), nil)
	}
	return nil
}
