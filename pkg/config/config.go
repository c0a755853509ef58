// Package config resolves command-line flags, optional YAML defaults, and
// platform facts into the single immutable configuration every other
// component receives. Nothing outside this package mutates a Config after
// resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/platform"
)

// Autostart selects the mechanism that relaunches the node daemon on boot.
type Autostart string

const (
	// AutostartSystemd registers a systemd unit (the default).
	AutostartSystemd Autostart = "systemd"

	// AutostartCron registers an @reboot cron job.
	AutostartCron Autostart = "cron"
)

// quotaDivisor converts free root-partition bytes into the auto-computed
// storage quota: floor(free/quotaDivisor) GiB leaves roughly a quarter of
// the free space for the OS.
const quotaDivisor = 1_320_000_000

// Options holds the raw command-line flag values before resolution.
type Options struct {
	// CronAutostart selects @reboot cron instead of a systemd unit (-a).
	CronAutostart bool

	// DistUpgrade enables the full distribution upgrade step (-d).
	DistUpgrade bool

	// ForceFirewall forces ufw installation and configuration (-f).
	ForceFirewall bool

	// GoVersion pins the Go runtime to fetch; empty means the OS-packaged
	// node binary is used and the runtime step is skipped (-g).
	GoVersion string

	// StorageMax is the raw storage quota flag value in GiB; empty means
	// auto-compute from free disk space (-m).
	StorageMax string

	// Wait pauses after each step for operator acknowledgment (-w).
	Wait bool
}

// Defaults are site-tunable values loaded from an optional YAML file.
type Defaults struct {
	// ServiceAccount is the system account the daemon runs as.
	ServiceAccount string `yaml:"service_account"`

	// InstallPrefix is where fetched binaries land.
	InstallPrefix string `yaml:"install_prefix"`

	// RuntimeOrigin is the Go runtime download origin.
	RuntimeOrigin string `yaml:"runtime_origin"`

	// NodeOrigin is the node binary distribution origin.
	NodeOrigin string `yaml:"node_origin"`

	// NodeVersion is the node distribution version to fetch.
	NodeVersion string `yaml:"node_version"`

	// SwarmPort is the node's peering port opened in the firewall.
	SwarmPort int `yaml:"swarm_port"`

	// UnitName is the systemd unit / cron entry name.
	UnitName string `yaml:"unit_name"`

	// InitProfile is the profile passed to node initialization.
	InitProfile string `yaml:"init_profile"`

	// DaemonFlags are extra flags appended to the daemon invocation.
	DaemonFlags []string `yaml:"daemon_flags"`

	// Environment is extra environment for the daemon process.
	Environment map[string]string `yaml:"environment"`

	// LimitNOFILE is the unit's open-file limit.
	LimitNOFILE int `yaml:"limit_nofile"`
}

// builtinDefaults are applied for any field the defaults file leaves unset.
func builtinDefaults() Defaults {
	return Defaults{
		ServiceAccount: "ipfs",
		InstallPrefix:  "/usr/local",
		RuntimeOrigin:  "https://dl.google.com/go",
		NodeOrigin:     "https://dist.ipfs.tech/kubo",
		NodeVersion:    "v0.32.1",
		SwarmPort:      4001,
		UnitName:       "ipfs",
		InitProfile:    "lowpower",
		LimitNOFILE:    8192,
	}
}

// LoadDefaults reads a YAML defaults file, layering it over the builtins.
// An empty path returns the builtins unchanged.
func LoadDefaults(path string) (Defaults, error) {
	d := builtinDefaults()
	if path == "" {
		return d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return d, engine.NewInvalidArgument(fmt.Sprintf("cannot read defaults file %s", path), err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, engine.NewInvalidArgument(fmt.Sprintf("malformed defaults file %s", path), err)
	}
	return fillDefaults(d), nil
}

// fillDefaults replaces zero values with the builtin defaults.
func fillDefaults(d Defaults) Defaults {
	b := builtinDefaults()
	if d.ServiceAccount == "" {
		d.ServiceAccount = b.ServiceAccount
	}
	if d.InstallPrefix == "" {
		d.InstallPrefix = b.InstallPrefix
	}
	if d.RuntimeOrigin == "" {
		d.RuntimeOrigin = b.RuntimeOrigin
	}
	if d.NodeOrigin == "" {
		d.NodeOrigin = b.NodeOrigin
	}
	if d.NodeVersion == "" {
		d.NodeVersion = b.NodeVersion
	}
	if d.SwarmPort == 0 {
		d.SwarmPort = b.SwarmPort
	}
	if d.UnitName == "" {
		d.UnitName = b.UnitName
	}
	if d.InitProfile == "" {
		d.InitProfile = b.InitProfile
	}
	if d.LimitNOFILE == 0 {
		d.LimitNOFILE = b.LimitNOFILE
	}
	return d
}

// Config is the immutable provisioning configuration, resolved once at
// startup and passed explicitly to every component.
type Config struct {
	// Autostart is the boot relaunch mechanism.
	Autostart Autostart `validate:"required,oneof=systemd cron"`

	// DistUpgrade enables the full distribution upgrade step.
	DistUpgrade bool

	// InstallFirewall enables the firewall step.
	InstallFirewall bool

	// RuntimeVersion pins the Go runtime; empty means OS-packaged binary.
	RuntimeVersion string

	// StorageMaxGiB is the node storage quota in GiB. Zero is valid: a host
	// with no free space still gets a well-formed quota rewrite.
	StorageMaxGiB int `validate:"gte=0"`

	// Pause enables single-step pause mode.
	Pause bool

	// Distro is the detected distribution family.
	Distro platform.Distro `validate:"required"`

	// Arch is the Go architecture name of the target.
	Arch string `validate:"required"`

	// ServiceAccount is the account the daemon runs as.
	ServiceAccount string `validate:"required"`

	// HomeDir is the service account's home directory.
	HomeDir string `validate:"required"`

	// InstallPrefix is where fetched binaries are installed.
	InstallPrefix string `validate:"required"`

	// RuntimeOrigin is the Go runtime download origin.
	RuntimeOrigin string `validate:"required,url"`

	// NodeOrigin is the node distribution download origin.
	NodeOrigin string `validate:"required,url"`

	// NodeVersion is the node distribution version.
	NodeVersion string `validate:"required"`

	// SwarmPort is the peering port opened in the firewall.
	SwarmPort int `validate:"gt=0,lte=65535"`

	// UnitName is the systemd unit / cron entry name.
	UnitName string `validate:"required"`

	// InitProfile is the node initialization profile.
	InitProfile string `validate:"required"`

	// DaemonFlags are extra daemon flags.
	DaemonFlags []string

	// Environment is extra daemon process environment.
	Environment map[string]string

	// LimitNOFILE is the unit's open-file limit.
	LimitNOFILE int `validate:"gt=0"`
}

// RepoPath returns the node repository directory.
func (c *Config) RepoPath() string {
	return filepath.Join(c.HomeDir, ".ipfs")
}

// NodeConfigPath returns the node's JSON configuration file.
func (c *Config) NodeConfigPath() string {
	return filepath.Join(c.RepoPath(), "config")
}

// NodeBinaryPath returns where the node binary is expected after install.
func (c *Config) NodeBinaryPath() string {
	return filepath.Join(c.InstallPrefix, "bin", "ipfs")
}

// AutoQuotaGiB computes the default storage quota from free root-partition
// bytes: floor(free / 1_320_000_000), roughly 75% of the free space.
func AutoQuotaGiB(freeBytes uint64) int {
	return int(freeBytes / quotaDivisor)
}

var validate = validator.New()

// Resolve combines flags, defaults, and facts into a validated Config.
func Resolve(opts Options, defaults Defaults, facts *platform.Facts) (*Config, error) {
	quota, err := resolveQuota(opts.StorageMax, facts.FreeRootBytes)
	if err != nil {
		return nil, err
	}

	autostart := AutostartSystemd
	if opts.CronAutostart {
		autostart = AutostartCron
	}

	cfg := &Config{
		Autostart:       autostart,
		DistUpgrade:     opts.DistUpgrade,
		InstallFirewall: opts.ForceFirewall || facts.Distro == platform.DistroDebian,
		RuntimeVersion:  opts.GoVersion,
		StorageMaxGiB:   quota,
		Pause:           opts.Wait,
		Distro:          facts.Distro,
		Arch:            facts.Arch,
		ServiceAccount:  defaults.ServiceAccount,
		HomeDir:         filepath.Join("/home", defaults.ServiceAccount),
		InstallPrefix:   defaults.InstallPrefix,
		RuntimeOrigin:   defaults.RuntimeOrigin,
		NodeOrigin:      defaults.NodeOrigin,
		NodeVersion:     defaults.NodeVersion,
		SwarmPort:       defaults.SwarmPort,
		UnitName:        defaults.UnitName,
		InitProfile:     defaults.InitProfile,
		DaemonFlags:     defaults.DaemonFlags,
		Environment:     defaults.Environment,
		LimitNOFILE:     defaults.LimitNOFILE,
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, engine.NewInvalidArgument("invalid provisioning configuration", err)
	}
	return cfg, nil
}

// resolveQuota parses the -m flag or auto-computes the quota.
func resolveQuota(raw string, freeBytes uint64) (int, error) {
	if raw == "" {
		return AutoQuotaGiB(freeBytes), nil
	}

	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, engine.NewInvalidArgument(
			fmt.Sprintf("storage quota %q must be a positive integer (GiB)", raw), err)
	}
	// Reject trailing garbage like "50x".
	if fmt.Sprintf("%d", n) != raw {
		return 0, engine.NewInvalidArgument(
			fmt.Sprintf("storage quota %q must be a positive integer (GiB)", raw), nil)
	}
	if n <= 0 {
		return 0, engine.NewInvalidArgument(
			fmt.Sprintf("storage quota must be positive, got %d", n), nil)
	}
	return n, nil
}
