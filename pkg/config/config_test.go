package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/platform"
)

func piFacts() *platform.Facts {
	return &platform.Facts{
		Distro:        platform.DistroRaspbian,
		Arch:          "arm",
		Machine:       "armv7l",
		FreeRootBytes: 66_000_000_000,
		EUID:          0,
	}
}

func TestResolveExplicitQuota(t *testing.T) {
	cfg, err := Resolve(Options{StorageMax: "50"}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.StorageMaxGiB)
}

func TestResolveQuotaRejectsBadInput(t *testing.T) {
	tests := []string{"abc", "0", "-3", "50x", "1.5"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := Resolve(Options{StorageMax: raw}, builtinDefaults(), piFacts())
			require.Error(t, err)
			assert.True(t, engine.IsInvalidArgument(err))
		})
	}
}

func TestResolveAutoQuota(t *testing.T) {
	cfg, err := Resolve(Options{}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	// floor(66_000_000_000 / 1_320_000_000) = 50
	assert.Equal(t, 50, cfg.StorageMaxGiB)
}

func TestAutoQuotaProperties(t *testing.T) {
	assert.Equal(t, 0, AutoQuotaGiB(0), "zero free space yields quota 0")
	assert.Equal(t, 0, AutoQuotaGiB(1_319_999_999))
	assert.Equal(t, 1, AutoQuotaGiB(1_320_000_000))

	// Monotonic in free space.
	prev := 0
	for _, free := range []uint64{0, 1 << 28, 1 << 30, 1 << 33, 1 << 36, 1 << 40} {
		q := AutoQuotaGiB(free)
		assert.GreaterOrEqual(t, q, prev)
		prev = q
	}
}

func TestResolveZeroQuotaIsAccepted(t *testing.T) {
	facts := piFacts()
	facts.FreeRootBytes = 0

	cfg, err := Resolve(Options{}, builtinDefaults(), facts)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.StorageMaxGiB)
}

func TestResolveAutostartSelection(t *testing.T) {
	cfg, err := Resolve(Options{}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	assert.Equal(t, AutostartSystemd, cfg.Autostart)

	cfg, err = Resolve(Options{CronAutostart: true}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	assert.Equal(t, AutostartCron, cfg.Autostart)
}

func TestResolveFirewallPolicy(t *testing.T) {
	// Optional on Raspbian unless forced.
	cfg, err := Resolve(Options{}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	assert.False(t, cfg.InstallFirewall)

	cfg, err = Resolve(Options{ForceFirewall: true}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	assert.True(t, cfg.InstallFirewall)

	// Always configured on Debian.
	facts := piFacts()
	facts.Distro = platform.DistroDebian
	cfg, err = Resolve(Options{}, builtinDefaults(), facts)
	require.NoError(t, err)
	assert.True(t, cfg.InstallFirewall)
}

func TestResolvePinnedRuntime(t *testing.T) {
	cfg, err := Resolve(Options{GoVersion: "1.22.4"}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	assert.Equal(t, "1.22.4", cfg.RuntimeVersion)

	cfg, err = Resolve(Options{}, builtinDefaults(), piFacts())
	require.NoError(t, err)
	assert.Empty(t, cfg.RuntimeVersion, "absent flag means OS-packaged binary")
}

func TestResolveDerivedPaths(t *testing.T) {
	cfg, err := Resolve(Options{}, builtinDefaults(), piFacts())
	require.NoError(t, err)

	assert.Equal(t, "/home/ipfs", cfg.HomeDir)
	assert.Equal(t, "/home/ipfs/.ipfs", cfg.RepoPath())
	assert.Equal(t, "/home/ipfs/.ipfs/config", cfg.NodeConfigPath())
	assert.Equal(t, "/usr/local/bin/ipfs", cfg.NodeBinaryPath())
}

func TestLoadDefaultsLayersOverBuiltins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_account: pinner\nswarm_port: 4002\n"), 0o644))

	d, err := LoadDefaults(path)
	require.NoError(t, err)

	assert.Equal(t, "pinner", d.ServiceAccount)
	assert.Equal(t, 4002, d.SwarmPort)
	// Untouched fields keep builtin values.
	assert.Equal(t, "/usr/local", d.InstallPrefix)
	assert.Equal(t, "https://dist.ipfs.tech/kubo", d.NodeOrigin)
}

func TestLoadDefaultsBadFile(t *testing.T) {
	_, err := LoadDefaults("/nonexistent/defaults.yaml")
	require.Error(t, err)
	assert.True(t, engine.IsInvalidArgument(err))

	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	_, err = LoadDefaults(path)
	require.Error(t, err)
	assert.True(t, engine.IsInvalidArgument(err))
}
