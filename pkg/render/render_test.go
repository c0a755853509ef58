package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/engine"
)

func testConfig() *config.Config {
	return &config.Config{
		Autostart:      config.AutostartSystemd,
		ServiceAccount: "ipfs",
		HomeDir:        "/home/ipfs",
		InstallPrefix:  "/usr/local",
		UnitName:       "ipfs",
		LimitNOFILE:    8192,
	}
}

func TestUnitRendersDaemonInvocation(t *testing.T) {
	cfg := testConfig()
	cfg.DaemonFlags = []string{"--migrate=true", "--enable-gc"}

	unit, err := Unit(cfg)
	require.NoError(t, err)

	assert.Contains(t, unit, "User=ipfs\n")
	assert.Contains(t, unit, "Environment=IPFS_PATH=/home/ipfs/.ipfs\n")
	assert.Contains(t, unit, "LimitNOFILE=8192\n")
	assert.Contains(t, unit, "WantedBy=multi-user.target")
	assert.Equal(t, "/usr/local/bin/ipfs daemon --migrate=true --enable-gc", ExecStartOf(unit))
}

func TestUnitEnvironmentIsSorted(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = map[string]string{
		"IPFS_FD_MAX": "4096",
		"GOGC":        "50",
	}

	unit, err := Unit(cfg)
	require.NoError(t, err)

	gogc := strings.Index(unit, "Environment=GOGC=50")
	fdMax := strings.Index(unit, "Environment=IPFS_FD_MAX=4096")
	require.NotEqual(t, -1, gogc)
	require.NotEqual(t, -1, fdMax)
	assert.Less(t, gogc, fdMax)

	// Same input renders the same bytes.
	again, err := Unit(cfg)
	require.NoError(t, err)
	assert.Equal(t, unit, again)
}

func TestCronEntryRendersRebootLine(t *testing.T) {
	cfg := testConfig()
	cfg.Autostart = config.AutostartCron

	entry, err := CronEntry(cfg)
	require.NoError(t, err)

	user, command := RebootCommandOf(entry)
	assert.Equal(t, "ipfs", user)
	assert.Equal(t, "/usr/local/bin/ipfs daemon", command)
	assert.Contains(t, entry, "IPFS_PATH=/home/ipfs/.ipfs\n")
}

func TestUnitRoundTripRecoversAccountExecAndEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.DaemonFlags = []string{"--enable-gc"}
	cfg.Environment = map[string]string{
		"GOGC":        "50",
		"IPFS_FD_MAX": "4096",
	}

	unit, err := Unit(cfg)
	require.NoError(t, err)

	assert.Equal(t, "ipfs", UserOf(unit))
	assert.Equal(t, "/usr/local/bin/ipfs daemon --enable-gc", ExecStartOf(unit))
	assert.Equal(t, map[string]string{
		"IPFS_PATH":   "/home/ipfs/.ipfs",
		"GOGC":        "50",
		"IPFS_FD_MAX": "4096",
	}, EnvironmentOf(unit))
}

func TestCronEntryRoundTripRecoversAccountExecAndEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.Autostart = config.AutostartCron
	cfg.Environment = map[string]string{"GOGC": "50"}

	entry, err := CronEntry(cfg)
	require.NoError(t, err)

	user, command := RebootCommandOf(entry)
	assert.Equal(t, "ipfs", user)
	assert.Equal(t, "/usr/local/bin/ipfs daemon", command)
	assert.Equal(t, map[string]string{
		"IPFS_PATH": "/home/ipfs/.ipfs",
		"GOGC":      "50",
	}, CronEnvironmentOf(entry))
}

func TestAutostartSelectsDefinition(t *testing.T) {
	cfg := testConfig()

	unit, err := Autostart(cfg)
	require.NoError(t, err)
	assert.Contains(t, unit, "[Service]")

	cfg.Autostart = config.AutostartCron
	entry, err := Autostart(cfg)
	require.NoError(t, err)
	assert.Contains(t, entry, "@reboot")
}

func TestRenderRejectsMissingAccount(t *testing.T) {
	cfg := testConfig()
	cfg.ServiceAccount = ""

	_, err := Unit(cfg)
	require.Error(t, err)
	assert.True(t, engine.IsInvalidArgument(err))
}

func TestParseBackOnForeignText(t *testing.T) {
	assert.Equal(t, "", ExecStartOf("[Unit]\nDescription=something else\n"))
	assert.Equal(t, "", UserOf("[Unit]\nDescription=something else\n"))
	assert.Empty(t, EnvironmentOf("[Unit]\nDescription=something else\n"))
	assert.Empty(t, CronEnvironmentOf("# nothing here\n"))

	user, command := RebootCommandOf("# nothing here\n")
	assert.Equal(t, "", user)
	assert.Equal(t, "", command)
}
