package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinstrap/pinstrap/pkg/engine"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target string
		user   string
		host   string
		port   int
		ok     bool
	}{
		{"pi@raspberrypi.local", "pi", "raspberrypi.local", 22, true},
		{"root@10.0.0.5:2222", "root", "10.0.0.5", 2222, true},
		{"pi@[::1]:22", "pi", "::1", 22, true},
		{"raspberrypi.local", "", "", 0, false},
		{"@host", "", "", 0, false},
		{"pi@", "", "", 0, false},
		{"pi@host:notaport", "", "", 0, false},
		{"pi@host:0", "", "", 0, false},
	}

	for _, tt := range tests {
		user, host, port, err := ParseTarget(tt.target)
		if !tt.ok {
			require.Error(t, err, "target %q", tt.target)
			assert.True(t, engine.IsInvalidArgument(err), "target %q", tt.target)
			continue
		}
		require.NoError(t, err, "target %q", tt.target)
		assert.Equal(t, tt.user, user)
		assert.Equal(t, tt.host, host)
		assert.Equal(t, tt.port, port)
	}
}

func TestQuoteCommand(t *testing.T) {
	assert.Equal(t, "apt-get install -y ufw", quoteCommand([]string{"apt-get", "install", "-y", "ufw"}))
	assert.Equal(t, `useradd --comment 'node service account' ipfs`,
		quoteCommand([]string{"useradd", "--comment", "node service account", "ipfs"}))
	assert.Equal(t, `echo 'it'\''s'`, quoteCommand([]string{"echo", "it's"}))
	assert.Equal(t, "touch ''", quoteCommand([]string{"touch", ""}))
}

func TestBuildClientConfigRejectsMissingTarget(t *testing.T) {
	_, err := buildClientConfig(Config{})
	require.Error(t, err)
	assert.True(t, engine.IsInvalidArgument(err))
}

func TestBuildClientConfigRejectsUnreadableIdentity(t *testing.T) {
	_, err := buildClientConfig(Config{
		User:         "pi",
		Host:         "raspberrypi.local",
		IdentityFile: "/nonexistent/id_ed25519",
	})
	require.Error(t, err)
	assert.True(t, engine.IsInvalidArgument(err))
}
