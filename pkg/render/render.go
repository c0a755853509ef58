// Package render produces the boot-time autostart definitions: a systemd
// unit or an @reboot cron entry that keeps the node daemon running across
// reboots. Definitions are rendered whole from the resolved configuration,
// so re-registering is a plain overwrite.
package render

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/engine"
)

const unitTemplate = `[Unit]
Description=IPFS node daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User={{ .User }}
Environment=IPFS_PATH={{ .RepoPath }}
{{- range .Environment }}
Environment={{ . }}
{{- end }}
ExecStart={{ .ExecStart }}
Restart=on-failure
KillSignal=SIGINT
LimitNOFILE={{ .LimitNOFILE }}

[Install]
WantedBy=multi-user.target
`

const cronTemplate = `# Managed by pinstrap. Relaunches the node daemon after every boot.
{{- range .Environment }}
{{ . }}
{{- end }}
IPFS_PATH={{ .RepoPath }}
@reboot {{ .User }} {{ .ExecStart }}
`

type unitParams struct {
	User        string
	RepoPath    string
	Environment []string
	ExecStart   string
	LimitNOFILE int
}

var (
	unitTmpl = template.Must(template.New("unit").Parse(unitTemplate))
	cronTmpl = template.Must(template.New("cron").Parse(cronTemplate))
)

// Unit renders the systemd unit definition for the node daemon.
func Unit(cfg *config.Config) (string, error) {
	params, err := paramsFrom(cfg)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := unitTmpl.Execute(&b, params); err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return b.String(), nil
}

// CronEntry renders the @reboot cron drop-in for the node daemon.
func CronEntry(cfg *config.Config) (string, error) {
	params, err := paramsFrom(cfg)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := cronTmpl.Execute(&b, params); err != nil {
		return "", fmt.Errorf("render cron entry: %w", err)
	}
	return b.String(), nil
}

// Autostart renders whichever definition the configuration selects.
func Autostart(cfg *config.Config) (string, error) {
	if cfg.Autostart == config.AutostartCron {
		return CronEntry(cfg)
	}
	return Unit(cfg)
}

func paramsFrom(cfg *config.Config) (unitParams, error) {
	if cfg.ServiceAccount == "" {
		return unitParams{}, engine.NewInvalidArgument("autostart definition needs a service account", nil)
	}
	if cfg.HomeDir == "" {
		return unitParams{}, engine.NewInvalidArgument("autostart definition needs the account home directory", nil)
	}

	exec := cfg.NodeBinaryPath() + " daemon"
	if len(cfg.DaemonFlags) > 0 {
		exec += " " + strings.Join(cfg.DaemonFlags, " ")
	}

	// Sorted so the rendered definition is stable across runs.
	env := make([]string, 0, len(cfg.Environment))
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return unitParams{
		User:        cfg.ServiceAccount,
		RepoPath:    cfg.RepoPath(),
		Environment: env,
		ExecStart:   exec,
		LimitNOFILE: cfg.LimitNOFILE,
	}, nil
}

// ExecStartOf extracts the ExecStart command from a rendered systemd unit.
// It returns "" when the line is absent.
func ExecStartOf(unit string) string {
	for _, line := range strings.Split(unit, "\n") {
		if cmd, ok := strings.CutPrefix(line, "ExecStart="); ok {
			return cmd
		}
	}
	return ""
}

// UserOf extracts the account a rendered systemd unit runs as. It returns
// "" when the line is absent.
func UserOf(unit string) string {
	for _, line := range strings.Split(unit, "\n") {
		if user, ok := strings.CutPrefix(line, "User="); ok {
			return user
		}
	}
	return ""
}

// EnvironmentOf extracts the Environment= entries of a rendered systemd
// unit as a key/value map.
func EnvironmentOf(unit string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(unit, "\n") {
		entry, ok := strings.CutPrefix(line, "Environment=")
		if !ok {
			continue
		}
		if k, v, found := strings.Cut(entry, "="); found {
			env[k] = v
		}
	}
	return env
}

// CronEnvironmentOf extracts the environment assignments of a rendered
// @reboot cron entry.
func CronEnvironmentOf(entry string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(entry, "\n") {
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "@reboot ") {
			continue
		}
		if k, v, found := strings.Cut(line, "="); found {
			env[k] = v
		}
	}
	return env
}

// RebootCommandOf extracts the user and command from a rendered @reboot
// cron entry. It returns "", "" when no @reboot line is present.
func RebootCommandOf(entry string) (user, command string) {
	for _, line := range strings.Split(entry, "\n") {
		rest, ok := strings.CutPrefix(line, "@reboot ")
		if !ok {
			continue
		}
		user, command, _ = strings.Cut(rest, " ")
		return user, command
	}
	return "", ""
}
