package steps

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinstrap/pinstrap/pkg/config"
	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/nodeconf"
	"github.com/pinstrap/pinstrap/pkg/platform"
	"github.com/pinstrap/pinstrap/pkg/runner"
	"github.com/pinstrap/pinstrap/pkg/system"
)

const repoConfig = `{
  "Identity": {
    "PeerID": "12D3KooWExample"
  },
  "Datastore": {
    "StorageMax": "10GB",
    "GCPeriod": "1h"
  }
}
`

// memStore is an in-memory applied-steps ledger.
type memStore struct {
	applied map[engine.StepID]bool
}

func newMemStore() *memStore {
	return &memStore{applied: make(map[engine.StepID]bool)}
}

func (m *memStore) IsApplied(_ context.Context, id engine.StepID) (bool, error) {
	return m.applied[id], nil
}

func (m *memStore) MarkApplied(_ context.Context, id engine.StepID) error {
	m.applied[id] = true
	return nil
}

// queueProber fails the first n probes, then succeeds.
type queueProber struct {
	failures int
	calls    int
}

func (p *queueProber) Probe(context.Context, string) error {
	p.calls++
	if p.calls <= p.failures {
		return engine.NewNetworkUnavailable("origin unreachable", nil)
	}
	return nil
}

// scriptedPrompter returns queued answers.
type scriptedPrompter struct {
	answers []bool
	asked   int
}

func (p *scriptedPrompter) Confirm(context.Context, string) (bool, error) {
	if p.asked >= len(p.answers) {
		return false, errors.New("unexpected prompt")
	}
	answer := p.answers[p.asked]
	p.asked++
	return answer, nil
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o755, Typeflag: tar.TypeReg, Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// distServer serves Go runtime and node tarballs for any requested path.
func distServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "go1"):
			_, _ = w.Write(tarball(t, map[string]string{
				"go/VERSION": "go1.22.4",
				"go/bin/go":  "ELF",
			}))
		case strings.Contains(r.URL.Path, "kubo"):
			_, _ = w.Write(tarball(t, map[string]string{
				"kubo/ipfs": "ELF",
			}))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testDeps(t *testing.T, f *runner.Fake, origin string) (Deps, *memStore) {
	t.Helper()
	store := newMemStore()
	apt := system.NewApt(f)
	accounts := system.NewAccounts(f)
	cfg := &config.Config{
		Autostart:       config.AutostartSystemd,
		InstallFirewall: false,
		RuntimeVersion:  "1.22.4",
		StorageMaxGiB:   50,
		Distro:          platform.DistroRaspbian,
		Arch:            "arm",
		ServiceAccount:  "ipfs",
		HomeDir:         "/home/ipfs",
		InstallPrefix:   "/usr/local",
		RuntimeOrigin:   origin,
		NodeOrigin:      origin,
		NodeVersion:     "v0.32.1",
		SwarmPort:       4001,
		UnitName:        "ipfs",
		InitProfile:     "lowpower",
		LimitNOFILE:     8192,
	}
	return Deps{
		Cfg:        cfg,
		Runner:     f,
		Store:      store,
		Apt:        apt,
		Downloader: system.NewDownloader(),
		Extractor:  system.NewExtractor(f),
		Accounts:   accounts,
		Systemd:    system.NewSystemd(f),
		Cron:       system.NewCron(f),
		Firewall:   system.NewFirewall(f, apt),
		Node:       system.NewNode(f, accounts),
		Prober:     &queueProber{},
	}, store
}

// hostSimulation makes the fake host respond to the mutations the way a
// real one would: init creates the repo config, start creates the API file.
func hostSimulation(cfg *config.Config) func(f *runner.Fake, cmd string) {
	return func(f *runner.Fake, cmd string) {
		switch {
		case strings.HasPrefix(cmd, "useradd"):
			f.Files[cfg.HomeDir] = nil
		case strings.HasPrefix(cmd, "runuser -u ipfs -- ipfs init"):
			f.Files[cfg.NodeConfigPath()] = []byte(repoConfig)
		case strings.HasPrefix(cmd, "install -m 0755"):
			f.Binaries["ipfs"] = cfg.NodeBinaryPath()
		case strings.HasPrefix(cmd, "systemctl start"):
			f.Files[cfg.RepoPath()+"/api"] = []byte("/ip4/127.0.0.1/tcp/5001")
			f.Results["systemctl is-active ipfs"] = runner.FakeResult{Stdout: "active\n"}
		}
	}
}

func runAll(t *testing.T, d Deps, store *memStore) *engine.RunLog {
	t.Helper()
	seq, err := engine.NewSequencer(All(d), zerolog.Nop(), engine.WithRecorder(recorderFor(store)))
	require.NoError(t, err)
	log, err := seq.Run(context.Background())
	require.NoError(t, err)
	return log
}

// recorderFor adapts the memStore to the full Recorder interface.
type storeRecorder struct{ store *memStore }

func recorderFor(store *memStore) *storeRecorder { return &storeRecorder{store: store} }

func (r *storeRecorder) RunStarted(context.Context, string) error { return nil }
func (r *storeRecorder) StepRecorded(context.Context, string, engine.Record) error {
	return nil
}
func (r *storeRecorder) RunCompleted(context.Context, string, engine.RunSummary, error) error {
	return nil
}
func (r *storeRecorder) MarkApplied(ctx context.Context, id engine.StepID) error {
	return r.store.MarkApplied(ctx, id)
}

func TestFreshHostFullRun(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	f.OnRun = hostSimulation(d.Cfg)

	log := runAll(t, d, store)
	summary := log.Summary()
	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 0, summary.Failed)

	// Raspbian without -f has no firewall work; everything else ran.
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 9, summary.Succeeded)

	assert.True(t, f.Ran("apt-get update"))
	assert.True(t, f.Ran("apt-get install -y git curl ca-certificates"))
	assert.True(t, f.Ran("useradd --create-home --home-dir /home/ipfs"))
	assert.True(t, f.Ran("runuser -u ipfs -- ipfs init --profile lowpower"))
	assert.True(t, f.Ran("systemctl daemon-reload"))
	assert.True(t, f.Ran("systemctl enable ipfs"))
	assert.True(t, f.Ran("systemctl start ipfs"))
	assert.False(t, f.Ran("ufw"))
	assert.False(t, f.Ran("apt-get dist-upgrade"))

	// Runtime and node binary landed under the install prefix.
	assert.Equal(t, []byte("go1.22.4"), f.Files["/usr/local/go/VERSION"])
	assert.Equal(t, []byte("ELF"), f.Files["/usr/local/kubo/ipfs"])

	// Quota was rewritten in place.
	quota, err := nodeconf.StorageMax(f.Files[d.Cfg.NodeConfigPath()])
	require.NoError(t, err)
	assert.Equal(t, "50G", quota)
	assert.Contains(t, string(f.Files[d.Cfg.NodeConfigPath()]), `"GCPeriod": "1h"`)

	// PATH drop-in includes the runtime.
	assert.Equal(t, "export PATH=$PATH:/usr/local/bin:/usr/local/go/bin\n",
		string(f.Files[profilePath]))
}

func TestSecondRunConverges(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	f.OnRun = hostSimulation(d.Cfg)

	runAll(t, d, store)
	firstCount := len(f.Commands)

	log := runAll(t, d, store)
	summary := log.Summary()
	assert.Equal(t, 0, summary.Failed)

	// The autostart definition is declarative and re-applied; every other
	// step observes its effect and skips.
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 9, summary.Skipped)

	second := f.Commands[firstCount:]
	for _, cmd := range second {
		ok := strings.HasPrefix(cmd, "systemctl daemon-reload") ||
			strings.HasPrefix(cmd, "systemctl enable") ||
			strings.HasPrefix(cmd, "systemctl is-active")
		assert.True(t, ok, "unexpected command on converged host: %s", cmd)
	}
}

func TestDistUpgradeAndForcedFirewall(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	d.Cfg.DistUpgrade = true
	d.Cfg.InstallFirewall = true
	f.OnRun = hostSimulation(d.Cfg)

	log := runAll(t, d, store)
	assert.Equal(t, 0, log.Summary().Failed)

	assert.True(t, f.Ran("apt-get dist-upgrade -y"))
	assert.True(t, f.Ran("apt-get install -y ufw"))
	assert.True(t, f.Ran("ufw allow 4001"))
	assert.True(t, f.Ran("ufw --force enable"))
}

func TestCronAutostart(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	d.Cfg.Autostart = config.AutostartCron
	f.OnRun = hostSimulation(d.Cfg)

	log := runAll(t, d, store)
	assert.Equal(t, 0, log.Summary().Failed)

	assert.Contains(t, string(f.Files["/etc/cron.d/ipfs"]), "@reboot ipfs")
	assert.False(t, f.Ran("systemctl"))

	// Nothing starts until the next reboot with cron autostart.
	for _, rec := range log.Records() {
		if rec.StepID == engine.StepDaemonStarted {
			assert.Equal(t, engine.OutcomeSkipped, rec.Outcome)
		}
	}
}

func TestUnpinnedRuntimeUsesOSPackage(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	d.Cfg.RuntimeVersion = ""
	f.OnRun = func(fake *runner.Fake, cmd string) {
		hostSimulation(d.Cfg)(fake, cmd)
		if strings.HasPrefix(cmd, "apt-get install -y ipfs") {
			fake.Binaries["ipfs"] = "/usr/bin/ipfs"
		}
	}

	log := runAll(t, d, store)
	assert.Equal(t, 0, log.Summary().Failed)

	assert.True(t, f.Ran("apt-get install -y ipfs"))
	assert.Empty(t, f.Files["/usr/local/go/VERSION"])
	for _, rec := range log.Records() {
		if rec.StepID == engine.StepRuntimeInstalled {
			assert.Equal(t, engine.OutcomeSkipped, rec.Outcome)
		}
	}
}

func TestNodeInstallVerificationFailure(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	// No hostSimulation: the install command leaves no binary behind.

	seq, err := engine.NewSequencer(All(d), zerolog.Nop(), engine.WithRecorder(recorderFor(store)))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.CodeDownloadVerification, engine.CodeOf(err))

	// The run aborted before initializing the node.
	assert.False(t, f.Ran("runuser"))
}

func TestBootstrapProbeFailsWithoutPrompter(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	d.Prober = &queueProber{failures: 100}

	seq, err := engine.NewSequencer(All(d), zerolog.Nop(), engine.WithRecorder(recorderFor(store)))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsNetworkUnavailable(err))
	assert.False(t, f.Ran("apt-get"))
}

func TestBootstrapProbeRetriesOnOperatorConfirm(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	f.OnRun = hostSimulation(d.Cfg)
	prober := &queueProber{failures: 2}
	prompter := &scriptedPrompter{answers: []bool{true, true}}
	d.Prober = prober
	d.Prompter = prompter

	log := runAll(t, d, store)
	assert.Equal(t, 0, log.Summary().Failed)
	assert.Equal(t, 3, prober.calls)
	assert.Equal(t, 2, prompter.asked)
}

func TestBootstrapProbeAbortsOnOperatorDecline(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	d.Prober = &queueProber{failures: 100}
	d.Prompter = &scriptedPrompter{answers: []bool{false}}

	seq, err := engine.NewSequencer(All(d), zerolog.Nop(), engine.WithRecorder(recorderFor(store)))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsNetworkUnavailable(err))
}

func TestQuotaRewriteFailsOnMalformedRepoConfig(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)
	f.OnRun = func(fake *runner.Fake, cmd string) {
		hostSimulation(d.Cfg)(fake, cmd)
		if strings.HasPrefix(cmd, "runuser -u ipfs -- ipfs init") {
			fake.Files[d.Cfg.NodeConfigPath()] = []byte("not json")
		}
	}

	seq, err := engine.NewSequencer(All(d), zerolog.Nop(), engine.WithRecorder(recorderFor(store)))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsInvalidArgument(err))
}

func TestPlanOnFreshHost(t *testing.T) {
	srv := distServer(t)
	f := runner.NewFake()
	d, store := testDeps(t, f, srv.URL)

	seq, err := engine.NewSequencer(All(d), zerolog.Nop(), engine.WithRecorder(recorderFor(store)))
	require.NoError(t, err)

	entries, err := seq.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 10)

	wouldRun := make(map[engine.StepID]bool, len(entries))
	for _, e := range entries {
		wouldRun[e.StepID] = e.WouldRun
	}
	assert.True(t, wouldRun[engine.StepOSBootstrap])
	assert.True(t, wouldRun[engine.StepAccountCreated])
	assert.False(t, wouldRun[engine.StepFirewallOpened], "no firewall on raspbian without -f")

	// Planning probes but never mutates: the only command issued is the
	// read-only service liveness check.
	assert.Equal(t, []string{"systemctl is-active ipfs"}, f.Commands,
		fmt.Sprintf("plan ran commands: %v", f.Commands))
}
