package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/dds/protocol"
	"github.com/drpcorg/dds/server"
	"github.com/drpcorg/dds/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var aliceHash = protocol.HashPassword("secret")

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 150, cfg.MaxClients)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: ["tcp://:16003", "tls://:16004"]
tls_cert: cert.pem
tls_key: key.pem
log_level: debug
max_clients: 20
session_timeout: 5m
duplicate_threshold: 0
retrieval_timeout: 30s
users:
  alice: ` + aliceHash + `
facade:
  heartbeat_peer_timeout: 90s
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://:16003", "tls://:16004"}, cfg.Listen)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, 20, cfg.MaxClients)
	assert.Equal(t, 5*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 0, cfg.DuplicateThreshold)
	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Facade.HeartbeatPeerTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Facade.ProxiedSessionTimeout)

	sc := cfg.Server()
	assert.Equal(t, 20, sc.MaxClients)
	assert.Equal(t, 5*time.Minute, sc.SessionTimeout)
	assert.Equal(t, 30*time.Second, sc.RetrievalTimeout)
	assert.Equal(t, map[string]string{"alice": aliceHash}, sc.Users)
}

func TestParseErrors(t *testing.T) {
	for _, doc := range []string{
		"max_clientz: 3\n",
		"max_clients: -1\n",
		"poll_interval: 0s\n",
		"tls_cert: cert.pem\n",
		"users:\n  bob: nothex\n",
		"session_timeout: soon\n",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

type recorder struct {
	mu  sync.Mutex
	got []server.Config
}

func (r *recorder) ApplyConfig(c server.Config) {
	r.mu.Lock()
	r.got = append(r.got, c)
	r.mu.Unlock()
}

func (r *recorder) applied() []server.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]server.Config(nil), r.got...)
}

func TestRefresher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_clients: 10\n"), 0o644))

	rec := &recorder{}
	r := NewRefresher(utils.NewDefaultLogger(slog.LevelDebug), path, time.Hour, rec)
	require.NoError(t, r.Refresh())
	require.NoError(t, r.Refresh())
	require.Len(t, rec.applied(), 1, "unchanged file is not applied again")
	assert.Equal(t, 10, rec.applied()[0].MaxClients)

	require.NoError(t, os.WriteFile(path, []byte("max_clients: [\n"), 0o644))
	assert.Error(t, r.Refresh())
	assert.Len(t, rec.applied(), 1)

	require.NoError(t, os.WriteFile(path, []byte("enabled: false\nmax_clients: 10\n"), 0o644))
	require.NoError(t, r.Refresh())
	require.Len(t, rec.applied(), 2)
	assert.False(t, rec.applied()[1].Enabled)
}

func TestRefresherRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_clients: 3\n"), 0o644))
	rec := &recorder{}
	r := NewRefresher(utils.NewDefaultLogger(slog.LevelDebug), path, 5*time.Millisecond, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()
	assert.Eventually(t, func() bool { return len(rec.applied()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

// The refresher drives a real server: lowering the ceiling and disabling
// both take effect without a restart.
func TestRefresherAppliesToServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_clients: 7\n"), 0o644))
	srv := server.NewServer(utils.NewDefaultLogger(slog.LevelDebug), server.Deps{})
	defer srv.Close()

	r := NewRefresher(utils.NewDefaultLogger(slog.LevelDebug), path, time.Hour, srv)
	require.NoError(t, r.Refresh())
	assert.Equal(t, 7, srv.Registry().Max())
	assert.True(t, srv.Registry().Enabled())

	require.NoError(t, os.WriteFile(path, []byte("enabled: false\n"), 0o644))
	require.NoError(t, r.Refresh())
	assert.False(t, srv.Registry().Enabled())
	assert.Equal(t, 150, srv.Config().MaxClients)
}
