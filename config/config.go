// Package config reads the server's YAML configuration file and keeps a
// running server in step with it.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/drpcorg/dds/server"
	"github.com/drpcorg/dds/utils"
	"gopkg.in/yaml.v3"
)

const DefaultRefreshInterval = time.Minute

// Facade thresholds belong to the HTTP front end; they are kept apart from
// the session inactivity timeout and never feed it.
type Facade struct {
	ProxiedSessionTimeout time.Duration `yaml:"proxied_session_timeout"`
	HeartbeatPeerTimeout  time.Duration `yaml:"heartbeat_peer_timeout"`
}

type Config struct {
	Listen     []string `yaml:"listen"`
	ArchiveDir string   `yaml:"archive_dir"`
	// CacheSize is the number of message bodies the archive keeps in memory.
	CacheSize   int    `yaml:"cache_size"`
	MetricsAddr string `yaml:"metrics_addr"`
	TLSCert     string `yaml:"tls_cert"`
	TLSKey      string `yaml:"tls_key"`

	LogLevel string              `yaml:"log_level"`
	LogFile  utils.FileLogConfig `yaml:"log_file"`

	Enabled              bool          `yaml:"enabled"`
	MaxClients           int           `yaml:"max_clients"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	DuplicateThreshold   int           `yaml:"duplicate_threshold"`
	ReapInterval         time.Duration `yaml:"reap_interval"`
	RetrievalTimeout     time.Duration `yaml:"retrieval_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxClockSkew         time.Duration `yaml:"max_clock_skew"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	AllowUnauthenticated bool          `yaml:"allow_unauthenticated"`
	ResolveHosts         bool          `yaml:"resolve_hosts"`
	// Users maps user names to hex sha256 password hashes.
	Users map[string]string `yaml:"users"`

	Facade Facade `yaml:"facade"`

	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func Default() Config {
	srv := server.DefaultConfig()
	return Config{
		Listen:             []string{"tcp://0.0.0.0:16003"},
		ArchiveDir:         "dds-archive",
		LogLevel:           "info",
		Enabled:            srv.Enabled,
		MaxClients:         srv.MaxClients,
		SessionTimeout:     srv.SessionTimeout,
		DuplicateThreshold: srv.DuplicateThreshold,
		ReapInterval:       server.DefaultReapInterval,
		RetrievalTimeout:   srv.RetrievalTimeout,
		PollInterval:       srv.PollInterval,
		MaxClockSkew:       srv.MaxClockSkew,
		WriteTimeout:       srv.WriteTimeout,
		Facade: Facade{
			ProxiedSessionTimeout: 2 * time.Hour,
			HeartbeatPeerTimeout:  5 * time.Minute,
		},
		RefreshInterval: DefaultRefreshInterval,
	}
}

// Parse decodes YAML over the defaults; keys missing from the document keep
// their default values. Unknown keys are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

func (c Config) Validate() error {
	switch {
	case c.MaxClients < 0:
		return fmt.Errorf("config: max_clients is negative")
	case c.RetrievalTimeout <= 0:
		return fmt.Errorf("config: retrieval_timeout must be positive")
	case c.PollInterval <= 0:
		return fmt.Errorf("config: poll_interval must be positive")
	case (c.TLSCert == "") != (c.TLSKey == ""):
		return fmt.Errorf("config: tls_cert and tls_key go together")
	}
	for user, hash := range c.Users {
		if len(hash) != 64 {
			return fmt.Errorf("config: user %q: password hash is not hex sha256", user)
		}
	}
	return nil
}

// Level is the slog level named by log_level; unknown names mean info.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Server is the part of the configuration a running server takes.
func (c Config) Server() server.Config {
	users := make(map[string]string, len(c.Users))
	for u, h := range c.Users {
		users[u] = strings.ToLower(h)
	}
	return server.Config{
		Enabled:              c.Enabled,
		MaxClients:           c.MaxClients,
		SessionTimeout:       c.SessionTimeout,
		DuplicateThreshold:   c.DuplicateThreshold,
		RetrievalTimeout:     c.RetrievalTimeout,
		PollInterval:         c.PollInterval,
		MaxClockSkew:         c.MaxClockSkew,
		AllowUnauthenticated: c.AllowUnauthenticated,
		Users:                users,
		ResolveHosts:         c.ResolveHosts,
		WriteTimeout:         c.WriteTimeout,
	}
}

type Applier interface {
	ApplyConfig(server.Config)
}

// Refresher rereads the file every interval and pushes the server values
// into a live server. A file that fails to load leaves the running values
// untouched.
type Refresher struct {
	log      utils.Logger
	path     string
	interval time.Duration
	target   Applier
	load     func(string) (Config, error)
	last     server.Config
}

func NewRefresher(log utils.Logger, path string, interval time.Duration, target Applier) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{log: log, path: path, interval: interval, target: target, load: Load}
}

// Refresh loads once and applies the result if it differs from what was
// applied last.
func (r *Refresher) Refresh() error {
	cfg, err := r.load(r.path)
	if err != nil {
		r.log.Error("config: reload failed, keeping current values", "path", r.path, "err", err)
		return err
	}
	sc := cfg.Server()
	if reflect.DeepEqual(sc, r.last) {
		return nil
	}
	r.target.ApplyConfig(sc)
	r.last = sc
	r.log.Info("config: applied", "path", r.path, "enabled", sc.Enabled, "max_clients", sc.MaxClients,
		"session_timeout", sc.SessionTimeout, "duplicate_threshold", sc.DuplicateThreshold)
	return nil
}

func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = r.Refresh()
		}
	}
}

