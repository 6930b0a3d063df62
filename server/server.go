// Package server accepts DDS client connections and serves each of them
// from its own worker goroutine.
//
// A connection goes through admission first: while the server is disabled,
// or holds as many sessions as it is allowed, the socket is closed right
// away without a handshake. Admitted connections get a Session with a
// status slot and a worker that reads one request at a time, answers it
// and records the activity. Searches run against a search.MessageSource
// shared by all sessions; each session owns at most one search handle.
//
// Two policies run beside the workers: the Evictor keeps each host and
// user below a number of concurrent sessions, and the Reaper hangs up
// sessions idle for too long. Both use Session.Disconnect, which is
// idempotent, so neither cares who closed a session first.
//
// Usage:
//
//	srv := server.NewServer(logger, server.Deps{Source: engine, Markers: arch},
//		&server.ConfigOpt{Config: cfg},
//		&server.TlsConfigOpt{Config: tlsConfig},
//	)
//	go srv.Run(ctx)
//	err := srv.Listen("tcp://:16003")
//	defer srv.Close()
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/dds/archive"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/netlist"
	"github.com/drpcorg/dds/search"
	"github.com/drpcorg/dds/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("the address invalid")
	ErrAddressDuplicated = errors.New("the address already used")
	ErrAddressUnknown    = errors.New("address unknown")
)

const (
	TCP ConnType = iota + 1
	TLS
)

// Config holds the administrative values of a running server. All of them
// may be changed at runtime with ApplyConfig.
type Config struct {
	Enabled    bool
	MaxClients int
	// SessionTimeout disconnects sessions idle for longer.
	SessionTimeout time.Duration
	// DuplicateThreshold is the most sessions one host+user may hold.
	DuplicateThreshold int
	// RetrievalTimeout is how long a message request may wait for data
	// before the client is told DMSGTIMEOUT.
	RetrievalTimeout time.Duration
	PollInterval     time.Duration
	// MaxClockSkew bounds the AuthHello time stamp.
	MaxClockSkew         time.Duration
	AllowUnauthenticated bool
	// Users maps user names to password hashes.
	Users        map[string]string
	ResolveHosts bool
	WriteTimeout time.Duration
}

const (
	DefaultMaxClients       = 150
	DefaultSessionTimeout   = 10 * time.Minute
	DefaultRetrievalTimeout = 45 * time.Second
	DefaultPollInterval     = time.Second
	DefaultMaxClockSkew     = 10 * time.Minute
	DefaultWriteTimeout     = time.Minute
	DefaultReapInterval     = 30 * time.Second
	DefaultDupThreshold     = 4
	resolveTimeout          = 2 * time.Second
)

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MaxClients:         DefaultMaxClients,
		SessionTimeout:     DefaultSessionTimeout,
		DuplicateThreshold: DefaultDupThreshold,
		RetrievalTimeout:   DefaultRetrievalTimeout,
		PollInterval:       DefaultPollInterval,
		MaxClockSkew:       DefaultMaxClockSkew,
		WriteTimeout:       DefaultWriteTimeout,
	}
}

// Deps are the collaborators the server is built on. Source is required;
// the stores are optional and the features using them answer with an
// error when they are absent.
type Deps struct {
	Source   search.MessageSource
	Waiter   archive.Waiter
	Markers  archive.MarkerStore
	Netlists archive.NetlistStore
	// Names are the site-wide DCP names. Names from a user's own netlists
	// are kept per user and take precedence for that user.
	Names    *netlist.Mapper
	Stats    func() archive.Stats
}

type Server struct {
	wg   sync.WaitGroup
	log  utils.Logger
	deps Deps

	cfg      atomic.Pointer[Config]
	registry *Registry
	evictor  *Evictor
	reaper   *Reaper[*Session]
	metrics  *Metrics

	listens   *xsync.MapOf[string, net.Listener]
	userNames *xsync.MapOf[string, *netlist.Mapper]
	ctx       context.Context
	cancelCtx context.CancelFunc

	tlsConfig    *tls.Config
	reapInterval time.Duration
	now          func() time.Time
	resolver     *net.Resolver
}

type ServerOpt interface {
	Apply(*Server)
}

type ConfigOpt struct {
	Config Config
}

func (opt *ConfigOpt) Apply(s *Server) {
	c := opt.Config
	s.cfg.Store(&c)
}

type TlsConfigOpt struct {
	Config *tls.Config
}

func (opt *TlsConfigOpt) Apply(s *Server) {
	s.tlsConfig = opt.Config
}

type ReapIntervalOpt struct {
	Interval time.Duration
}

func (opt *ReapIntervalOpt) Apply(s *Server) {
	s.reapInterval = opt.Interval
}

type ClockOpt struct {
	Now func() time.Time
}

func (opt *ClockOpt) Apply(s *Server) {
	s.now = opt.Now
}

type MetricsOpt struct {
	Metrics *Metrics
}

func (opt *MetricsOpt) Apply(s *Server) {
	s.metrics = opt.Metrics
}

func NewServer(log utils.Logger, deps Deps, opts ...ServerOpt) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:          log,
		deps:         deps,
		listens:      xsync.NewMapOf[string, net.Listener](),
		userNames:    xsync.NewMapOf[string, *netlist.Mapper](),
		ctx:          ctx,
		cancelCtx:    cancel,
		reapInterval: DefaultReapInterval,
		now:          time.Now,
		resolver:     net.DefaultResolver,
	}
	def := DefaultConfig()
	s.cfg.Store(&def)
	for _, o := range opts {
		o.Apply(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.deps.Names == nil {
		s.deps.Names = netlist.NewMapper()
	}
	cfg := s.Config()
	s.registry = NewRegistry(cfg.MaxClients, cfg.Enabled)
	s.evictor = NewEvictor(log, s.registry, func() int { return s.Config().DuplicateThreshold })
	s.evictor.onEvict = func(*Session) { s.metrics.Evicted.Inc() }
	s.reaper = NewReaper[*Session](log, "sessions", s.reapInterval,
		func() time.Duration { return s.Config().SessionTimeout },
		s.registry.Snapshot,
		&ReaperClockOpt[*Session]{Now: s.now},
		&ReaperHookOpt[*Session]{OnReap: func(*Session) { s.metrics.Reaped.Inc() }},
	)
	return s
}

func (s *Server) Config() Config { return *s.cfg.Load() }

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Reaper() *Reaper[*Session] { return s.reaper }

// ApplyConfig pushes new administrative values into the running server.
func (s *Server) ApplyConfig(cfg Config) {
	s.cfg.Store(&cfg)
	s.registry.SetMax(cfg.MaxClients)
	s.SetEnabled(cfg.Enabled)
}

// SetEnabled turns the server on or off. Turning it off hangs up every
// session; turning it back on only lets new connections in.
func (s *Server) SetEnabled(on bool) {
	changed, drop := s.registry.SetEnabled(on)
	if !changed {
		return
	}
	if on {
		s.log.Info("server: enabled")
		return
	}
	s.log.Warn("server: disabled, hanging up all clients", "sessions", len(drop))
	for _, sess := range drop {
		sess.Disconnect(ReasonDisabled)
	}
}

// Run drives the background reaper until the server is closed or ctx is
// done.
func (s *Server) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	s.reaper.Run(ctx)
}

func (s *Server) Close() error {
	s.cancelCtx()

	s.listens.Range(func(_ string, v net.Listener) bool {
		if v != nil {
			v.Close()
		}
		return true
	})
	s.listens.Clear()

	for _, sess := range s.registry.Snapshot() {
		sess.Disconnect(ReasonShutdown)
	}

	s.wg.Wait()
	return nil
}

// Listen starts accepting on addr, "tcp://host:port" or "tls://host:port".
func (s *Server) Listen(addr string) error {
	if _, ok := s.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	listener, err := s.createListener(addr)
	if err != nil {
		s.listens.Delete(addr)
		return err
	}
	s.listens.Store(addr, listener)

	s.log.Info("server: listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		s.KeepListening(addr)
		s.wg.Done()
	}()

	return nil
}

// Addr is the bound address of a listener, useful with port 0.
func (s *Server) Addr(addr string) net.Addr {
	l, ok := s.listens.Load(addr)
	if !ok || l == nil {
		return nil
	}
	return l.Addr()
}

func (s *Server) Unlisten(addr string) error {
	listener, ok := s.listens.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}

	return listener.Close()
}

// KeepListening accepts connections on addr until the listener closes.
func (s *Server) KeepListening(addr string) {
	for s.ctx.Err() == nil {
		listener, ok := s.listens.Load(addr)
		if !ok {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}

			s.log.Error("server: couldn't accept connection", "addr", addr, "err", err)
			continue
		}

		s.Serve(conn)
	}

	if l, ok := s.listens.LoadAndDelete(addr); ok {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("server: couldn't correct close listener", "addr", addr, "err", err)
		}
	}

	s.log.Info("server: listener closed", "addr", addr)
}

// Serve admits conn and, if it is let in, starts its session worker.
// Refused connections are closed before anything is read from them.
func (s *Server) Serve(conn net.Conn) *Session {
	sess := newSession(conn, s.now())
	if err := s.registry.Admit(sess); err != nil {
		remote := conn.RemoteAddr().String()
		switch {
		case errors.Is(err, ddserrors.ErrDisabled):
			s.log.Info("server: disabled, connection refused", "remoteAddr", remote)
			s.metrics.Rejected.WithLabelValues("disabled").Inc()
		default:
			s.log.Warn("server: too many clients, connection refused", "remoteAddr", remote, "max", s.registry.Max())
			s.metrics.Rejected.WithLabelValues("full").Inc()
		}
		sess.Disconnect(err.Error())
		return nil
	}
	s.metrics.Sessions.Inc()
	s.log.Info("server: accept connection", "id", sess.id, "slot", sess.slot, "remoteAddr", sess.remote, "trace_id", sess.traceID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.keepSession(sess)
	}()
	return sess
}

// lookupHost resolves the peer's name, falling back to the IP.
func (s *Server) lookupHost(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	names, err := s.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ip
	}
	return strings.TrimSuffix(names[0], ".")
}

func (s *Server) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	config := net.ListenConfig{}
	listener, err := config.Listen(s.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		if s.tlsConfig == nil {
			listener.Close()
			return nil, errors.New("tls listener without tls config")
		}
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	return listener, nil
}

// parseAddr splits "tcp://localhost:16003" into TCP and
// "localhost:16003"; a bare host:port means TCP.
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", err
	}

	var conn ConnType

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}

	u.Scheme = ""
	address := strings.TrimPrefix(u.String(), "//")

	return conn, address, nil
}
