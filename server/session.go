package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/dds/search"
	"github.com/google/uuid"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateIdle
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Disconnect reasons, as logged and counted.
const (
	ReasonGoodbye    = "goodbye"
	ReasonInactive   = "inactivity timeout"
	ReasonEvicted    = "duplicate session"
	ReasonDisabled   = "server disabled"
	ReasonProtocol   = "protocol error"
	ReasonArchive    = "archive unavailable"
	ReasonPeerClosed = "closed by peer"
	ReasonShutdown   = "server shutdown"
	ReasonAuth       = "authentication failed"
)

// Session is one client connection. Everything below mu may be read by
// other goroutines; the search handle and reader belong to the session
// worker alone.
type Session struct {
	id      int
	slot    int
	traceID string
	remote  string
	created time.Time

	conn net.Conn
	br   *bufio.Reader

	ctx    context.Context
	cancel context.CancelFunc

	state        atomic.Int32
	lastActivity atomic.Int64
	disconnected atomic.Bool
	once         sync.Once

	mu      sync.Mutex
	host    string
	user    string
	version int
	status  string
	reason  string

	handle *search.Handle
	single bool
	// lastDelivered is the newest receive time the client has been sent;
	// pending holds the reply being written until the write succeeds.
	lastDelivered time.Time
	delivered     uint64
	pending       delivery
}

type delivery struct {
	newest time.Time
	count  int
}

// commit counts a written delivery toward the marker.
func (s *Session) commit() delivery {
	d := s.pending
	s.pending = delivery{}
	if d.newest.After(s.lastDelivered) {
		s.lastDelivered = d.newest
	}
	s.delivered += uint64(d.count)
	return d
}

func newSession(conn net.Conn, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		traceID: uuid.Must(uuid.NewV7()).String(),
		created: now,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		slot:    -1,
		status:  "connected",
	}
	if conn != nil {
		s.remote = conn.RemoteAddr().String()
		s.br = bufio.NewReaderSize(conn, 4096)
		s.host = remoteHost(s.remote)
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func (s *Session) ID() int { return s.id }
func (s *Session) TraceID() string { return s.traceID }
func (s *Session) Created() time.Time { return s.created }

func (s *Session) State() State { return State(s.state.Load()) }

// setState is a no-op once the session is being disconnected.
func (s *Session) setState(st State) {
	if s.disconnected.Load() {
		return
	}
	s.state.Store(int32(st))
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Touch records activity; any request or reply counts.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) login(user string, version int) {
	s.mu.Lock()
	s.user = user
	s.version = version
	s.mu.Unlock()
}

func (s *Session) setHost(host string) {
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()
}

// Reason is why the session was disconnected, empty while it is open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Disconnected() bool { return s.disconnected.Load() }

// Disconnect hangs up the session. It cancels the session context so a
// worker blocked on the archive wakes up, and closes the socket so a
// worker blocked on a read does. Only the first call has any effect and
// reports true; the worker then releases the search and persists the
// since-last marker on its way out.
func (s *Session) Disconnect(reason string) bool {
	first := false
	s.once.Do(func() {
		first = true
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.disconnected.Store(true)
		s.state.Store(int32(StateDraining))
		s.cancel()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
	return first
}

// Info is a point-in-time copy of a session for status reports.
type Info struct {
	ID           int
	Slot         int
	User         string
	Host         string
	State        State
	Status       string
	Version      int
	Created      time.Time
	LastActivity time.Time
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Slot:         s.slot,
		User:         s.user,
		Host:         s.host,
		State:        s.State(),
		Status:       s.status,
		Version:      s.version,
		Created:      s.created,
		LastActivity: s.LastActivity(),
	}
}
