package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/filter"
	"github.com/drpcorg/dds/netlist"
	"github.com/drpcorg/dds/protocol"
	"github.com/drpcorg/dds/search"
)

var okBody = []byte("ok")

func errReply(t protocol.Type, err error) protocol.Message {
	var se *ddserrors.ServerError
	if !errors.As(err, &se) {
		se = ddserrors.NewServerError(ddserrors.DDDSINTERNAL, "%v", err)
	}
	return protocol.ErrorMessage(t, se)
}

func codeReply(t protocol.Type, code ddserrors.Code, format string, args ...any) protocol.Message {
	return protocol.ErrorMessage(t, ddserrors.NewServerError(code, format, args...))
}

// keepSession is the session worker: one request in, one reply out,
// until the session is disconnected.
func (s *Server) keepSession(sess *Session) {
	ctx := s.log.WithDefaultArgs(context.Background(), "id", sess.id, "trace_id", sess.traceID)
	defer s.finish(ctx, sess)

	if s.Config().ResolveHosts {
		sess.setHost(s.lookupHost(sess.ctx, sess.Host()))
	}

	for !sess.Disconnected() {
		req, skipped, err := protocol.ReadMessage(sess.br)
		if skipped > 0 {
			s.log.WarnCtx(ctx, "server: skipped bytes before sync", "bytes", skipped)
		}
		if err != nil {
			if sess.Disconnected() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				sess.Disconnect(ReasonPeerClosed)
			} else {
				s.log.WarnCtx(ctx, "server: couldn't read request", "err", err)
				sess.Disconnect(ReasonProtocol)
			}
			return
		}
		sess.Touch(s.now())
		s.metrics.Requests.WithLabelValues(req.Type.String()).Inc()

		reply, hangup := s.dispatch(ctx, sess, req)
		if sess.Disconnected() {
			return
		}
		if reply.Type != 0 {
			if err := s.send(sess, reply); err != nil {
				s.log.WarnCtx(ctx, "server: couldn't write reply", "type", reply.Type, "err", err)
				sess.pending = delivery{}
				sess.Disconnect(ReasonProtocol)
				return
			}
			if d := sess.commit(); d.count > 0 {
				s.metrics.Delivered.Add(float64(d.count))
			}
		}
		if hangup != "" {
			sess.Disconnect(hangup)
			return
		}
	}
}

func (s *Server) send(sess *Session, m protocol.Message) error {
	if wt := s.Config().WriteTimeout; wt > 0 {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(wt))
	}
	if err := protocol.WriteMessage(sess.conn, m); err != nil {
		return err
	}
	sess.Touch(s.now())
	return nil
}

// finish runs once on the worker's way out.
func (s *Server) finish(ctx context.Context, sess *Session) {
	sess.Disconnect(ReasonPeerClosed)
	if sess.handle != nil {
		_ = sess.handle.Close()
		sess.handle = nil
	}
	s.saveMarker(ctx, sess)
	s.registry.Remove(sess)
	sess.state.Store(int32(StateClosed))

	reason := sess.Reason()
	s.metrics.Sessions.Dec()
	s.metrics.Disconnects.WithLabelValues(reason).Inc()
	s.log.InfoCtx(ctx, "server: session closed",
		"reason", reason, "user", sess.User(), "host", sess.Host(), "delivered", sess.delivered)
}

func (s *Server) saveMarker(ctx context.Context, sess *Session) {
	user := sess.User()
	if s.deps.Markers == nil || user == "" || sess.lastDelivered.IsZero() {
		return
	}
	if err := s.deps.Markers.SaveMarker(user, sess.lastDelivered); err != nil {
		s.log.ErrorCtx(ctx, "server: couldn't save marker", "user", user, "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *Session, req protocol.Message) (protocol.Message, string) {
	switch req.Type {
	case protocol.TypeHello:
		return s.onHello(ctx, sess, req)
	case protocol.TypeAuthHello:
		return s.onAuthHello(ctx, sess, req)
	case protocol.TypeGoodbye:
		return protocol.Message{Type: protocol.TypeGoodbye}, ReasonGoodbye
	}
	if sess.User() == "" {
		return codeReply(req.Type, ddserrors.DNOTATTACHED, "not logged in"), ""
	}
	switch req.Type {
	case protocol.TypeStatus:
		return protocol.Message{Type: req.Type, Body: []byte(s.StatusReport())}, ""
	case protocol.TypeStart:
		return protocol.Message{Type: req.Type, Body: okBody}, ""
	case protocol.TypeStop:
		if sess.handle != nil {
			_ = sess.handle.Close()
			sess.handle = nil
		}
		sess.SetStatus("stopped")
		return protocol.Message{Type: req.Type, Body: okBody}, ""
	case protocol.TypeCriteria:
		return s.onCriteria(ctx, sess, req), ""
	case protocol.TypePutNetlist:
		return s.onPutNetlist(ctx, sess, req), ""
	case protocol.TypeGetNetlist:
		return s.onGetNetlist(sess, req), ""
	case protocol.TypeDcpMsg, protocol.TypeDcpBlock:
		return s.onRetrieve(ctx, sess, req)
	}
	return codeReply(req.Type, ddserrors.DBADTYPE, "unsupported message type %s", req.Type), ""
}

func (s *Server) onHello(ctx context.Context, sess *Session, req protocol.Message) (protocol.Message, string) {
	if sess.User() != "" {
		return codeReply(req.Type, ddserrors.DBADTYPE, "already logged in"), ""
	}
	sess.setState(StateAuthenticating)
	h, err := protocol.ParseHello(req.Body)
	if err != nil {
		return codeReply(req.Type, ddserrors.DNOSUCHUSER, "%v", err), ReasonAuth
	}
	if !s.Config().AllowUnauthenticated {
		s.log.WarnCtx(ctx, "server: unauthenticated hello refused", "user", h.User)
		return codeReply(req.Type, ddserrors.DDDSAUTHFAILED, "authentication required"), ReasonAuth
	}
	return s.loggedIn(ctx, sess, req.Type, h.User, h.Version), ""
}

func (s *Server) onAuthHello(ctx context.Context, sess *Session, req protocol.Message) (protocol.Message, string) {
	if sess.User() != "" {
		return codeReply(req.Type, ddserrors.DBADTYPE, "already logged in"), ""
	}
	sess.setState(StateAuthenticating)
	ah, err := protocol.ParseAuthHello(req.Body)
	if err != nil {
		return codeReply(req.Type, ddserrors.DDDSAUTHFAILED, "%v", err), ReasonAuth
	}
	cfg := s.Config()
	hash, ok := cfg.Users[ah.User]
	if !ok {
		s.log.WarnCtx(ctx, "server: unknown user", "user", ah.User)
		return codeReply(req.Type, ddserrors.DNOSUCHUSER, "no such user %q", ah.User), ReasonAuth
	}
	stamp, err := ah.Stamp()
	if err != nil {
		return codeReply(req.Type, ddserrors.DDDSAUTHFAILED, "bad time stamp %q", ah.Time), ReasonAuth
	}
	if skew := s.now().Sub(stamp).Abs(); cfg.MaxClockSkew > 0 && skew > cfg.MaxClockSkew {
		s.log.WarnCtx(ctx, "server: auth time stamp out of range", "user", ah.User, "skew", skew)
		return codeReply(req.Type, ddserrors.DDDSAUTHFAILED, "time stamp off by %s", skew.Round(time.Second)), ReasonAuth
	}
	if !protocol.CheckAuthenticator(ah.User, hash, ah.Time, ah.Authenticator) {
		s.log.WarnCtx(ctx, "server: authentication failed", "user", ah.User)
		return codeReply(req.Type, ddserrors.DDDSAUTHFAILED, "authentication failed"), ReasonAuth
	}
	return s.loggedIn(ctx, sess, req.Type, ah.User, ah.Version), ""
}

func (s *Server) loggedIn(ctx context.Context, sess *Session, t protocol.Type, user string, version int) protocol.Message {
	version = min(max(version, protocol.VersionBasic), protocol.VersionCurrent)
	sess.login(user, version)
	sess.setState(StateActive)
	sess.SetStatus("ready")
	s.log.InfoCtx(ctx, "server: logged in", "user", user, "host", sess.Host(), "version", version)
	s.evictor.Check(sess)
	return protocol.Message{Type: t, Body: protocol.Hello{User: user, Version: version}.Body()}
}

func (s *Server) onPutNetlist(ctx context.Context, sess *Session, req protocol.Message) protocol.Message {
	name, text, _ := strings.Cut(string(req.Body), "\n")
	name = strings.TrimSpace(name)
	if name == "" {
		return codeReply(req.Type, ddserrors.DBADNLIST, "missing netlist name")
	}
	l, err := netlist.Parse(name, text)
	if err != nil {
		return errReply(req.Type, err)
	}
	if s.deps.Netlists == nil {
		return codeReply(req.Type, ddserrors.DDDSINTERNAL, "netlists are not stored on this server")
	}
	if err := s.deps.Netlists.PutNetlist(sess.User(), name, text); err != nil {
		s.log.ErrorCtx(ctx, "server: couldn't store netlist", "name", name, "err", err)
		return codeReply(req.Type, ddserrors.DDDSINTERNAL, "couldn't store netlist")
	}
	s.namesOf(sess.User()).Add(l)
	s.log.DebugCtx(ctx, "server: netlist stored", "name", name, "items", len(l.Items))
	return protocol.Message{Type: req.Type, Body: []byte(name)}
}

func (s *Server) onGetNetlist(sess *Session, req protocol.Message) protocol.Message {
	name := strings.TrimSpace(string(req.Body))
	text, err := s.netlistText(sess.User(), name)
	if err != nil {
		return errReply(req.Type, err)
	}
	return protocol.Message{Type: req.Type, Body: []byte(name + "\n" + text)}
}

// namesOf is the DCP name mapper built from user's own netlists.
func (s *Server) namesOf(user string) *netlist.Mapper {
	m, _ := s.userNames.LoadOrCompute(user, netlist.NewMapper)
	return m
}

func (s *Server) netlistText(user, name string) (string, error) {
	if s.deps.Netlists == nil {
		return "", ddserrors.NewServerError(ddserrors.DNONETLIST, "no netlist %q", name)
	}
	text, err := s.deps.Netlists.GetNetlist(user, name)
	if errors.Is(err, ddserrors.ErrNotFound) {
		return "", ddserrors.NewServerError(ddserrors.DNONETLIST, "no netlist %q", name)
	}
	if err != nil {
		return "", ddserrors.NewServerError(ddserrors.DDDSINTERNAL, "netlist %q: %v", name, err)
	}
	return text, nil
}

// onCriteria replaces the session's search. The previous handle is
// released only once the new one is in place, so a bad criteria leaves
// the running search untouched.
func (s *Server) onCriteria(ctx context.Context, sess *Session, req protocol.Message) protocol.Message {
	c, err := criteria.Parse(string(req.Body))
	if err != nil {
		return errReply(req.Type, err)
	}
	user := sess.User()
	addrs := slices.Clone(c.Addresses)
	for _, name := range c.Netlists {
		text, err := s.netlistText(user, name)
		if err != nil {
			return errReply(req.Type, err)
		}
		l, err := netlist.Parse(name, text)
		if err != nil {
			return errReply(req.Type, err)
		}
		addrs = append(addrs, l.Addresses()...)
		s.namesOf(user).Add(l)
	}
	named, err := netlist.Resolve(c.DcpNames, s.namesOf(user), s.deps.Names)
	if err != nil {
		return errReply(req.Type, err)
	}
	addrs = append(addrs, named...)

	now := s.now()
	if c.Since.IsLast() {
		since, err := s.sinceLast(user, now)
		if err != nil {
			s.log.ErrorCtx(ctx, "server: couldn't load marker", "user", user, "err", err)
			return codeReply(req.Type, ddserrors.DDDSINTERNAL, "couldn't load last position")
		}
		c = c.WithSince(criteria.At(since))
	}

	f := filter.New(c, filter.Options{Now: now, Version: sess.Version(), Addresses: addrs})
	h, err := s.deps.Source.Start(f, c.SettleDelay)
	if err != nil {
		s.log.ErrorCtx(ctx, "server: couldn't start search", "err", err)
		return codeReply(req.Type, ddserrors.DARCERROR, "couldn't start search")
	}
	if sess.handle != nil {
		_ = sess.handle.Close()
	}
	sess.handle = h
	sess.single = c.Single
	sess.SetStatus("criteria set")
	s.log.DebugCtx(ctx, "server: search started", "since", f.Since(), "until", f.Until(), "addresses", len(addrs))
	return protocol.Message{Type: req.Type, Body: okBody}
}

// sinceLast is the position after the last message the user got. A user
// with no marker starts at now.
func (s *Server) sinceLast(user string, now time.Time) (time.Time, error) {
	if s.deps.Markers == nil {
		return now, nil
	}
	last, ok, err := s.deps.Markers.LoadMarker(user)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return now, nil
	}
	return last.Add(time.Nanosecond), nil
}

// onRetrieve answers DcpMsg and DcpBlock. While the search is caught up it
// polls until RetrievalTimeout, then tells the client to ask again.
func (s *Server) onRetrieve(ctx context.Context, sess *Session, req protocol.Message) (protocol.Message, string) {
	h := sess.handle
	if h == nil {
		return codeReply(req.Type, ddserrors.DNOCRITERIA, "no search criteria"), ""
	}
	cfg := s.Config()
	deadline := s.now().Add(cfg.RetrievalTimeout)
	block := req.Type == protocol.TypeDcpBlock && !sess.single
	sess.SetStatus("retrieving")
	defer sess.SetStatus("ready")

	for {
		var msgs []dcp.Msg
		var r search.Result
		if block {
			msgs, r = s.deps.Source.NextBlock(sess.ctx, h, deadline, dcp.BlockTarget)
		} else {
			r = s.deps.Source.Next(sess.ctx, h, deadline)
			if r.Outcome == search.Delivered {
				msgs = []dcp.Msg{r.Msg}
			}
		}
		sess.setState(StateActive)

		switch r.Outcome {
		case search.Delivered:
			return s.deliver(sess, req.Type, msgs), ""
		case search.UntilReached:
			return codeReply(req.Type, ddserrors.DUNTIL, "until time reached"), ""
		case search.Unavailable:
			if sess.Disconnected() {
				return protocol.Message{}, ""
			}
			s.log.ErrorCtx(ctx, "server: archive unavailable", "err", r.Err)
			return codeReply(req.Type, ddserrors.DDDSINTERNAL, "archive unavailable"), ReasonArchive
		}

		now := s.now()
		if !now.Before(deadline) {
			return codeReply(req.Type, ddserrors.DMSGTIMEOUT, "no message within %s", cfg.RetrievalTimeout), ""
		}
		if r.Outcome == search.TimeLimit {
			continue
		}
		sess.setState(StateIdle)
		wakeup := now.Add(cfg.PollInterval)
		if deadline.Before(wakeup) {
			wakeup = deadline
		}
		s.wait(sess.ctx, wakeup)
		if sess.ctx.Err() != nil {
			return protocol.Message{}, ""
		}
	}
}

func (s *Server) wait(ctx context.Context, until time.Time) {
	if s.deps.Waiter != nil {
		s.deps.Waiter.WaitAppend(ctx, until)
		return
	}
	t := time.NewTimer(time.Until(until))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// deliver builds the reply; the session only counts it once it is written.
func (s *Server) deliver(sess *Session, t protocol.Type, msgs []dcp.Msg) protocol.Message {
	var body []byte
	if t == protocol.TypeDcpBlock {
		body = dcp.AppendBlock(nil, msgs)
		s.metrics.BlockSize.Add(float64(len(msgs)))
	} else {
		body = dcp.AppendMsg(nil, msgs[0])
	}
	d := delivery{count: len(msgs)}
	for _, m := range msgs {
		if m.LocalRecv.After(d.newest) {
			d.newest = m.LocalRecv
		}
	}
	sess.pending = d
	return protocol.Message{Type: t, Body: body}
}

// StatusReport is the text answer to a Status request.
func (s *Server) StatusReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sessions %d/%d enabled=%t\n", s.registry.Len(), s.registry.Max(), s.registry.Enabled())
	if s.deps.Stats != nil {
		st := s.deps.Stats()
		fmt.Fprintf(&b, "archive messages=%d duplicates=%d lastseq=%d lastrecv=%s\n",
			st.Messages, st.Duplicates, st.LastSeq, st.LastRecv.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "avgblock %.1f\n", s.metrics.BlockSize.Val())
	for _, sess := range s.registry.Snapshot() {
		i := sess.Info()
		fmt.Fprintf(&b, "%d %d %s %s %s %q v%d %s\n", i.Slot, i.ID, i.User, i.Host, i.State, i.Status,
			i.Version, i.LastActivity.UTC().Format(time.RFC3339))
	}
	return b.String()
}
