// Package client talks to a DDS server: Conn is the request/reply wire
// client, Retriever drives a whole retrieval with reconnects.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/protocol"
	"github.com/drpcorg/dds/utils"
)

var ErrAddressInvalid = errors.New("the address invalid")

const (
	DefaultRequestTimeout = 2 * time.Minute
	DialTimeout           = time.Minute
)

// Conn is one connection to a server. Requests are strictly sequential;
// Conn is not safe for concurrent use.
type Conn struct {
	conn    net.Conn
	br      *bufio.Reader
	log     utils.Logger
	timeout time.Duration
	user    string
	version int
}

type ConnOpt interface {
	Apply(*Conn)
}

type RequestTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *RequestTimeoutOpt) Apply(c *Conn) {
	c.timeout = opt.Timeout
}

func NewConn(log utils.Logger, nc net.Conn, opts ...ConnOpt) *Conn {
	c := &Conn{
		conn:    nc,
		br:      bufio.NewReaderSize(nc, 1<<16),
		log:     log,
		timeout: DefaultRequestTimeout,
	}
	for _, o := range opts {
		o.Apply(c)
	}
	return c
}

// Dial connects to "tcp://host:port", "tls://host:port" or plain
// "host:port". tlsConfig is only used for tls addresses.
func Dial(ctx context.Context, log utils.Logger, addr string, tlsConfig *tls.Config, opts ...ConnOpt) (*Conn, error) {
	scheme, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	var nc net.Conn
	switch scheme {
	case "tls":
		d := tls.Dialer{NetDialer: &net.Dialer{Timeout: DialTimeout}, Config: tlsConfig}
		nc, err = d.DialContext(ctx, "tcp", address)
	default:
		d := net.Dialer{Timeout: DialTimeout}
		nc, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}
	log.Debug("client: connected", "addr", addr)
	return NewConn(log, nc, opts...), nil
}

func parseAddr(addr string) (string, string, error) {
	if !strings.Contains(addr, "://") {
		return "tcp", addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", err
	}
	switch u.Scheme {
	case "tcp", "tls":
		return u.Scheme, u.Host, nil
	}
	return "", addr, ErrAddressInvalid
}

func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) User() string { return c.user }

// Version is the protocol version the server agreed to.
func (c *Conn) Version() int { return c.version }

// request sends one message and reads its reply. Error replies come back
// as *ddserrors.ServerError.
func (c *Conn) request(t protocol.Type, body []byte) (protocol.Message, error) {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := protocol.WriteMessage(c.conn, protocol.Message{Type: t, Body: body}); err != nil {
		return protocol.Message{}, err
	}
	reply, skipped, err := protocol.ReadMessage(c.br)
	if skipped > 0 {
		c.log.Warn("client: skipped bytes before sync", "bytes", skipped)
	}
	if err != nil {
		return protocol.Message{}, err
	}
	if reply.Type != t {
		return reply, fmt.Errorf("%w: sent %s, got %s", ddserrors.ErrUnexpected, t, reply.Type)
	}
	if se := reply.ServerError(); se != nil {
		return reply, se
	}
	return reply, nil
}

func (c *Conn) handshake(t protocol.Type, body []byte) error {
	reply, err := c.request(t, body)
	if err != nil {
		return err
	}
	h, err := protocol.ParseHello(reply.Body)
	if err != nil {
		return err
	}
	c.user = h.User
	c.version = h.Version
	return nil
}

// Hello logs in without a password.
func (c *Conn) Hello(user string) error {
	return c.handshake(protocol.TypeHello, protocol.Hello{User: user, Version: protocol.VersionCurrent}.Body())
}

func (c *Conn) AuthHello(user, password string) error {
	ah := protocol.NewAuthHello(user, password, time.Now(), protocol.VersionCurrent)
	return c.handshake(protocol.TypeAuthHello, ah.Body())
}

func (c *Conn) SendNetlist(name, text string) error {
	_, err := c.request(protocol.TypePutNetlist, []byte(name+"\n"+text))
	return err
}

func (c *Conn) GetNetlist(name string) (string, error) {
	reply, err := c.request(protocol.TypeGetNetlist, []byte(name))
	if err != nil {
		return "", err
	}
	_, text, _ := strings.Cut(string(reply.Body), "\n")
	return text, nil
}

func (c *Conn) SendCriteria(crit criteria.Criteria) error {
	_, err := c.request(protocol.TypeCriteria, []byte(criteria.Format(crit)))
	return err
}

func (c *Conn) GetMessage() (dcp.Msg, error) {
	reply, err := c.request(protocol.TypeDcpMsg, nil)
	if err != nil {
		return dcp.Msg{}, err
	}
	return dcp.DecodeMsg(reply.Body)
}

func (c *Conn) GetBlock() ([]dcp.Msg, error) {
	reply, err := c.request(protocol.TypeDcpBlock, nil)
	if err != nil {
		return nil, err
	}
	return dcp.DecodeBlock(reply.Body)
}

func (c *Conn) Status() (string, error) {
	reply, err := c.request(protocol.TypeStatus, nil)
	if err != nil {
		return "", err
	}
	return string(reply.Body), nil
}

func (c *Conn) Stop() error {
	_, err := c.request(protocol.TypeStop, nil)
	return err
}

// Goodbye ends the session cleanly and closes the connection.
func (c *Conn) Goodbye() error {
	_, err := c.request(protocol.TypeGoodbye, nil)
	cerr := c.conn.Close()
	if err != nil {
		return err
	}
	return cerr
}
