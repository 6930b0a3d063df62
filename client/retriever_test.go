package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/protocol"
	"github.com/drpcorg/dds/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)

type step func(req protocol.Message) (protocol.Message, bool)

func okStep(req protocol.Message) (protocol.Message, bool) {
	return protocol.Message{Type: req.Type, Body: []byte("ok")}, true
}

func hangup(protocol.Message) (protocol.Message, bool) {
	return protocol.Message{}, false
}

func msgStep(m dcp.Msg) step {
	return func(req protocol.Message) (protocol.Message, bool) {
		return protocol.Message{Type: req.Type, Body: dcp.AppendMsg(nil, m)}, true
	}
}

func failStep(code ddserrors.Code) step {
	return func(req protocol.Message) (protocol.Message, bool) {
		return protocol.ErrorMessage(req.Type, ddserrors.NewServerError(code, "scripted")), true
	}
}

// criteriaStep answers ok and keeps the criteria text.
func criteriaStep(mu *sync.Mutex, got *[]string) step {
	return func(req protocol.Message) (protocol.Message, bool) {
		mu.Lock()
		*got = append(*got, string(req.Body))
		mu.Unlock()
		return okStep(req)
	}
}

// fakeConn is a connection to a server that replays steps, one per
// request, and hangs up when they run out.
func fakeConn(t *testing.T, steps ...step) *Conn {
	cl, sv := net.Pipe()
	t.Cleanup(func() { _ = cl.Close() })
	go func() {
		defer sv.Close()
		br := bufio.NewReader(sv)
		for _, s := range steps {
			req, _, err := protocol.ReadMessage(br)
			if err != nil {
				return
			}
			reply, ok := s(req)
			if !ok {
				return
			}
			if err := protocol.WriteMessage(sv, reply); err != nil {
				return
			}
		}
	}()
	return NewConn(utils.NewDefaultLogger(slog.LevelDebug), cl, &RequestTimeoutOpt{Timeout: 5 * time.Second})
}

func testMsg(seq uint64, at time.Duration) dcp.Msg {
	return dcp.Msg{
		Index: dcp.Index{Seq: seq, Address: 0xCE0001, LocalRecv: t0.Add(at), Channel: 12, FailureCode: 'G'},
		Data:  []byte("payload"),
	}
}

func newRetriever(dial DialFunc, sink Sink, opts ...RetrieverOpt) *Retriever {
	crit, _ := criteria.Parse("DRS_SINCE: now - 1 day\n")
	opts = append([]RetrieverOpt{
		&RetrievalTimeoutOpt{Timeout: time.Second},
		&PollDelayOpt{Delay: time.Millisecond},
		&BackoffOpt{Min: time.Millisecond, Max: 4 * time.Millisecond},
	}, opts...)
	return NewRetriever(utils.NewDefaultLogger(slog.LevelDebug), dial, crit, sink, opts...)
}

func TestRetrieveUntil(t *testing.T) {
	sink := &CollectSink{}
	r := newRetriever(nil, sink)
	c := fakeConn(t, okStep, msgStep(testMsg(1, 0)), failStep(ddserrors.DMSGTIMEOUT), msgStep(testMsg(2, time.Second)), failStep(ddserrors.DUNTIL))

	exit, err := r.Retrieve(context.Background(), c)
	assert.Equal(t, ExitUntil, exit)
	assert.NoError(t, err)
	require.Len(t, sink.Messages(), 2)
	assert.Equal(t, uint64(2), r.Delivered())
	assert.True(t, t0.Add(time.Second).Equal(r.Last()))
}

func TestRetrieveTimeout(t *testing.T) {
	r := newRetriever(nil, &CollectSink{}, &RetrievalTimeoutOpt{Timeout: 0})
	c := fakeConn(t, okStep, failStep(ddserrors.DMSGTIMEOUT))
	exit, err := r.Retrieve(context.Background(), c)
	assert.Equal(t, ExitTimeout, exit)
	assert.ErrorIs(t, err, ddserrors.ErrTimeout)
}

func TestRetrieveProtocolError(t *testing.T) {
	r := newRetriever(nil, &CollectSink{})
	c := fakeConn(t, okStep, msgStep(testMsg(1, 0)), hangup)
	exit, err := r.Retrieve(context.Background(), c)
	assert.Equal(t, ExitReconnect, exit)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), r.Delivered())
}

func TestRetrieveFatal(t *testing.T) {
	r := newRetriever(nil, &CollectSink{})
	c := fakeConn(t, failStep(ddserrors.DBADKEYWORD))
	exit, err := r.Retrieve(context.Background(), c)
	assert.Equal(t, ExitFatal, exit)
	assert.Equal(t, ddserrors.DBADKEYWORD, ddserrors.CodeOf(err))

	r = newRetriever(nil, SinkFunc(func(context.Context, dcp.Msg) error { return errors.New("disk full") }))
	c = fakeConn(t, okStep, msgStep(testMsg(1, 0)))
	exit, err = r.Retrieve(context.Background(), c)
	assert.Equal(t, ExitFatal, exit)
	assert.ErrorContains(t, err, "disk full")
}

func TestRetrieveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newRetriever(nil, SinkFunc(func(context.Context, dcp.Msg) error {
		cancel()
		return nil
	}))
	c := fakeConn(t, okStep, msgStep(testMsg(1, 0)))
	exit, err := r.Retrieve(ctx, c)
	assert.Equal(t, ExitCancelled, exit)
	assert.ErrorIs(t, err, context.Canceled)
}

// A lost connection is redialed and the new criteria starts right after
// the last delivered message.
func TestRunReconnectsAndResumes(t *testing.T) {
	var mu sync.Mutex
	var crits []string
	scripts := [][]step{
		{criteriaStep(&mu, &crits), msgStep(testMsg(1, 0)), hangup},
		{criteriaStep(&mu, &crits), msgStep(testMsg(2, time.Second)), failStep(ddserrors.DUNTIL)},
	}
	dials := 0
	dial := func(ctx context.Context) (*Conn, error) {
		if dials == 1 {
			dials++
			return nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		s := scripts[min(dials/2, 1)]
		dials++
		return fakeConn(t, s...), nil
	}
	sink := &CollectSink{}
	r := newRetriever(dial, sink)
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 3, dials)
	require.Len(t, sink.Messages(), 2)
	require.Len(t, crits, 2)
	first, err := criteria.Parse(crits[0])
	require.NoError(t, err)
	assert.Equal(t, "now - 24h0m0s", first.Since.String())
	second, err := criteria.Parse(crits[1])
	require.NoError(t, err)
	assert.True(t, t0.Add(time.Nanosecond).Equal(second.Since.Resolve(time.Now())))
}

func TestRunStopsOnFatal(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context) (*Conn, error) {
		dials++
		return nil, ddserrors.NewServerError(ddserrors.DDDSAUTHFAILED, "bad password")
	}
	err := newRetriever(dial, &CollectSink{}).Run(context.Background())
	assert.Equal(t, ddserrors.DDDSAUTHFAILED, ddserrors.CodeOf(err))
	assert.Equal(t, 1, dials)
}

func TestRunTimeout(t *testing.T) {
	dial := func(ctx context.Context) (*Conn, error) {
		steps := []step{okStep}
		for i := 0; i < 1000; i++ {
			steps = append(steps, failStep(ddserrors.DMSGTIMEOUT))
		}
		return fakeConn(t, steps...), nil
	}
	r := newRetriever(dial, &CollectSink{}, &RetrievalTimeoutOpt{Timeout: 20 * time.Millisecond})
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ddserrors.ErrTimeout)
}

func TestRunCancelledWhileBackingOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dial := func(context.Context) (*Conn, error) {
		cancel()
		return nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	}
	r := newRetriever(dial, &CollectSink{}, &BackoffOpt{Min: time.Hour, Max: time.Hour})
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	m := testMsg(7, 0)
	m.Flags = dcp.SrcDrgs
	require.NoError(t, s.Deliver(context.Background(), m))
	line, rest, _ := strings.Cut(buf.String(), "\n")
	assert.Equal(t, "00CE0001 2024-02-01T06:00:00Z seq=7 ch=12 fc=G src=DRGS len=7", line)
	assert.Equal(t, "payload\n", rest)

	buf.Reset()
	s.HeaderOnly = true
	require.NoError(t, s.Deliver(context.Background(), m))
	assert.NotContains(t, buf.String(), "payload")
}

func TestBackoff(t *testing.T) {
	r := NewRetriever(utils.NewDefaultLogger(slog.LevelDebug), nil, criteria.Criteria{}, &CollectSink{})
	assert.Equal(t, RETRY_PERIOD, r.nextBackoff(RETRY_PERIOD), "fixed by default")

	r = newRetriever(nil, &CollectSink{}, &BackoffOpt{Min: time.Second, Max: 5 * time.Second})
	var waits []time.Duration
	for b := time.Second; len(waits) < 4; b = r.nextBackoff(b) {
		waits = append(waits, b)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, waits)
}
