package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/dds/archive"
	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/protocol"
	"github.com/drpcorg/dds/search"
	"github.com/drpcorg/dds/server"
	"github.com/drpcorg/dds/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listenAddr = "tcp://127.0.0.1:0"

func startServer(t *testing.T) (*archive.PebbleArchive, string) {
	log := utils.NewDefaultLogger(slog.LevelDebug)
	arch, err := archive.Open("client", archive.Options{Options: pebble.Options{FS: vfs.NewMem()}, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = arch.Close() })

	cfg := server.DefaultConfig()
	cfg.RetrievalTimeout = 100 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Users = map[string]string{"alice": protocol.HashPassword("secret")}
	srv := server.NewServer(log, server.Deps{
		Source:   search.NewEngine(arch),
		Waiter:   arch,
		Markers:  arch,
		Netlists: arch,
		Stats:    arch.Stats,
	}, &server.ConfigOpt{Config: cfg})
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Listen(listenAddr))
	return arch, srv.Addr(listenAddr).String()
}

func TestConnAgainstServer(t *testing.T) {
	arch, addr := startServer(t)
	now := time.Now()
	for i := 3; i > 0; i-- {
		_, err := arch.Append(dcp.Msg{
			Index: dcp.Index{Address: 0xCE0001, LocalRecv: now.Add(-time.Duration(i) * time.Minute), Channel: 12, FailureCode: 'G'},
			Data:  []byte("data"),
		})
		require.NoError(t, err)
	}

	log := utils.NewDefaultLogger(slog.LevelDebug)
	c, err := Dial(context.Background(), log, "tcp://"+addr, nil)
	require.NoError(t, err)
	err = c.Hello("alice")
	assert.Equal(t, ddserrors.DDDSAUTHFAILED, ddserrors.CodeOf(err))

	c, err = Dial(context.Background(), log, addr, nil)
	require.NoError(t, err)
	require.NoError(t, c.AuthHello("alice", "secret"))
	assert.Equal(t, protocol.VersionCurrent, c.Version())
	assert.Equal(t, "alice", c.User())

	require.NoError(t, c.SendNetlist("wx.nl", "CE0001:LAKE lake gauge\n"))
	text, err := c.GetNetlist("wx.nl")
	require.NoError(t, err)
	assert.Equal(t, "CE0001:LAKE lake gauge\n", text)

	crit := criteria.Criteria{}.
		WithSince(criteria.Ago(time.Hour)).
		WithUntil(criteria.Ago(0)).
		WithNetlists("wx.nl")
	require.NoError(t, c.SendCriteria(crit))
	m, err := c.GetMessage()
	require.NoError(t, err)
	assert.Equal(t, dcp.Address(0xCE0001), m.Address)
	block, err := c.GetBlock()
	require.NoError(t, err)
	assert.Len(t, block, 2)
	_, err = c.GetBlock()
	assert.ErrorIs(t, err, ddserrors.ErrUntilReached)

	status, err := c.Status()
	require.NoError(t, err)
	assert.Contains(t, status, "alice")
	require.NoError(t, c.Stop())
	_, err = c.GetMessage()
	assert.Equal(t, ddserrors.DNOCRITERIA, ddserrors.CodeOf(err))
	require.NoError(t, c.Goodbye())
}

func TestRetrieverAgainstServer(t *testing.T) {
	arch, addr := startServer(t)
	now := time.Now()
	for i := 5; i > 0; i-- {
		_, err := arch.Append(dcp.Msg{
			Index: dcp.Index{Address: dcp.Address(i), LocalRecv: now.Add(-time.Duration(i) * time.Second)},
			Data:  []byte{byte(i)},
		})
		require.NoError(t, err)
	}

	log := utils.NewDefaultLogger(slog.LevelDebug)
	dial := func(ctx context.Context) (*Conn, error) {
		c, err := Dial(ctx, log, addr, nil)
		if err != nil {
			return nil, err
		}
		if err := c.AuthHello("alice", "secret"); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
	crit, err := criteria.Parse("DRS_SINCE: now - 1 minute\nDRS_UNTIL: now\n")
	require.NoError(t, err)
	sink := &CollectSink{}
	r := NewRetriever(log, dial, crit, sink, &BlockOpt{On: true}, &BackoffOpt{Min: time.Millisecond, Max: time.Millisecond})
	require.NoError(t, r.Run(context.Background()))

	got := sink.Messages()
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].LocalRecv.After(got[i-1].LocalRecv))
	}

	_, ok, err := arch.LoadMarker("alice")
	require.NoError(t, err)
	assert.True(t, ok, "goodbye persisted the marker")
}

// A connection lost in the middle of a closed range over several
// addresses resumes without skipping messages of the other addresses.
func TestRetrieverResumesAcrossAddresses(t *testing.T) {
	arch, addr := startServer(t)
	now := time.Now()
	for _, m := range []struct {
		addr dcp.Address
		ago  time.Duration
	}{{1, 50 * time.Second}, {2, 40 * time.Second}, {2, 30 * time.Second}, {1, 10 * time.Second}} {
		_, err := arch.Append(dcp.Msg{
			Index: dcp.Index{Address: m.addr, LocalRecv: now.Add(-m.ago)},
			Data:  []byte(m.ago.String()),
		})
		require.NoError(t, err)
	}

	log := utils.NewDefaultLogger(slog.LevelDebug)
	var current *Conn
	dials := 0
	dial := func(ctx context.Context) (*Conn, error) {
		dials++
		c, err := Dial(ctx, log, addr, nil)
		if err != nil {
			return nil, err
		}
		if err := c.AuthHello("alice", "secret"); err != nil {
			c.Close()
			return nil, err
		}
		current = c
		return c, nil
	}
	var got []dcp.Msg
	sink := SinkFunc(func(_ context.Context, m dcp.Msg) error {
		got = append(got, m)
		if len(got) == 2 {
			_ = current.Close()
		}
		return nil
	})
	crit := criteria.Criteria{}.
		WithSince(criteria.Ago(time.Minute)).
		WithUntil(criteria.Ago(5*time.Second)).
		WithAddresses(1, 2)
	r := NewRetriever(log, dial, crit, sink, &BackoffOpt{Min: time.Millisecond, Max: time.Millisecond})
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 2, dials)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].LocalRecv.After(got[i-1].LocalRecv))
	}
	assert.True(t, r.Last().Equal(got[3].LocalRecv))
}
