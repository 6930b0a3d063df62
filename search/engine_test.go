package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/dds/archive"
	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type step struct {
	out []dcp.Index
	st  archive.Status
	err error
}

// scripted replays a fixed sequence of Advance results.
type scripted struct {
	steps   []step
	fetched []uint64
	failGet bool
}

type nopCursor struct{ f *filter.Filter }

func (c nopCursor) Filter() *filter.Filter { return c.f }
func (c nopCursor) Close() error           { return nil }

func (s *scripted) StartSearch(f *filter.Filter) (archive.Cursor, error) {
	return nopCursor{f}, nil
}

func (s *scripted) Advance(ctx context.Context, c archive.Cursor, deadline time.Time, max int) ([]dcp.Index, archive.Status, error) {
	if len(s.steps) == 0 {
		return nil, archive.Paused, nil
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.out, st.st, st.err
}

func (s *scripted) FetchBody(ctx context.Context, x dcp.Index) (dcp.Msg, error) {
	if s.failGet {
		return dcp.Msg{}, errors.New("disk on fire")
	}
	s.fetched = append(s.fetched, x.Seq)
	return dcp.Msg{Index: x, Data: []byte("body")}, nil
}

func ix(seq uint64, at time.Duration) dcp.Index {
	return dcp.Index{Seq: seq, Address: 0xA1, LocalRecv: t0.Add(at)}
}

func deadline() time.Time { return time.Now().Add(time.Second) }

func TestNextOutcomes(t *testing.T) {
	arch := &scripted{steps: []step{
		{st: archive.TimeLimit},
		{out: []dcp.Index{ix(1, 1), ix(2, 2)}, st: archive.More},
		{st: archive.Paused},
		{out: []dcp.Index{ix(3, 3)}, st: archive.Done},
	}}
	e := NewEngine(arch)
	h, err := e.Start(filter.New(criteria.Criteria{}, filter.Options{}), false)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, TimeLimit, e.Next(ctx, h, deadline()).Outcome)
	r := e.Next(ctx, h, deadline())
	assert.Equal(t, Delivered, r.Outcome)
	assert.Equal(t, uint64(1), r.Msg.Seq)
	assert.Equal(t, uint64(2), e.Next(ctx, h, deadline()).Msg.Seq)
	assert.Equal(t, Paused, e.Next(ctx, h, deadline()).Outcome)
	r = e.Next(ctx, h, deadline())
	assert.Equal(t, Delivered, r.Outcome)
	assert.Equal(t, t0.Add(3), h.LastDelivered())
	assert.Equal(t, UntilReached, e.Next(ctx, h, deadline()).Outcome)
	assert.Equal(t, UntilReached, e.Next(ctx, h, deadline()).Outcome, "terminal state is sticky")
	assert.Equal(t, uint64(3), h.Delivered())
	assert.Equal(t, []uint64{1, 2, 3}, arch.fetched)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, Unavailable, e.Next(ctx, h, deadline()).Outcome)
}

func TestNextUnavailable(t *testing.T) {
	e := NewEngine(&scripted{steps: []step{{err: errors.New("io error")}}})
	h, err := e.Start(filter.New(criteria.Criteria{}, filter.Options{}), false)
	require.NoError(t, err)
	r := e.Next(context.Background(), h, deadline())
	assert.Equal(t, Unavailable, r.Outcome)
	assert.EqualError(t, r.Err, "io error")

	e = NewEngine(&scripted{steps: []step{{out: []dcp.Index{ix(1, 0)}, st: archive.More}}, failGet: true})
	h, _ = e.Start(filter.New(criteria.Criteria{}, filter.Options{}), false)
	assert.Equal(t, Unavailable, e.Next(context.Background(), h, deadline()).Outcome)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e = NewEngine(&scripted{})
	h, _ = e.Start(filter.New(criteria.Criteria{}, filter.Options{}), false)
	assert.Equal(t, Unavailable, e.Next(ctx, h, deadline()).Outcome)
}

func TestSettleDelay(t *testing.T) {
	now := t0.Add(time.Minute)
	arch := &scripted{steps: []step{{out: []dcp.Index{ix(1, 10*time.Second), ix(2, 50*time.Second)}, st: archive.More}}}
	e := NewEngine(arch, &SettleDelayOpt{Delay: 30 * time.Second}, &ClockOpt{Now: func() time.Time { return now }})
	h, err := e.Start(filter.New(criteria.Criteria{}, filter.Options{}), true)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e.Next(context.Background(), h, deadline()).Msg.Seq)
	assert.Equal(t, Paused, e.Next(context.Background(), h, deadline()).Outcome, "held back until settled")
	now = now.Add(time.Minute)
	assert.Equal(t, uint64(2), e.Next(context.Background(), h, deadline()).Msg.Seq)
}

func TestNextBlock(t *testing.T) {
	var many []dcp.Index
	for i := uint64(1); i <= 10; i++ {
		many = append(many, ix(i, time.Duration(i)))
	}
	arch := &scripted{steps: []step{{out: many, st: archive.Done}}}
	e := NewEngine(arch)
	h, err := e.Start(filter.New(criteria.Criteria{}, filter.Options{}), false)
	require.NoError(t, err)

	per := dcp.EncodedHeaderLength + len("body")
	msgs, r := e.NextBlock(context.Background(), h, deadline(), 4*per)
	assert.Equal(t, Delivered, r.Outcome)
	assert.Len(t, msgs, 4)
	msgs, r = e.NextBlock(context.Background(), h, deadline(), 100*per)
	assert.Equal(t, Delivered, r.Outcome)
	assert.Len(t, msgs, 6)
	msgs, r = e.NextBlock(context.Background(), h, deadline(), 100*per)
	assert.Equal(t, UntilReached, r.Outcome)
	assert.Empty(t, msgs)
}

// Three messages from A1 and two from A2 in the window: only the A1
// messages come back, in receive order, then the until signal.
func TestEndToEndScenario(t *testing.T) {
	arch, err := archive.Open("e2e", archive.Options{
		Options: pebble.Options{FS: vfs.NewMem()},
		Clock:   func() time.Time { return t0.Add(365 * 24 * time.Hour) },
	})
	require.NoError(t, err)
	defer arch.Close()

	for i, a := range []dcp.Address{0xA2, 0xA1, 0xA1, 0xA2, 0xA1} {
		at := time.Duration(i+1) * 10 * time.Minute
		_, err := arch.Append(dcp.Msg{
			Index: dcp.Index{Address: a, LocalRecv: t0.Add(at), Channel: 1, FailureCode: 'G'},
			Data:  []byte(a.String()),
		})
		require.NoError(t, err)
	}

	c, err := criteria.Parse("DRS_SINCE: 2020-01-01T00:00:00Z\nDRS_UNTIL: 2020-01-01T01:00:00Z\nDCP_ADDRESS: A1\n")
	require.NoError(t, err)
	f := filter.New(c, filter.Options{Addresses: c.Addresses})

	e := NewEngine(arch, &ReadAheadOpt{N: 2})
	h, err := e.Start(f, false)
	require.NoError(t, err)
	defer h.Close()

	var got []dcp.Msg
	for {
		r := e.Next(context.Background(), h, deadline())
		if r.Outcome != Delivered {
			assert.Equal(t, UntilReached, r.Outcome)
			break
		}
		got = append(got, r.Msg)
	}
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, dcp.Address(0xA1), m.Address)
		if i > 0 {
			assert.True(t, m.LocalRecv.After(got[i-1].LocalRecv))
		}
	}
}
