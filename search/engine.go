// Package search pages through the archive on behalf of one session,
// turning archive scans into a stream of messages.
package search

import (
	"context"
	"time"

	"github.com/drpcorg/dds/archive"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/filter"
)

type Outcome int

const (
	// Delivered carries the next message in Result.Msg.
	Delivered Outcome = iota
	// TimeLimit: the deadline passed while the archive was still scanning.
	TimeLimit
	// Paused: the search caught up with the live edge; retry later.
	Paused
	// UntilReached: the until time was reached, the search is complete.
	UntilReached
	// Unavailable: the archive failed, Result.Err holds the cause.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TimeLimit:
		return "timelimit"
	case Paused:
		return "paused"
	case UntilReached:
		return "until"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Msg     dcp.Msg
	Err     error
}

// MessageSource is what a session retrieves from. The live archive engine
// is the only production implementation.
type MessageSource interface {
	Start(f *filter.Filter, settle bool) (*Handle, error)
	Next(ctx context.Context, h *Handle, deadline time.Time) Result
	NextBlock(ctx context.Context, h *Handle, deadline time.Time, target int) ([]dcp.Msg, Result)
}

// Handle is a search cursor owned by exactly one session. It is not safe
// for concurrent use.
type Handle struct {
	cursor archive.Cursor
	buf    []dcp.Index
	done   bool
	settle bool
	closed bool

	last      time.Time
	delivered uint64
}

// LastDelivered is the local receive time of the last message returned.
func (h *Handle) LastDelivered() time.Time { return h.last }

func (h *Handle) Delivered() uint64 { return h.delivered }

func (h *Handle) Filter() *filter.Filter { return h.cursor.Filter() }

// Close releases the archive cursor. It is safe to call more than once.
func (h *Handle) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true
	h.buf = nil
	return h.cursor.Close()
}

type Engine struct {
	archive     archive.Archive
	readAhead   int
	settleDelay time.Duration
	now         func() time.Time
}

type EngineOpt interface {
	Apply(*Engine)
}

type ReadAheadOpt struct {
	N int
}

func (opt *ReadAheadOpt) Apply(e *Engine) {
	e.readAhead = opt.N
}

type SettleDelayOpt struct {
	Delay time.Duration
}

func (opt *SettleDelayOpt) Apply(e *Engine) {
	e.settleDelay = opt.Delay
}

type ClockOpt struct {
	Now func() time.Time
}

func (opt *ClockOpt) Apply(e *Engine) {
	e.now = opt.Now
}

const (
	DefaultReadAhead   = 64
	DefaultSettleDelay = 30 * time.Second
)

var _ MessageSource = (*Engine)(nil)

func NewEngine(a archive.Archive, opts ...EngineOpt) *Engine {
	e := &Engine{
		archive:     a,
		readAhead:   DefaultReadAhead,
		settleDelay: DefaultSettleDelay,
		now:         time.Now,
	}
	for _, o := range opts {
		o.Apply(e)
	}
	return e
}

// Start opens a search. settle holds back messages younger than the
// engine's settle delay so late duplicates can be flagged first.
func (e *Engine) Start(f *filter.Filter, settle bool) (*Handle, error) {
	c, err := e.archive.StartSearch(f)
	if err != nil {
		return nil, err
	}
	return &Handle{cursor: c, settle: settle}, nil
}

func (e *Engine) Next(ctx context.Context, h *Handle, deadline time.Time) Result {
	if h == nil || h.closed {
		return Result{Outcome: Unavailable, Err: ddserrors.ErrNoSearch}
	}
	for {
		if len(h.buf) > 0 {
			head := h.buf[0]
			if h.settle && head.LocalRecv.After(e.now().Add(-e.settleDelay)) {
				return Result{Outcome: Paused}
			}
			msg, err := e.archive.FetchBody(ctx, head)
			if err != nil {
				return Result{Outcome: Unavailable, Err: err}
			}
			h.buf = h.buf[1:]
			h.last = msg.LocalRecv
			h.delivered++
			return Result{Outcome: Delivered, Msg: msg}
		}
		if h.done {
			return Result{Outcome: UntilReached}
		}
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Unavailable, Err: err}
		}
		out, st, err := e.archive.Advance(ctx, h.cursor, deadline, e.readAhead)
		if err != nil {
			return Result{Outcome: Unavailable, Err: err}
		}
		h.buf = append(h.buf, out...)
		switch st {
		case archive.Done:
			h.done = true
		case archive.TimeLimit:
			if len(out) == 0 {
				return Result{Outcome: TimeLimit}
			}
		case archive.Paused:
			if len(out) == 0 {
				return Result{Outcome: Paused}
			}
		}
	}
}

// NextBlock collects messages until their encoded size reaches target.
// A block is returned as soon as the search stops delivering; the stop
// reason is only reported once the block would be empty.
func (e *Engine) NextBlock(ctx context.Context, h *Handle, deadline time.Time, target int) ([]dcp.Msg, Result) {
	var msgs []dcp.Msg
	size := 0
	for size < target {
		r := e.Next(ctx, h, deadline)
		if r.Outcome == Unavailable {
			return nil, r
		}
		if r.Outcome != Delivered {
			if len(msgs) == 0 {
				return nil, r
			}
			break
		}
		msgs = append(msgs, r.Msg)
		size += dcp.EncodedLen(r.Msg)
		if time.Now().After(deadline) {
			break
		}
	}
	return msgs, Result{Outcome: Delivered}
}
