package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/utils"
)

const (
	// RETRY_PERIOD is the wait between reconnect attempts
	RETRY_PERIOD = 5 * time.Second

	DefaultRetrievalTimeout = 10 * time.Minute
	DefaultPollDelay        = time.Second
)

// Exit says why one pass of the retrieval loop ended.
type Exit int

const (
	// ExitUntil: the server reported the until time, retrieval is complete.
	ExitUntil Exit = iota
	// ExitTimeout: no message arrived within the retrieval timeout.
	ExitTimeout
	// ExitReconnect: the connection failed and may be retried.
	ExitReconnect
	// ExitFatal: an error retrying can not fix.
	ExitFatal
	// ExitCancelled: the context was cancelled.
	ExitCancelled
)

func (e Exit) String() string {
	switch e {
	case ExitUntil:
		return "until reached"
	case ExitTimeout:
		return "timeout"
	case ExitReconnect:
		return "reconnect"
	case ExitFatal:
		return "fatal"
	case ExitCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Sink receives retrieved messages in order. An error from Deliver stops
// the retrieval.
type Sink interface {
	Deliver(ctx context.Context, m dcp.Msg) error
}

type SinkFunc func(ctx context.Context, m dcp.Msg) error

func (f SinkFunc) Deliver(ctx context.Context, m dcp.Msg) error { return f(ctx, m) }

// DialFunc opens and logs in a new connection.
type DialFunc func(ctx context.Context) (*Conn, error)

// Retriever pulls every message matching a criteria into a sink,
// reconnecting on failures and resuming after the last message it got.
type Retriever struct {
	log      utils.Logger
	dial     DialFunc
	criteria criteria.Criteria
	sink     Sink

	timeout    time.Duration
	pollDelay  time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	block      bool
	// reconnectOnTimeout makes the supervisor treat ExitTimeout like a
	// lost connection instead of finishing.
	reconnectOnTimeout bool

	last      time.Time
	delivered uint64
}

type RetrieverOpt interface {
	Apply(*Retriever)
}

type RetrievalTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *RetrievalTimeoutOpt) Apply(r *Retriever) {
	r.timeout = opt.Timeout
}

type PollDelayOpt struct {
	Delay time.Duration
}

func (opt *PollDelayOpt) Apply(r *Retriever) {
	r.pollDelay = opt.Delay
}

// BackoffOpt with Max above Min doubles the wait after each failed
// attempt, up to Max. By default the wait is fixed.
type BackoffOpt struct {
	Min, Max time.Duration
}

func (opt *BackoffOpt) Apply(r *Retriever) {
	r.minBackoff = opt.Min
	r.maxBackoff = opt.Max
}

type BlockOpt struct {
	On bool
}

func (opt *BlockOpt) Apply(r *Retriever) {
	r.block = opt.On
}

type ReconnectOnTimeoutOpt struct {
	On bool
}

func (opt *ReconnectOnTimeoutOpt) Apply(r *Retriever) {
	r.reconnectOnTimeout = opt.On
}

func NewRetriever(log utils.Logger, dial DialFunc, crit criteria.Criteria, sink Sink, opts ...RetrieverOpt) *Retriever {
	r := &Retriever{
		log:        log,
		dial:       dial,
		criteria:   crit,
		sink:       sink,
		timeout:    DefaultRetrievalTimeout,
		pollDelay:  DefaultPollDelay,
		minBackoff: RETRY_PERIOD,
		maxBackoff: RETRY_PERIOD,
	}
	for _, o := range opts {
		o.Apply(r)
	}
	return r
}

// Last is the newest local receive time delivered so far.
func (r *Retriever) Last() time.Time { return r.last }

func (r *Retriever) Delivered() uint64 { return r.delivered }

// resumeCriteria asks for ascending receive time, so everything up to the
// last delivered message has been seen, and starts right after it once
// anything has been delivered.
func (r *Retriever) resumeCriteria() criteria.Criteria {
	c := r.criteria.WithAscending(true)
	if r.last.IsZero() {
		return c
	}
	return c.WithSince(criteria.At(r.last.Add(time.Nanosecond)))
}

// Retrieve runs the retrieval state machine on an established, logged in
// connection until it has a reason to stop.
func (r *Retriever) Retrieve(ctx context.Context, c *Conn) (Exit, error) {
	if err := c.SendCriteria(r.resumeCriteria()); err != nil {
		return r.classify(err)
	}
	deadline := time.Now().Add(r.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return ExitCancelled, err
		}
		var msgs []dcp.Msg
		var err error
		if r.block {
			msgs, err = c.GetBlock()
		} else {
			var m dcp.Msg
			if m, err = c.GetMessage(); err == nil {
				msgs = []dcp.Msg{m}
			}
		}
		if err == nil {
			for _, m := range msgs {
				if err := r.sink.Deliver(ctx, m); err != nil {
					return ExitFatal, fmt.Errorf("sink: %w", err)
				}
				if m.LocalRecv.After(r.last) {
					r.last = m.LocalRecv
				}
				r.delivered++
			}
			deadline = time.Now().Add(r.timeout)
			continue
		}
		if errors.Is(err, ddserrors.ErrTimeout) {
			if time.Now().After(deadline) {
				return ExitTimeout, err
			}
			select {
			case <-ctx.Done():
				return ExitCancelled, ctx.Err()
			case <-time.After(r.pollDelay):
			}
			continue
		}
		return r.classify(err)
	}
}

func (r *Retriever) classify(err error) (Exit, error) {
	switch ddserrors.Classify(err) {
	case ddserrors.ClassTerminal:
		return ExitUntil, nil
	case ddserrors.ClassProtocol, ddserrors.ClassExhausted:
		return ExitReconnect, err
	case ddserrors.ClassTransient:
		return ExitTimeout, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExitCancelled, err
	}
	return ExitFatal, err
}

// Run is the supervisor: it dials, retrieves and reconnects after a
// backoff wait until the retrieval completes, fails for good or
// ctx is done. A completed retrieval returns nil.
func (r *Retriever) Run(ctx context.Context) error {
	backoff := r.minBackoff
	for {
		c, err := r.dial(ctx)
		var exit Exit
		if err != nil {
			exit, err = r.classify(err)
		} else {
			backoff = r.minBackoff
			exit, err = r.Retrieve(ctx, c)
			if exit == ExitUntil || exit == ExitTimeout {
				if gerr := c.Goodbye(); gerr != nil {
					r.log.Debug("client: goodbye failed", "err", gerr)
				}
			} else {
				c.Close()
			}
		}
		if ctx.Err() != nil {
			exit, err = ExitCancelled, ctx.Err()
		}

		switch {
		case exit == ExitUntil:
			r.log.Info("client: retrieval complete", "reason", exit, "delivered", r.delivered, "last", r.last)
			return nil
		case exit == ExitTimeout && !r.reconnectOnTimeout:
			r.log.Info("client: retrieval stopped", "reason", exit, "delivered", r.delivered, "timeout", r.timeout)
			return err
		case exit == ExitFatal, exit == ExitCancelled:
			r.log.Error("client: retrieval stopped", "reason", exit, "delivered", r.delivered, "err", err)
			return err
		}
		r.log.Warn("client: reconnecting", "reason", exit, "err", err, "backoff", backoff, "since", r.last)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			r.log.Error("client: retrieval stopped", "reason", ExitCancelled, "delivered", r.delivered)
			return ctx.Err()
		}
		backoff = r.nextBackoff(backoff)
	}
}

func (r *Retriever) nextBackoff(b time.Duration) time.Duration {
	return max(r.minBackoff, min(r.maxBackoff, b*2))
}
