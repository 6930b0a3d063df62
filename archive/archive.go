// Package archive defines what the search engine needs from the message
// archive and provides a pebble-backed implementation of it.
package archive

import (
	"context"
	"time"

	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/filter"
)

// Status is the outcome of one Advance call.
type Status int

const (
	// More means max indices were collected and the scan can continue.
	More Status = iota
	// Done means the until time was reached; nothing more will match.
	Done
	// TimeLimit means the deadline elapsed before the scan caught up.
	TimeLimit
	// Paused means the scan reached the live edge of the archive.
	Paused
)

func (s Status) String() string {
	switch s {
	case More:
		return "more"
	case Done:
		return "done"
	case TimeLimit:
		return "timelimit"
	case Paused:
		return "paused"
	}
	return "unknown"
}

// Cursor is an archive position bound to one filter.
type Cursor interface {
	Filter() *filter.Filter
	Close() error
}

// Archive is the read side consumed by searches. It is shared by all
// sessions and never mutated through this interface.
type Archive interface {
	StartSearch(f *filter.Filter) (Cursor, error)
	// Advance collects up to max matching indices after the cursor
	// position. Indices may be returned together with any status. An
	// error means the archive is unavailable.
	Advance(ctx context.Context, c Cursor, deadline time.Time, max int) ([]dcp.Index, Status, error)
	FetchBody(ctx context.Context, x dcp.Index) (dcp.Msg, error)
}

// Waiter is implemented by archives that can signal new data.
type Waiter interface {
	// WaitAppend blocks until something is appended, the deadline
	// passes or ctx is done. It reports whether data arrived.
	WaitAppend(ctx context.Context, deadline time.Time) bool
}

// MarkerStore keeps the "since last" position of every user.
type MarkerStore interface {
	SaveMarker(user string, last time.Time) error
	LoadMarker(user string) (last time.Time, ok bool, err error)
}

// NetlistStore keeps the network lists users upload.
type NetlistStore interface {
	PutNetlist(user, name, text string) error
	GetNetlist(user, name string) (text string, err error)
}

type Stats struct {
	Messages   uint64
	Duplicates uint64
	LastSeq    uint64
	LastRecv   time.Time
}
