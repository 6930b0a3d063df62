package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/drpcorg/dds/dcp"
)

// WriterSink prints one header line per message followed by its data.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
	// HeaderOnly drops the message data.
	HeaderOnly bool
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Deliver(_ context.Context, m dcp.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s %s seq=%d ch=%d fc=%c src=%s len=%d\n",
		m.Address, m.LocalRecv.UTC().Format(time.RFC3339Nano), m.Seq, m.Channel, printable(m.FailureCode),
		dcp.SourceName(m.Flags.Source()), len(m.Data))
	if err != nil || s.HeaderOnly {
		return err
	}
	if _, err = s.w.Write(m.Data); err != nil {
		return err
	}
	_, err = io.WriteString(s.w, "\n")
	return err
}

func printable(b byte) byte {
	if b < ' ' || b > '~' {
		return '-'
	}
	return b
}

// CollectSink keeps everything in memory.
type CollectSink struct {
	mu   sync.Mutex
	msgs []dcp.Msg
}

func (s *CollectSink) Deliver(_ context.Context, m dcp.Msg) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *CollectSink) Messages() []dcp.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dcp.Msg, len(s.msgs))
	copy(out, s.msgs)
	return out
}
