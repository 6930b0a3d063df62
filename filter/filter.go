// Package filter turns search criteria into the predicate the search
// engine applies to every archive index it scans.
package filter

import (
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/drpcorg/dds/criteria"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/protocol"
)

type Options struct {
	// Now resolves relative times in the criteria.
	Now time.Time
	// Version is the client's negotiated protocol version.
	Version int
	// Addresses are the explicit addresses plus the members of every
	// referenced netlist and named platform.
	Addresses []dcp.Address
}

// Filter is immutable once built and safe to share.
type Filter struct {
	since, until         time.Time
	dapsSince, dapsUntil time.Time
	version              int

	addrs    *roaring.Bitmap
	channels []criteria.Channel
	noAnds   bool
	sources  []dcp.Flags
	bauds    []dcp.Flags

	spacecraft    criteria.Spacecraft
	parity        criteria.Selector
	dapsStatus    criteria.Selector
	retransmitted criteria.Selector

	hasSeq           bool
	seqStart, seqEnd uint64

	ascending bool
}

func New(c criteria.Criteria, opts Options) *Filter {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Version == 0 {
		opts.Version = protocol.VersionCurrent
	}
	f := &Filter{
		since:         c.Since.Resolve(opts.Now),
		until:         c.Until.Resolve(opts.Now),
		dapsSince:     c.DapsSince.Resolve(opts.Now),
		dapsUntil:     c.DapsUntil.Resolve(opts.Now),
		version:       opts.Version,
		channels:      slices.Clone(c.Channels),
		noAnds:        true,
		sources:       slices.Clone(c.Sources),
		spacecraft:    c.Spacecraft,
		parity:        c.Parity,
		dapsStatus:    c.DapsStatus,
		retransmitted: c.Retransmitted,
		hasSeq:        c.HasSeq,
		seqStart:      c.SeqStart,
		seqEnd:        c.SeqEnd,
		ascending:     c.Ascending,
	}
	if len(opts.Addresses) > 0 {
		f.addrs = roaring.New()
		for _, a := range opts.Addresses {
			f.addrs.Add(uint32(a))
		}
		f.addrs.RunOptimize()
	}
	for _, ch := range f.channels {
		if ch.And {
			f.noAnds = false
		}
	}
	for _, b := range c.Bauds {
		if bf, ok := dcp.BaudFlags(b); ok {
			f.bauds = append(f.bauds, bf)
		}
	}
	return f
}

func (f *Filter) Since() time.Time { return f.since }
func (f *Filter) Until() time.Time { return f.until }
func (f *Filter) Ascending() bool  { return f.ascending }

// Addresses returns the address set in ascending order, nil if the
// filter does not select by address.
func (f *Filter) Addresses() []dcp.Address {
	if f.addrs == nil {
		return nil
	}
	out := make([]dcp.Address, 0, f.addrs.GetCardinality())
	it := f.addrs.Iterator()
	for it.HasNext() {
		out = append(out, dcp.Address(it.Next()))
	}
	return out
}

// InWindow reports whether t is inside [since, until).
func (f *Filter) InWindow(t time.Time) bool {
	if !f.since.IsZero() && t.Before(f.since) {
		return false
	}
	if !f.until.IsZero() && !t.Before(f.until) {
		return false
	}
	return true
}

// PastUntil reports whether no index at or after t can match.
func (f *Filter) PastUntil(t time.Time) bool {
	return !f.until.IsZero() && !t.Before(f.until)
}

func (f *Filter) Matches(x dcp.Index) bool {
	return f.InWindow(x.LocalRecv) && f.versionOK(x) && f.attributesOK(x)
}

func (f *Filter) versionOK(x dcp.Index) bool {
	switch x.Flags.Source() {
	case dcp.SrcIridium:
		return f.version >= protocol.VersionIridium
	case dcp.SrcNetDcp, dcp.SrcEdl:
		return f.version >= protocol.VersionNetDcp
	}
	return true
}

func (f *Filter) attributesOK(x dcp.Index) bool {
	if x.Flags&dcp.FlagDeleted != 0 {
		return false
	}
	if len(f.sources) > 0 && !slices.Contains(f.sources, x.Flags.Source()) {
		return false
	}

	addrCheck := f.addrs != nil
	addrPass := !addrCheck || f.addrs.Contains(uint32(x.Address))
	if len(f.channels) == 0 {
		if !addrPass {
			return false
		}
	} else {
		chanPass := false
		for _, ch := range f.channels {
			if ch.Num != x.Channel {
				continue
			}
			if ch.And && !addrPass {
				return false
			}
			chanPass = true
			break
		}
		if !chanPass && !(f.noAnds && addrPass && addrCheck) {
			return false
		}
	}

	if !f.dapsSince.IsZero() && x.Xmit.Before(f.dapsSince) {
		return false
	}
	if !f.dapsUntil.IsZero() && x.Xmit.After(f.dapsUntil) {
		return false
	}
	if !selects(f.retransmitted, x.Flags&dcp.FlagDuplicate != 0) {
		return false
	}
	if !selects(f.dapsStatus, !x.IsGood()) {
		return false
	}
	switch f.spacecraft {
	case criteria.East:
		if x.IsWest() {
			return false
		}
	case criteria.West:
		if !x.IsWest() {
			return false
		}
	}
	if f.hasSeq && (x.Seq < f.seqStart || x.Seq > f.seqEnd) {
		return false
	}
	if len(f.bauds) > 0 && x.Flags.Baud() != dcp.BaudUnknown && !slices.Contains(f.bauds, x.Flags.Baud()) {
		return false
	}
	parity := x.FailureCode == '?' || x.Flags&dcp.FlagParityError != 0
	return selects(f.parity, parity)
}

// selects applies an accept/reject/only selector to a boolean attribute.
func selects(s criteria.Selector, has bool) bool {
	switch s {
	case criteria.Reject:
		return !has
	case criteria.Only:
		return has
	}
	return true
}
