package archive

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/dds/dcp"
	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/filter"
	"github.com/drpcorg/dds/utils"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

type Options struct {
	pebble.Options

	// CacheSize is the number of message bodies kept in memory.
	CacheSize int
	// Clock stamps appended messages and decides whether an until time
	// has passed. Defaults to time.Now.
	Clock  func() time.Time
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.CacheSize == 0 {
		o.CacheSize = 4096
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(0)
	}
}

// record is the stored form of a message; Data is empty in index entries.
type record struct {
	Seq   uint64 `cbor:"1,keyasint"`
	Addr  uint32 `cbor:"2,keyasint"`
	Recv  int64  `cbor:"3,keyasint"`
	Xmit  int64  `cbor:"4,keyasint"`
	Flags uint32 `cbor:"5,keyasint"`
	Chan  uint16 `cbor:"6,keyasint"`
	Fail  uint8  `cbor:"7,keyasint"`
	Data  []byte `cbor:"8,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
}

func toRecord(m dcp.Msg) record {
	return record{
		Seq:   m.Seq,
		Addr:  uint32(m.Address),
		Recv:  int64(nanos(m.LocalRecv)),
		Xmit:  int64(nanos(m.Xmit)),
		Flags: uint32(m.Flags),
		Chan:  m.Channel,
		Fail:  m.FailureCode,
		Data:  m.Data,
	}
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (r record) msg() dcp.Msg {
	return dcp.Msg{
		Index: dcp.Index{
			Seq:         r.Seq,
			Address:     dcp.Address(r.Addr),
			LocalRecv:   unixNano(r.Recv),
			Xmit:        unixNano(r.Xmit),
			Flags:       dcp.Flags(r.Flags),
			Channel:     r.Chan,
			FailureCode: r.Fail,
		},
		Data: r.Data,
	}
}

func decodeRecord(b []byte) (r record, err error) {
	err = cbor.Unmarshal(b, &r)
	return
}

// PebbleArchive stores messages in pebble with a time index and a
// per-address index.
type PebbleArchive struct {
	db    *pebble.DB
	opts  Options
	log   utils.Logger
	cache *lru.Cache[uint64, dcp.Msg]

	appendMu sync.Mutex
	seq      uint64

	notifyMu sync.Mutex
	notify   chan struct{}

	lastRecv    atomic.Int64
	appended    atomic.Uint64
	duplicates  atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

var (
	_ Archive      = (*PebbleArchive)(nil)
	_ Waiter       = (*PebbleArchive)(nil)
	_ MarkerStore  = (*PebbleArchive)(nil)
	_ NetlistStore = (*PebbleArchive)(nil)
)

var writeOptions = pebble.Sync

func Open(dirname string, opts Options) (*PebbleArchive, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dirname, &opts.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "archive: open %s", dirname)
	}
	cache, err := lru.New[uint64, dcp.Msg](opts.CacheSize)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "archive: body cache")
	}
	a := &PebbleArchive{
		db:     db,
		opts:   opts,
		log:    opts.Logger,
		cache:  cache,
		notify: make(chan struct{}),
	}
	if err = a.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.log.Info("archive: opened", "dir", dirname, "last_seq", a.seq)
	return a, nil
}

func (a *PebbleArchive) loadSeq() error {
	val, closer, err := a.db.Get(seqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "archive: read sequence")
	}
	defer closer.Close()
	if len(val) != 8 {
		return errors.Errorf("archive: bad sequence value of %d bytes", len(val))
	}
	a.seq = binary.BigEndian.Uint64(val)
	return nil
}

func (a *PebbleArchive) Database() *pebble.DB {
	return a.db
}

func (a *PebbleArchive) Close() error {
	a.log.Info("archive: closing", "last_seq", a.LastSeq())
	return a.db.Close()
}

func (a *PebbleArchive) LastSeq() uint64 {
	a.appendMu.Lock()
	defer a.appendMu.Unlock()
	return a.seq
}

func dedupHash(m dcp.Msg) uint64 {
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(m.Address))
	binary.BigEndian.PutUint64(hdr[4:12], nanos(m.Xmit))
	d := xxhash.New()
	_, _ = d.Write(hdr[:])
	_, _ = d.Write(m.Data)
	return d.Sum64()
}

// Append stores a message, assigning its sequence number. A message with
// the same address, transmit time and data as a stored one is kept but
// flagged as a duplicate.
func (a *PebbleArchive) Append(m dcp.Msg) (dcp.Index, error) {
	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	if m.LocalRecv.IsZero() {
		m.LocalRecv = a.opts.Clock().UTC()
	}
	seq := a.seq + 1
	m.Seq = seq

	hk := hashKey(dedupHash(m))
	_, closer, err := a.db.Get(hk)
	switch {
	case err == nil:
		closer.Close()
		m.Flags |= dcp.FlagDuplicate
		a.duplicates.Add(1)
	case !errors.Is(err, pebble.ErrNotFound):
		return dcp.Index{}, errors.Wrap(err, "archive: dedup lookup")
	}

	full, err := encMode.Marshal(toRecord(m))
	if err != nil {
		return dcp.Index{}, errors.Wrap(err, "archive: encode message")
	}
	ir := toRecord(m)
	ir.Data = nil
	idx, err := encMode.Marshal(ir)
	if err != nil {
		return dcp.Index{}, errors.Wrap(err, "archive: encode index")
	}
	var seqVal [8]byte
	binary.BigEndian.PutUint64(seqVal[:], seq)

	b := a.db.NewBatch()
	defer b.Close()
	_ = b.Set(msgKey(seq), full, nil)
	_ = b.Set(timeKey(m.LocalRecv, seq), idx, nil)
	_ = b.Set(addrKey(m.Address, m.LocalRecv, seq), idx, nil)
	_ = b.Set(hk, seqVal[:], nil)
	_ = b.Set(seqKey, seqVal[:], nil)
	if err = b.Commit(writeOptions); err != nil {
		return dcp.Index{}, errors.Wrap(err, "archive: commit message")
	}
	a.seq = seq
	a.appended.Add(1)
	if n := m.LocalRecv.UnixNano(); n > a.lastRecv.Load() {
		a.lastRecv.Store(n)
	}

	a.notifyMu.Lock()
	close(a.notify)
	a.notify = make(chan struct{})
	a.notifyMu.Unlock()
	return m.Index, nil
}

func (a *PebbleArchive) WaitAppend(ctx context.Context, deadline time.Time) bool {
	a.notifyMu.Lock()
	ch := a.notify
	a.notifyMu.Unlock()

	wait := time.Until(deadline)
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

type scanMode int

const (
	scanTime scanMode = iota
	scanAddress
)

type cursor struct {
	f       *filter.Filter
	mode    scanMode
	last    []byte
	addrs   []dcp.Address
	addrPos int
	closed  bool
}

func (c *cursor) Filter() *filter.Filter { return c.f }

func (c *cursor) Close() error {
	c.closed = true
	return nil
}

// StartSearch picks the scan: the per-address index is used for a closed
// time range over a known address set unless ascending order is
// required; otherwise the time index is walked.
func (a *PebbleArchive) StartSearch(f *filter.Filter) (Cursor, error) {
	c := &cursor{f: f, mode: scanTime}
	addrs := f.Addresses()
	until := f.Until()
	if len(addrs) > 0 && !until.IsZero() && !until.After(a.opts.Clock()) && !f.Ascending() {
		c.mode = scanAddress
		c.addrs = addrs
	}
	return c, nil
}

// deadlineCheckEvery is how many index entries are scanned between
// deadline checks.
const deadlineCheckEvery = 256

func (a *PebbleArchive) Advance(ctx context.Context, cur Cursor, deadline time.Time, max int) ([]dcp.Index, Status, error) {
	c, ok := cur.(*cursor)
	if !ok || c.closed {
		return nil, Done, ddserrors.ErrNoSearch
	}
	if max <= 0 {
		max = 1
	}
	if c.mode == scanAddress {
		return a.advanceAddr(ctx, c, deadline, max)
	}
	return a.advanceTime(ctx, c, deadline, max)
}

func (a *PebbleArchive) untilPassed(f *filter.Filter) bool {
	until := f.Until()
	return !until.IsZero() && !a.opts.Clock().Before(until)
}

func (a *PebbleArchive) advanceTime(ctx context.Context, c *cursor, deadline time.Time, max int) (out []dcp.Index, st Status, err error) {
	lower := timeKey(c.f.Since(), 0)
	if c.last != nil {
		lower = successor(c.last)
	}
	it, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(prefixTime)})
	if err != nil {
		return nil, Done, errors.Wrap(err, "archive: time index")
	}
	defer it.Close()

	n := 0
	for it.First(); it.Valid(); it.Next() {
		if n++; n%deadlineCheckEvery == 0 {
			if ctx.Err() != nil {
				return out, TimeLimit, ctx.Err()
			}
			if time.Now().After(deadline) {
				return out, TimeLimit, nil
			}
		}
		key := it.Key()
		recv := unixNano(int64(binary.BigEndian.Uint64(key[1:9])))
		if c.f.PastUntil(recv) {
			return out, Done, nil
		}
		r, derr := decodeRecord(it.Value())
		if derr != nil {
			return out, Done, errors.Wrapf(derr, "archive: decode index %x", key)
		}
		c.last = append(c.last[:0], key...)
		if x := r.msg().Index; c.f.Matches(x) {
			out = append(out, x)
			if len(out) >= max {
				return out, More, nil
			}
		}
	}
	if err = it.Error(); err != nil {
		return out, Done, errors.Wrap(err, "archive: time index")
	}
	if a.untilPassed(c.f) {
		return out, Done, nil
	}
	return out, Paused, nil
}

func (a *PebbleArchive) advanceAddr(ctx context.Context, c *cursor, deadline time.Time, max int) (out []dcp.Index, st Status, err error) {
	n := 0
	for c.addrPos < len(c.addrs) {
		addr := c.addrs[c.addrPos]
		lower := addrKey(addr, c.f.Since(), 0)
		if c.last != nil {
			lower = successor(c.last)
		}
		it, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: addrUpper(addr, c.f.Until())})
		if err != nil {
			return out, Done, errors.Wrap(err, "archive: address index")
		}
		for it.First(); it.Valid(); it.Next() {
			if n++; n%deadlineCheckEvery == 0 && (ctx.Err() != nil || time.Now().After(deadline)) {
				_ = it.Close()
				return out, TimeLimit, ctx.Err()
			}
			r, derr := decodeRecord(it.Value())
			if derr != nil {
				_ = it.Close()
				return out, Done, errors.Wrapf(derr, "archive: decode index %x", it.Key())
			}
			c.last = append(c.last[:0], it.Key()...)
			if x := r.msg().Index; c.f.Matches(x) {
				out = append(out, x)
				if len(out) >= max {
					_ = it.Close()
					return out, More, nil
				}
			}
		}
		err = it.Error()
		_ = it.Close()
		if err != nil {
			return out, Done, errors.Wrap(err, "archive: address index")
		}
		c.addrPos++
		c.last = nil
	}
	return out, Done, nil
}

func (a *PebbleArchive) FetchBody(ctx context.Context, x dcp.Index) (dcp.Msg, error) {
	if m, ok := a.cache.Get(x.Seq); ok {
		a.cacheHits.Add(1)
		return m, nil
	}
	a.cacheMisses.Add(1)
	if err := ctx.Err(); err != nil {
		return dcp.Msg{}, err
	}
	val, closer, err := a.db.Get(msgKey(x.Seq))
	if err != nil {
		return dcp.Msg{}, errors.Wrapf(err, "archive: fetch message %d", x.Seq)
	}
	defer closer.Close()
	r, err := decodeRecord(val)
	if err != nil {
		return dcp.Msg{}, errors.Wrapf(err, "archive: decode message %d", x.Seq)
	}
	m := r.msg()
	a.cache.Add(x.Seq, m)
	return m, nil
}

func (a *PebbleArchive) SaveMarker(user string, last time.Time) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], nanos(last))
	return errors.Wrapf(a.db.Set(markerKey(user), v[:], writeOptions), "archive: save marker for %s", user)
}

func (a *PebbleArchive) LoadMarker(user string) (time.Time, bool, error) {
	val, closer, err := a.db.Get(markerKey(user))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "archive: load marker for %s", user)
	}
	defer closer.Close()
	if len(val) != 8 {
		return time.Time{}, false, errors.Errorf("archive: bad marker for %s", user)
	}
	return unixNano(int64(binary.BigEndian.Uint64(val))), true, nil
}

func (a *PebbleArchive) PutNetlist(user, name, text string) error {
	return errors.Wrapf(a.db.Set(netlistKey(user, name), []byte(text), writeOptions), "archive: save netlist %s", name)
}

func (a *PebbleArchive) GetNetlist(user, name string) (string, error) {
	val, closer, err := a.db.Get(netlistKey(user, name))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ddserrors.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "archive: load netlist %s", name)
	}
	defer closer.Close()
	return string(val), nil
}

func (a *PebbleArchive) Stats() Stats {
	s := Stats{
		Messages:   a.LastSeq(),
		Duplicates: a.duplicates.Load(),
	}
	s.LastSeq = s.Messages
	if n := a.lastRecv.Load(); n != 0 {
		s.LastRecv = unixNano(n)
	}
	return s
}
