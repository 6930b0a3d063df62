package server

import (
	"context"
	"time"

	"github.com/drpcorg/dds/utils"
)

// Reapable is anything the reaper can hang up for being idle.
type Reapable interface {
	LastActivity() time.Time
	// Disconnect reports true only for the call that actually closed.
	Disconnect(reason string) bool
}

// Reaper periodically disconnects connections idle past a threshold. The
// list and threshold are read at every sweep so they may change at
// runtime.
type Reaper[T Reapable] struct {
	name      string
	log       utils.Logger
	list      func() []T
	threshold func() time.Duration
	interval  time.Duration
	now       func() time.Time
	onReap    func(T)
}

type ReaperOpt[T Reapable] interface {
	Apply(*Reaper[T])
}

type ReaperClockOpt[T Reapable] struct {
	Now func() time.Time
}

func (opt *ReaperClockOpt[T]) Apply(r *Reaper[T]) {
	r.now = opt.Now
}

type ReaperHookOpt[T Reapable] struct {
	OnReap func(T)
}

func (opt *ReaperHookOpt[T]) Apply(r *Reaper[T]) {
	r.onReap = opt.OnReap
}

func NewReaper[T Reapable](log utils.Logger, name string, interval time.Duration, threshold func() time.Duration, list func() []T, opts ...ReaperOpt[T]) *Reaper[T] {
	r := &Reaper[T]{
		name:      name,
		log:       log,
		list:      list,
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
	}
	for _, o := range opts {
		o.Apply(r)
	}
	return r
}

// Sweep disconnects everything idle for longer than the threshold as of
// now and returns how many it hung up. The candidates are snapshotted
// first; a connection that closed on its own meanwhile is skipped.
func (r *Reaper[T]) Sweep(now time.Time) int {
	limit := r.threshold()
	if limit <= 0 {
		return 0
	}
	var stale []T
	for _, c := range r.list() {
		if now.Sub(c.LastActivity()) > limit {
			stale = append(stale, c)
		}
	}
	reaped := 0
	for _, c := range stale {
		if !c.Disconnect(ReasonInactive) {
			continue
		}
		reaped++
		if r.onReap != nil {
			r.onReap(c)
		}
	}
	if reaped > 0 {
		r.log.Info("reaper: stale connections closed", "name", r.name, "count", reaped, "threshold", limit)
	}
	return reaped
}

// Run sweeps every interval until ctx is done.
func (r *Reaper[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Debug("reaper: started", "name", r.name, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("reaper: stopped", "name", r.name)
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}
