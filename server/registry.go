package server

import (
	"sort"
	"sync"

	"github.com/drpcorg/dds/ddserrors"
)

// Registry is the set of live sessions plus the administrative state that
// decides whether a new one may join. Admission is checked and the slot
// taken under one lock, so concurrent accepts can not overshoot the
// ceiling.
type Registry struct {
	mu       sync.Mutex
	enabled  bool
	max      int
	nextID   int
	sessions map[int]*Session
	slots    []*Session
}

func NewRegistry(max int, enabled bool) *Registry {
	return &Registry{
		enabled:  enabled,
		max:      max,
		sessions: make(map[int]*Session),
		slots:    make([]*Session, max),
	}
}

// Admit registers s and gives it an id and a status slot, or returns
// ErrDisabled / ErrServerFull.
func (r *Registry) Admit(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return ddserrors.ErrDisabled
	}
	if len(r.sessions) >= r.max {
		return ddserrors.ErrServerFull
	}
	slot := -1
	for i, o := range r.slots {
		if o == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		// the ceiling was raised, grow the slot table
		slot = len(r.slots)
		r.slots = append(r.slots, nil)
	}
	r.nextID++
	s.id = r.nextID
	s.slot = slot
	r.slots[slot] = s
	r.sessions[s.id] = s
	return nil
}

// Remove frees the session's slot. Removing twice is harmless.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] != s {
		return
	}
	delete(r.sessions, s.id)
	if s.slot >= 0 && s.slot < len(r.slots) && r.slots[s.slot] == s {
		r.slots[s.slot] = nil
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions ordered by id.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled flips the enabled flag. When it transitions to disabled the
// sessions that must be hung up are returned; the caller disconnects them
// outside the lock. Disabling twice returns nothing the second time.
func (r *Registry) SetEnabled(on bool) (changed bool, drop []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled == on {
		return false, nil
	}
	r.enabled = on
	if !on {
		for _, s := range r.sessions {
			drop = append(drop, s)
		}
	}
	return true, drop
}

func (r *Registry) Max() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max
}

// SetMax changes the ceiling for future admissions. Sessions above a
// lowered ceiling are left alone.
func (r *Registry) SetMax(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = n
}

// Peers lists open sessions logged in as user from host.
func (r *Registry) Peers(host, user string) []*Session {
	var out []*Session
	for _, s := range r.Snapshot() {
		if s.Disconnected() {
			continue
		}
		if s.Host() == host && s.User() == user {
			out = append(out, s)
		}
	}
	return out
}
