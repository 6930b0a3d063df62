package server

import (
	"github.com/drpcorg/dds/utils"
)

// Evictor keeps any one host+user pair under a number of concurrent
// sessions. The newcomer always stays; the peer that has been quiet the
// longest goes.
type Evictor struct {
	log       utils.Logger
	registry  *Registry
	threshold func() int
	onEvict   func(*Session)
}

func NewEvictor(log utils.Logger, registry *Registry, threshold func() int) *Evictor {
	return &Evictor{log: log, registry: registry, threshold: threshold}
}

// Check runs when s becomes active and returns the evicted peer, if any.
// A threshold of zero or less turns the check off.
func (e *Evictor) Check(s *Session) *Session {
	limit := e.threshold()
	if limit <= 0 {
		return nil
	}
	peers := e.registry.Peers(s.Host(), s.User())
	count := len(peers)
	found := false
	for _, p := range peers {
		if p == s {
			found = true
		}
	}
	if !found {
		count++
	}
	if count <= limit {
		return nil
	}

	var oldest *Session
	for _, p := range peers {
		if p == s {
			continue
		}
		if oldest == nil || p.LastActivity().Before(oldest.LastActivity()) {
			oldest = p
		}
	}
	if oldest == nil || !oldest.Disconnect(ReasonEvicted) {
		return nil
	}
	e.log.Warn("server: duplicate session evicted",
		"id", oldest.ID(), "user", s.User(), "host", s.Host(), "count", count, "limit", limit, "by", s.ID())
	if e.onEvict != nil {
		e.onEvict(oldest)
	}
	return oldest
}
