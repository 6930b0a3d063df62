package server

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/dds/ddserrors"
	"github.com/drpcorg/dds/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func loggedInSession(t *testing.T, r *Registry, host, user string, active time.Time) *Session {
	s := newSession(nil, active)
	s.setHost(host)
	require.NoError(t, r.Admit(s))
	s.login(user, 14)
	s.setState(StateActive)
	return s
}

func TestRegistryCeiling(t *testing.T) {
	r := NewRegistry(2, true)
	a, b, c := newSession(nil, t0), newSession(nil, t0), newSession(nil, t0)
	require.NoError(t, r.Admit(a))
	require.NoError(t, r.Admit(b))
	assert.ErrorIs(t, r.Admit(c), ddserrors.ErrServerFull)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []int{0, 1}, []int{a.slot, b.slot})

	r.Remove(a)
	r.Remove(a)
	assert.Equal(t, 1, r.Len())
	require.NoError(t, r.Admit(c))
	assert.Equal(t, 0, c.slot, "freed slot is reused")
	assert.NotEqual(t, a.ID(), c.ID())

	r.SetMax(3)
	d := newSession(nil, t0)
	require.NoError(t, r.Admit(d))
	assert.Equal(t, 2, d.slot)
}

func TestRegistryConcurrentAdmit(t *testing.T) {
	r := NewRegistry(10, true)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Admit(newSession(nil, t0)) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, admitted)
	assert.Equal(t, 10, r.Len())
}

func TestRegistryDisable(t *testing.T) {
	r := NewRegistry(5, true)
	a := newSession(nil, t0)
	require.NoError(t, r.Admit(a))

	changed, drop := r.SetEnabled(false)
	assert.True(t, changed)
	assert.Equal(t, []*Session{a}, drop)
	assert.ErrorIs(t, r.Admit(newSession(nil, t0)), ddserrors.ErrDisabled)

	changed, drop = r.SetEnabled(false)
	assert.False(t, changed)
	assert.Empty(t, drop)

	changed, drop = r.SetEnabled(true)
	assert.True(t, changed)
	assert.Empty(t, drop)
	assert.NoError(t, r.Admit(newSession(nil, t0)))
}

func TestEvictor(t *testing.T) {
	r := NewRegistry(10, true)
	e := NewEvictor(utils.NewDefaultLogger(slog.LevelDebug), r, func() int { return 2 })

	first := loggedInSession(t, r, "10.0.0.1", "alice", t0)
	assert.Nil(t, e.Check(first))
	second := loggedInSession(t, r, "10.0.0.1", "alice", t0.Add(time.Minute))
	assert.Nil(t, e.Check(second))
	other := loggedInSession(t, r, "10.0.0.2", "alice", t0.Add(-time.Hour))
	assert.Nil(t, e.Check(other), "different host")

	third := loggedInSession(t, r, "10.0.0.1", "alice", t0.Add(2*time.Minute))
	evicted := e.Check(third)
	require.NotNil(t, evicted)
	assert.Same(t, first, evicted)
	assert.True(t, first.Disconnected())
	assert.Equal(t, ReasonEvicted, first.Reason())
	assert.False(t, second.Disconnected())
	assert.False(t, third.Disconnected())
	assert.False(t, other.Disconnected())

	// the evicted session is gone from the count even before its worker
	// has removed it from the registry
	assert.Nil(t, e.Check(third))
}

func TestEvictorDisabled(t *testing.T) {
	r := NewRegistry(10, true)
	e := NewEvictor(utils.NewDefaultLogger(slog.LevelDebug), r, func() int { return 0 })
	for i := 0; i < 5; i++ {
		assert.Nil(t, e.Check(loggedInSession(t, r, "h", "u", t0)))
	}
}
