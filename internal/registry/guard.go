package registry

import (
	"sync"
	"time"
)

// InitGuard tracks in-flight session creation attempts so that at most one
// creation runs per identifier. Attempts older than the configured staleness
// timeout are considered abandoned and may be reclaimed.
type InitGuard struct {
	staleAfter time.Duration

	mu       sync.Mutex
	inflight map[string]time.Time
	timers   map[string]*time.Timer
}

func NewInitGuard(staleAfter time.Duration) *InitGuard {
	return &InitGuard{
		staleAfter: staleAfter,
		inflight:   make(map[string]time.Time),
		timers:     make(map[string]*time.Timer),
	}
}

// TryBegin records a creation attempt for id. It returns false if an attempt
// is already in flight and not yet stale; a stale attempt is replaced.
func (g *InitGuard) TryBegin(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if started, ok := g.inflight[id]; ok {
		if time.Since(started) < g.staleAfter {
			return false
		}
	}
	g.inflight[id] = time.Now()
	g.cancelTimerLocked(id)
	return true
}

// IsStale reports whether an attempt for id exists and has exceeded the
// staleness timeout.
func (g *InitGuard) IsStale(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	started, ok := g.inflight[id]
	return ok && time.Since(started) >= g.staleAfter
}

// StartedAt returns the start timestamp of the in-flight attempt, if any.
func (g *InitGuard) StartedAt(id string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	started, ok := g.inflight[id]
	return started, ok
}

// End removes the attempt for id, cancelling any scheduled removal.
func (g *InitGuard) End(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, id)
	g.cancelTimerLocked(id)
}

// EndAfter removes the attempt after a grace delay. Used on logout so that a
// duplicate logout arriving just behind the first does not race a fresh init.
func (g *InitGuard) EndAfter(id string, delay time.Duration) {
	if delay <= 0 {
		g.End(id)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelTimerLocked(id)
	g.timers[id] = time.AfterFunc(delay, func() { g.End(id) })
}

// EndStale removes the attempt for id only if it exceeded the staleness
// timeout, reporting whether it did. A fresh attempt that replaced a stale
// one in the meantime is left alone.
func (g *InitGuard) EndStale(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	started, ok := g.inflight[id]
	if !ok || time.Since(started) < g.staleAfter {
		return false
	}
	delete(g.inflight, id)
	g.cancelTimerLocked(id)
	return true
}

// Stale returns a snapshot of identifiers whose attempts exceeded the
// staleness timeout.
func (g *InitGuard) Stale() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, started := range g.inflight {
		if time.Since(started) >= g.staleAfter {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of in-flight attempts.
func (g *InitGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

func (g *InitGuard) cancelTimerLocked(id string) {
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
}
