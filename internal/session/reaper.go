package session

import (
	"log/slog"
	"time"

	"github.com/workspace/msg-gateway/internal/registry"
)

// Start launches the two reaper sweeps. They stop when StopAndDrainAll runs.
func (m *Manager) Start() {
	go m.runIdleSweep()
	go m.runStaleInitSweep()
}

// runIdleSweep evicts sessions whose last activity is older than the idle
// ceiling. Iteration is snapshot-based, so cleanup during the sweep is safe.
func (m *Manager) runIdleSweep() {
	ticker := time.NewTicker(m.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.SessionIdleTimeout)
	type victim struct {
		id  string
		gen uint64
	}
	var expired []victim
	m.reg.ForEach(func(rec registry.Record) {
		if rec.LastActivity.Before(cutoff) {
			expired = append(expired, victim{rec.ID, rec.Gen})
		}
	})
	for _, v := range expired {
		slog.Info("Evicting idle session", "sessionId", v.id)
		m.cleanup(v.id, v.gen)
	}
}

// runStaleInitSweep reclaims initialization attempts that exceeded the
// staleness timeout, force-cleaning their partial records.
func (m *Manager) runStaleInitSweep() {
	ticker := time.NewTicker(m.cfg.InitSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepStaleInits()
		}
	}
}

func (m *Manager) sweepStaleInits() {
	for _, id := range m.guard.Stale() {
		if !m.guard.EndStale(id) {
			// A fresh attempt replaced the stale one since the snapshot.
			continue
		}
		slog.Warn("Reclaiming stale initialization attempt", "sessionId", id)
		if rec, ok := m.reg.Get(id); ok {
			m.cleanup(id, rec.Gen)
		}
	}
}
