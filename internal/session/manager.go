// Package session implements the session lifecycle: creation, restoration,
// logout, forced cleanup and the reaper sweeps. The Manager owns the
// registry and the init guard; no other component mutates session records.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/workspace/msg-gateway/internal/engine"
	"github.com/workspace/msg-gateway/internal/identity"
	"github.com/workspace/msg-gateway/internal/persistence"
	"github.com/workspace/msg-gateway/internal/protocol"
	"github.com/workspace/msg-gateway/internal/registry"
)

// Config holds the lifecycle timings and policies.
type Config struct {
	SessionsDir        string
	InitStaleTimeout   time.Duration
	ReconnectGrace     time.Duration
	LogoutGuardGrace   time.Duration
	SessionIdleTimeout time.Duration
	IdleSweepInterval  time.Duration
	InitSweepInterval  time.Duration
	QROrphanCleanup    bool
}

// Manager orchestrates session lifecycles. All envelope emission to clients
// happens here; the transport only parses, dispatches and reports closes.
type Manager struct {
	cfg   Config
	eng   engine.Engine
	reg   *registry.Registry
	guard *registry.InitGuard
	store *persistence.Store // nil disables the mirror

	mu          sync.Mutex
	genCounter  uint64
	graceTimers map[string]*time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager. store may be nil.
func NewManager(cfg Config, eng engine.Engine, store *persistence.Store) *Manager {
	return &Manager{
		cfg:         cfg,
		eng:         eng,
		reg:         registry.New(),
		guard:       registry.NewInitGuard(cfg.InitStaleTimeout),
		store:       store,
		graceTimers: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
}

// Attach handles an init envelope: it resolves the fingerprint, then either
// restores an existing session, re-points an in-flight creation, reclaims a
// stale one, or drives a fresh creation. It returns the session identifier
// the connection is now bound to, or "" when nothing was bound.
func (m *Manager) Attach(ctx context.Context, conn registry.Conn, fingerprint string) string {
	id, err := identity.Resolve(fingerprint)
	if err != nil {
		m.send(conn, protocol.ErrorMessage("invalid fingerprint: "+err.Error()))
		return ""
	}

	// A reconnect within the grace window keeps the session alive.
	m.cancelGraceTimer(id)

	if rec, ok := m.reg.Get(id); ok && rec.Client != nil {
		return m.restore(ctx, conn, id, fingerprint, rec.Client)
	}

	if _, inFlight := m.guard.StartedAt(id); inFlight {
		if m.guard.EndStale(id) {
			slog.Warn("Reclaiming stale session initialization", "sessionId", id)
			m.Cleanup(id)
			return m.create(ctx, conn, id, fingerprint)
		}

		m.mu.Lock()
		rec, ok := m.reg.Get(id)
		if ok && (rec.Conn == nil || rec.Conn.ID() != conn.ID()) {
			// A different connection (browser refresh) picked up an
			// initialization already in progress: re-point the record.
			rec.Conn = conn
			m.reg.Put(rec)
			m.mu.Unlock()
			m.send(conn, protocol.Status("reconnected, session initialization in progress"))
			return id
		}
		m.mu.Unlock()
		m.send(conn, protocol.ErrorMessage("session initialization in progress, please wait"))
		return id
	}

	return m.create(ctx, conn, id, fingerprint)
}

// restore probes the cached client and either reattaches the connection or
// tears the dead session down and starts over.
func (m *Manager) restore(ctx context.Context, conn registry.Conn, id, fingerprint string, client engine.Client) string {
	alive, err := client.IsConnected(ctx)
	if err != nil || !alive {
		slog.Warn("Liveness probe failed, rebuilding session", "sessionId", id, "error", err)
		m.Cleanup(id)
		return m.create(ctx, conn, id, fingerprint)
	}

	m.mu.Lock()
	rec, ok := m.reg.Get(id)
	if !ok || rec.Client == nil {
		// The record went away while we were probing; start fresh.
		m.mu.Unlock()
		return m.create(ctx, conn, id, fingerprint)
	}
	if prev := rec.Conn; prev != nil && prev.ID() != conn.ID() && prev.IsOpen() {
		_ = prev.Close()
	}
	rec.Conn = conn
	rec.LastActivity = time.Now()
	// Reattachment re-owns the record: a teardown fenced on the old epoch
	// must no longer touch it.
	m.genCounter++
	rec.Gen = m.genCounter
	m.reg.Put(rec)
	m.mu.Unlock()

	m.touchStore(id)
	m.send(conn, protocol.SessionRestored())
	m.send(conn, protocol.Ready("session restored"))
	slog.Info("Session restored", "sessionId", id, "connectionId", conn.ID())
	return id
}

// create registers a placeholder record and drives the backing engine's
// creation. The creation context carries the staleness timeout as deadline
// so a cooperative engine can abort early; the guard reclaim remains the
// backstop for engines that ignore it.
func (m *Manager) create(ctx context.Context, conn registry.Conn, id, fingerprint string) string {
	if !m.guard.TryBegin(id) {
		m.send(conn, protocol.ErrorMessage("session initialization in progress, please wait"))
		return id
	}

	storagePath := filepath.Join(m.cfg.SessionsDir, id)
	m.mu.Lock()
	m.genCounter++
	gen := m.genCounter
	m.reg.Put(registry.Record{
		ID:           id,
		Conn:         conn,
		StoragePath:  storagePath,
		LastActivity: time.Now(),
		Identity:     fingerprint,
		Gen:          gen,
	})
	m.mu.Unlock()
	m.upsertStore(id, fingerprint, storagePath)
	m.send(conn, protocol.Status("initializing session"))
	slog.Info("Creating session", "sessionId", id, "connectionId", conn.ID())

	createCtx, cancel := context.WithTimeout(ctx, m.cfg.InitStaleTimeout)
	defer cancel()

	client, err := m.eng.Create(createCtx, engine.CreateOpts{
		SessionID:   id,
		StoragePath: storagePath,
		Hooks: engine.Hooks{
			// Hooks look the owning connection up at fire time instead of
			// capturing conn, which may be stale after a reattach.
			QRReady:       func(qr string) { m.handleQR(id, qr) },
			StatusChanged: func(st engine.Status) { m.handleStatus(id, st) },
		},
	})
	if err != nil {
		slog.Error("Session creation failed", "sessionId", id, "error", err)
		// Only unwind state this attempt still owns: after a staleness
		// reclaim the identifier may already belong to a fresh attempt.
		m.mu.Lock()
		cur, ok := m.reg.Get(id)
		owns := ok && cur.Gen == gen
		if owns {
			m.reg.Remove(id)
		}
		m.mu.Unlock()
		if owns {
			m.guard.End(id)
			m.deleteStore(id)
		}
		m.send(conn, protocol.ErrorMessage("session creation failed: "+err.Error()))
		return ""
	}

	m.mu.Lock()
	rec, ok := m.reg.Get(id)
	if !ok || rec.Gen != gen {
		// Reclaimed while we were creating; a fresh attempt may own the
		// identifier now, so discard our client without touching its state.
		m.mu.Unlock()
		if cerr := client.Close(); cerr != nil {
			slog.Warn("Close of reclaimed client failed", "sessionId", id, "error", cerr)
		}
		client.Terminate()
		m.send(conn, protocol.ErrorMessage("session was reclaimed during creation"))
		return ""
	}
	rec.Client = client
	rec.LastActivity = time.Now()
	m.reg.Put(rec)
	owner := rec.Conn
	m.mu.Unlock()

	m.guard.End(id)
	m.touchStore(id)
	m.send(owner, protocol.SessionCreated())
	slog.Info("Session created", "sessionId", id)
	return id
}

// Send delivers a message through the session's backing client. A failed
// send is reported but does not tear the session down.
func (m *Manager) Send(ctx context.Context, conn registry.Conn, id, target, body string) {
	rec, ok := m.reg.Get(id)
	if !ok || rec.Client == nil {
		m.send(conn, protocol.ErrorMessage("no active session, send init first"))
		return
	}

	m.bumpActivity(id)

	if err := rec.Client.SendText(ctx, target, body); err != nil {
		slog.Warn("Send failed", "sessionId", id, "target", target, "error", err)
		m.send(conn, protocol.MessageError(err.Error(), target))
		return
	}
	m.send(conn, protocol.MessageSent(target))
}

// Logout ends the session deliberately. Backing failures are surfaced as
// logout-error, but local state is cleared regardless: the user was told
// the intent was logout, and local truth must track that.
func (m *Manager) Logout(ctx context.Context, conn registry.Conn, id string) {
	rec, ok := m.reg.Get(id)
	if !ok {
		m.send(conn, protocol.ErrorMessage("no active session"))
		return
	}

	var failures []string
	if rec.Client != nil {
		if err := rec.Client.Logout(ctx); err != nil {
			slog.Warn("Backing logout failed", "sessionId", id, "error", err)
			failures = append(failures, err.Error())
		}
		if err := rec.Client.Close(); err != nil {
			slog.Warn("Backing close failed", "sessionId", id, "error", err)
			failures = append(failures, err.Error())
		}
	}

	if rec.StoragePath != "" {
		if err := os.RemoveAll(rec.StoragePath); err != nil {
			slog.Warn("Storage removal failed", "sessionId", id, "path", rec.StoragePath, "error", err)
		}
	}
	m.reg.Remove(id)
	m.deleteStore(id)
	m.cancelGraceTimer(id)
	// Delayed guard removal absorbs a duplicate logout racing a fresh init.
	m.guard.EndAfter(id, m.cfg.LogoutGuardGrace)

	if len(failures) > 0 {
		m.send(conn, protocol.LogoutError(strings.Join(failures, "; ")))
	} else {
		m.send(conn, protocol.LoggedOut())
	}
	slog.Info("Session logged out", "sessionId", id, "failures", len(failures))
}

// Cleanup is the forced teardown path: idempotent, every step best-effort,
// ordered so nothing leaks if a step fails. Safe to call for unknown ids.
func (m *Manager) Cleanup(id string) {
	m.cleanup(id, 0)
}

// cleanup tears a session down if the record's ownership epoch still matches
// gen; gen 0 skips the fence. Sweeps and grace timers pass the epoch they
// snapshotted, so a record re-owned by a reattach or a fresh creation in the
// meantime is left alone.
func (m *Manager) cleanup(id string, gen uint64) {
	m.mu.Lock()
	rec, ok := m.reg.Get(id)
	if !ok {
		m.mu.Unlock()
		m.guard.End(id)
		return
	}
	if gen != 0 && rec.Gen != gen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if rec.Client != nil {
		if err := rec.Client.Close(); err != nil {
			slog.Warn("Client close failed during cleanup", "sessionId", id, "error", err)
		}
		// A hung browser process outlives a polite close in practice.
		rec.Client.Terminate()
	}
	if rec.StoragePath != "" {
		if err := os.RemoveAll(rec.StoragePath); err != nil {
			slog.Warn("Storage removal failed during cleanup", "sessionId", id, "error", err)
		}
	}

	m.mu.Lock()
	cur, ok := m.reg.Get(id)
	owns := ok && cur.Gen == rec.Gen
	if owns {
		m.reg.Remove(id)
		m.cancelGraceTimerLocked(id)
	}
	m.mu.Unlock()
	if !owns {
		slog.Warn("Record re-owned during cleanup, leaving it in place", "sessionId", id)
		return
	}
	m.guard.End(id)
	m.deleteStore(id)
	slog.Info("Session cleaned up", "sessionId", id)
}

// HandleDisconnect is called by the transport when a connection closes. A
// session with a live client gets a grace window to reattach before cleanup;
// a session still initializing is left for the stale-init sweep.
func (m *Manager) HandleDisconnect(conn registry.Conn, id string) {
	if id == "" {
		return
	}

	m.mu.Lock()
	rec, ok := m.reg.Get(id)
	if !ok || rec.Conn == nil || rec.Conn.ID() != conn.ID() {
		// Another connection already owns the record.
		m.mu.Unlock()
		return
	}
	rec.Conn = nil
	m.reg.Put(rec)
	hasClient := rec.Client != nil
	gen := rec.Gen
	m.mu.Unlock()

	if !hasClient {
		return
	}

	slog.Info("Connection lost, starting reconnect grace window",
		"sessionId", id, "grace", m.cfg.ReconnectGrace)
	m.scheduleGraceCleanup(id, gen)
}

func (m *Manager) scheduleGraceCleanup(id string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.graceTimers[id]; ok {
		t.Stop()
	}
	m.graceTimers[id] = time.AfterFunc(m.cfg.ReconnectGrace, func() {
		m.mu.Lock()
		delete(m.graceTimers, id)
		rec, ok := m.reg.Get(id)
		reattached := ok && rec.Conn != nil && rec.Conn.IsOpen()
		m.mu.Unlock()

		if !ok || reattached {
			return
		}
		slog.Info("No reconnect within grace window", "sessionId", id)
		m.cleanup(id, gen)
	})
}

func (m *Manager) cancelGraceTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelGraceTimerLocked(id)
}

func (m *Manager) cancelGraceTimerLocked(id string) {
	if t, ok := m.graceTimers[id]; ok {
		t.Stop()
		delete(m.graceTimers, id)
	}
}

// handleQR routes a QR event to whatever connection currently owns the
// record. With no deliverable connection the event is dropped; if the owner
// is confirmed closed and the policy allows, the abandoned creation is
// cleaned up.
func (m *Manager) handleQR(id, qr string) {
	rec, ok := m.reg.Get(id)
	if !ok {
		return
	}
	if rec.Conn != nil && rec.Conn.IsOpen() {
		m.send(rec.Conn, protocol.QR(qr))
		return
	}
	if rec.Conn != nil && m.cfg.QROrphanCleanup {
		slog.Info("QR event for closed connection, cleaning up abandoned creation", "sessionId", id)
		go m.Cleanup(id)
		return
	}
	slog.Debug("Dropping QR event with no deliverable connection", "sessionId", id)
}

// handleStatus pushes status transitions to the owning connection and, on a
// terminal-success status, clears the init guard and signals readiness.
func (m *Manager) handleStatus(id string, st engine.Status) {
	rec, ok := m.reg.Get(id)
	if !ok {
		return
	}
	if rec.Conn != nil && rec.Conn.IsOpen() {
		m.send(rec.Conn, protocol.Status(string(st)))
	}
	if st.Terminal() {
		m.guard.End(id)
		if rec.Conn != nil && rec.Conn.IsOpen() {
			m.send(rec.Conn, protocol.Ready(fmt.Sprintf("session %s", st)))
		}
	}
}

// StopAndDrainAll stops the reaper and cleans up every session. Called on
// process shutdown.
func (m *Manager) StopAndDrainAll() {
	m.stopOnce.Do(func() { close(m.done) })

	var ids []string
	m.reg.ForEach(func(rec registry.Record) { ids = append(ids, rec.ID) })
	for _, id := range ids {
		m.Cleanup(id)
	}

	m.mu.Lock()
	for id, t := range m.graceTimers {
		t.Stop()
		delete(m.graceTimers, id)
	}
	m.mu.Unlock()
	slog.Info("All sessions drained", "count", len(ids))
}

// Counts returns the number of records with a live client and the number of
// in-flight initializations.
func (m *Manager) Counts() (active, initializing int) {
	m.reg.ForEach(func(rec registry.Record) {
		if rec.Client != nil {
			active++
		}
	})
	return active, m.guard.Len()
}

// Summary is the per-session view exposed on the status endpoint.
type Summary struct {
	ID            string    `json:"id"`
	HasClient     bool      `json:"hasClient"`
	HasConnection bool      `json:"hasConnection"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Summaries returns a snapshot of all sessions.
func (m *Manager) Summaries() []Summary {
	result := []Summary{}
	m.reg.ForEach(func(rec registry.Record) {
		result = append(result, Summary{
			ID:            rec.ID,
			HasClient:     rec.Client != nil,
			HasConnection: rec.Conn != nil && rec.Conn.IsOpen(),
			LastActivity:  rec.LastActivity,
		})
	})
	return result
}

// SweepOrphans removes credential directories recorded by a previous process
// whose sessions no longer exist. Run once at startup, before serving.
func (m *Manager) SweepOrphans() {
	if m.store == nil {
		return
	}
	rows, err := m.store.List()
	if err != nil {
		slog.Warn("Orphan sweep could not list persisted sessions", "error", err)
		return
	}
	for _, row := range rows {
		if _, ok := m.reg.Get(row.ID); ok {
			continue
		}
		if row.StoragePath != "" {
			if err := os.RemoveAll(row.StoragePath); err != nil {
				slog.Warn("Orphan storage removal failed", "sessionId", row.ID, "error", err)
			}
		}
		if err := m.store.Delete(row.ID); err != nil {
			slog.Warn("Orphan row removal failed", "sessionId", row.ID, "error", err)
		}
		slog.Info("Removed orphaned session artifacts", "sessionId", row.ID, "path", row.StoragePath)
	}
}

func (m *Manager) bumpActivity(id string) {
	m.mu.Lock()
	if rec, ok := m.reg.Get(id); ok {
		rec.LastActivity = time.Now()
		m.reg.Put(rec)
	}
	m.mu.Unlock()
	m.touchStore(id)
}

func (m *Manager) send(conn registry.Conn, env protocol.Outbound) {
	if conn == nil || !conn.IsOpen() {
		return
	}
	if err := conn.Send(env); err != nil {
		slog.Warn("Envelope delivery failed", "connectionId", conn.ID(), "type", env.Type, "error", err)
	}
}

func (m *Manager) upsertStore(id, identity, storagePath string) {
	if m.store == nil {
		return
	}
	if err := m.store.Upsert(persistence.SessionRow{ID: id, Identity: identity, StoragePath: storagePath}); err != nil {
		slog.Warn("Session mirror upsert failed", "sessionId", id, "error", err)
	}
}

func (m *Manager) touchStore(id string) {
	if m.store == nil {
		return
	}
	if err := m.store.Touch(id, time.Now()); err != nil {
		slog.Warn("Session mirror touch failed", "sessionId", id, "error", err)
	}
}

func (m *Manager) deleteStore(id string) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(id); err != nil {
		slog.Warn("Session mirror delete failed", "sessionId", id, "error", err)
	}
}
