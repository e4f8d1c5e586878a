package ride

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/observability"
)

type managed struct {
	s        *Session
	lastUsed time.Time
}

// Manager holds one running Session per customer. Sessions that sit idle
// are closed by Sweep and recreated on next use.
type Manager struct {
	ctx  context.Context
	cfg  config.RideConfig
	deps Deps
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*managed
}

func NewManager(ctx context.Context, cfg config.RideConfig, deps Deps) *Manager {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{ctx: ctx, cfg: cfg, deps: deps, now: now, sessions: make(map[string]*managed)}
}

// Session returns the customer's session, starting one on first use.
func (m *Manager) Session(customerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[customerID]; ok {
		e.lastUsed = m.now()
		return e.s
	}
	s := NewSession(customerID, m.cfg, m.deps)
	s.Start(m.ctx)
	m.sessions[customerID] = &managed{s: s, lastUsed: m.now()}
	observability.ActiveSessions.Set(float64(len(m.sessions)))
	return s
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(customerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[customerID]
	if !ok {
		return nil, false
	}
	e.lastUsed = m.now()
	return e.s, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions that have been idle, and untouched by callers, for
// at least ttl. It returns how many were closed.
func (m *Manager) Sweep(ttl time.Duration) int {
	now := m.now()
	var stale []*Session
	m.mu.Lock()
	for id, e := range m.sessions {
		since, idle := e.s.IdleSince()
		if !idle || now.Sub(since) < ttl || now.Sub(e.lastUsed) < ttl {
			continue
		}
		stale = append(stale, e.s)
		delete(m.sessions, id)
	}
	observability.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	for _, s := range stale {
		s.Close()
	}
	return len(stale)
}

// Run sweeps every ttl/2 until ctx is done.
func (m *Manager) Run(ctx context.Context, ttl time.Duration) {
	every := ttl / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(ttl); n > 0 {
				m.deps.Logger.Debug("idle_sessions_closed", "count", n)
			}
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, e := range m.sessions {
		all = append(all, e.s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	observability.ActiveSessions.Set(0)
}
