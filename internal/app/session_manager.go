package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/config"
	"github.com/askjohngeorge/leadline/internal/flow"
	"github.com/askjohngeorge/leadline/internal/gateway"
)

// SessionInfo holds metadata about an active call session.
type SessionInfo struct {
	// CallID is the gateway-minted identifier for the call.
	CallID string

	// StartedAt is when the session began processing.
	StartedAt time.Time
}

// SessionManager owns the per-call sessions. The gateway hands each accepted
// websocket to HandleCall, which builds a pipeline, runs it to completion,
// and signals the reaper to drop the bookkeeping afterwards.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	deps sessionDeps
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	reapCh chan string
}

// NewSessionManager creates a manager that assembles sessions from deps.
func NewSessionManager(deps sessionDeps) *SessionManager {
	return &SessionManager{
		deps:     deps,
		log:      deps.log.With("component", "session_manager"),
		sessions: make(map[string]*Session),
		reapCh:   make(chan string, 16),
	}
}

// Start launches the background reaper that removes finished sessions. The
// reaper exits when ctx is cancelled.
func (m *SessionManager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case callID := <-m.reapCh:
				m.remove(callID)
			}
		}
	}()
}

// UpdateConfig swaps the config new sessions are built from. Running calls
// keep the settings they started with. A nil flowCfg keeps the current flow.
func (m *SessionManager) UpdateConfig(cfg *config.Config, flowCfg *flow.Config) {
	m.mu.Lock()
	m.deps.cfg = cfg
	if flowCfg != nil {
		m.deps.flowCfg = flowCfg
	}
	m.mu.Unlock()
}

// HandleCall runs one call to completion. It is the gateway server's
// connection handler: the conn stays owned by the gateway, the session only
// reads and writes it.
func (m *SessionManager) HandleCall(ctx context.Context, callID string, conn *gateway.Conn) error {
	m.mu.Lock()
	deps := m.deps
	m.mu.Unlock()

	s, err := newSession(deps, callID, conn)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[callID] = s
	active := len(m.sessions)
	m.mu.Unlock()
	m.log.Info("session started", "call_id", callID, "active", active)

	defer func() {
		// Hand the map entry to the reaper; drop it inline when the
		// reaper is not running.
		select {
		case m.reapCh <- callID:
		default:
			m.remove(callID)
		}
	}()

	return s.Run(ctx)
}

// CloseAll asks every active session to end gracefully and waits for them to
// finish, up to ctx's deadline.
func (m *SessionManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		s.Close()
	}
	for _, s := range list {
		select {
		case <-s.done:
		case <-ctx.Done():
			m.log.Warn("session close deadline exceeded", "call_id", s.callID)
			return
		}
	}
}

// Count returns the number of active sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns metadata for every active session, in no particular
// order.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, SessionInfo{CallID: s.callID, StartedAt: s.startedAt})
	}
	return infos
}

func (m *SessionManager) remove(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	active := len(m.sessions)
	m.mu.Unlock()
	m.log.Info("session finished", "call_id", callID, "active", active)
}
