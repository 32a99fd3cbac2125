package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RepGraphics/panel-sub000/pkg/log"
	"github.com/RepGraphics/panel-sub000/pkg/metrics"
	"github.com/RepGraphics/panel-sub000/pkg/storage"
)

// Manager owns every live session, one per server ID. It creates sessions on
// demand and disposes them all on shutdown.
type Manager struct {
	fetcher CredentialFetcher
	dial    Dialer
	brand   string
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerDialer sets the dialer passed to every session the manager
// creates.
func WithManagerDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// WithManagerBrand sets the console branding for created sessions.
func WithManagerBrand(brand string) ManagerOption {
	return func(m *Manager) { m.brand = brand }
}

// NewManager creates a session manager using fetcher for socket credentials.
func NewManager(fetcher CredentialFetcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		fetcher:  fetcher,
		dial:     WebsocketDialer,
		sessions: make(map[string]*Session),
		logger:   log.WithComponent("session-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect returns the server's session, creating and connecting one if none
// exists yet.
func (m *Manager) Connect(serverID string) (*Session, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager is stopped")
	}
	if sess, ok := m.sessions[serverID]; ok {
		m.mu.Unlock()
		sess.Connect()
		return sess, nil
	}
	sess := NewSession(serverID, m.fetcher, WithDialer(m.dial), WithBrand(m.brand))
	m.sessions[serverID] = sess
	m.mu.Unlock()

	metrics.SessionsActive.Inc()
	m.logger.Info().Str("server_id", serverID).Msg("Opening server session")
	sess.Connect()
	return sess, nil
}

// Get returns the server's session if one exists.
func (m *Manager) Get(serverID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[serverID]
	return sess, ok
}

// Disconnect closes the server's session. With keepForReconnect the session
// stays registered and will reconnect; without it the session is disposed
// and removed.
func (m *Manager) Disconnect(serverID string, keepForReconnect bool) {
	m.mu.Lock()
	sess, ok := m.sessions[serverID]
	if ok && !keepForReconnect {
		delete(m.sessions, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if keepForReconnect {
		sess.Disconnect(true)
		return
	}
	sess.Dispose()
	metrics.SessionsActive.Dec()
	m.logger.Info().Str("server_id", serverID).Msg("Closed server session")
}

// SendCommand forwards a console command over the server's live session.
func (m *Manager) SendCommand(serverID, text string) error {
	sess, ok := m.Get(serverID)
	if !ok {
		return fmt.Errorf("no session for server %s", serverID)
	}
	return sess.SendCommand(text)
}

// Stop disposes every session. The manager accepts no new connections after.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Dispose()
		metrics.SessionsActive.Dec()
	}
	m.logger.Info().Int("count", len(sessions)).Msg("Session manager stopped")
}

// StoreCredentialFetcher resolves socket credentials from the node registry:
// the daemon token and the per-server websocket endpoint on the server's
// node.
type StoreCredentialFetcher struct {
	store storage.Store
}

// NewStoreCredentialFetcher creates a fetcher backed by store.
func NewStoreCredentialFetcher(store storage.Store) *StoreCredentialFetcher {
	return &StoreCredentialFetcher{store: store}
}

// FetchCredentials implements CredentialFetcher.
func (f *StoreCredentialFetcher) FetchCredentials(ctx context.Context, serverID string) (*Credentials, error) {
	server, err := f.store.GetServer(serverID)
	if err != nil {
		return nil, fmt.Errorf("fetching credentials: %w", err)
	}
	node, err := f.store.GetNode(server.NodeID)
	if err != nil {
		return nil, fmt.Errorf("fetching credentials: %w", err)
	}
	if node.Maintenance {
		return &Credentials{
			Unavailable: true,
			Message:     fmt.Sprintf("node %s is under maintenance", node.Name),
		}, nil
	}
	return &Credentials{
		Token:     node.DaemonToken,
		SocketURL: fmt.Sprintf("ws://%s:%d/api/servers/%s/ws", node.Address, node.DaemonPort, server.UUID),
	}, nil
}
