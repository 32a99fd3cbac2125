package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RepGraphics/panel-sub000/pkg/log"
	"github.com/RepGraphics/panel-sub000/pkg/metrics"
	"github.com/RepGraphics/panel-sub000/pkg/remote"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

const (
	connectTimeout       = 10 * time.Second
	reconnectBaseDelay   = 5 * time.Second
	reconnectMaxDelay    = 60 * time.Second
	maxReconnectAttempts = 10
)

// ConnectionStatus is the session's connection lifecycle phase.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusAuthFailed   ConnectionStatus = "auth_failed"
	StatusFailed       ConnectionStatus = "failed"
)

// Credentials carry what a session needs to reach a server's daemon socket.
// Unavailable indicates the credential source could not produce a usable
// token, with Message explaining why.
type Credentials struct {
	Token       string
	SocketURL   string
	Unavailable bool
	Message     string
}

// CredentialFetcher resolves fresh socket credentials for a server. Called on
// every connect and on token refresh.
type CredentialFetcher interface {
	FetchCredentials(ctx context.Context, serverID string) (*Credentials, error)
}

// overridable in tests
var reconnectDelayFn = ReconnectDelay

// ReconnectDelay returns the backoff before the n-th reconnect attempt,
// 0-indexed: 5s doubling per attempt, capped at 60s.
func ReconnectDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := reconnectBaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}

// Session maintains one server's daemon websocket: it authenticates, streams
// console and stats into State, refreshes expiring tokens in place, and
// reconnects with backoff after unclean closes.
type Session struct {
	serverID string
	fetcher  CredentialFetcher
	dial     Dialer
	state    *State
	logger   zerolog.Logger

	mu             sync.Mutex
	conn           Conn
	creds          *Credentials
	status         ConnectionStatus
	attempts       int
	reconnectTimer *time.Timer
	manualClose    bool
	disposed       bool
	gen            uint64
	refreshDone    chan struct{}
	lastError      string
}

// Option configures a Session.
type Option func(*Session)

// WithDialer overrides the websocket dialer. Used by tests and anywhere the
// transport needs to be intercepted.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithBrand sets the console branding applied to decorated log lines.
func WithBrand(brand string) Option {
	return func(s *Session) { s.state = NewState(brand) }
}

// NewSession creates a session for serverID. The session is idle until
// Connect is called.
func NewSession(serverID string, fetcher CredentialFetcher, opts ...Option) *Session {
	s := &Session{
		serverID: serverID,
		fetcher:  fetcher,
		dial:     WebsocketDialer,
		state:    NewState(""),
		status:   StatusDisconnected,
		logger:   log.WithComponent("session").With().Str("server_id", serverID).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the session's observable state.
func (s *Session) State() *State { return s.state }

// Status returns the current connection status.
func (s *Session) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the single user-visible error slot, empty when clear.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Connect starts the connection cycle. It returns immediately; progress is
// observable through Status and State.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.disposed || s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.manualClose = false
	s.mu.Unlock()
	go s.connect()
}

// Reconnect drops any current connection, clears the error slot, resets the
// attempt counter, and connects again.
func (s *Session) Reconnect() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.lastError = ""
	s.manualClose = true
	s.stopTimerLocked()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	go s.connect()
}

// Disconnect closes the connection. With keepForReconnect the session
// schedules an automatic reconnect; without it the session stays down until
// Connect or Reconnect is called.
func (s *Session) Disconnect(keepForReconnect bool) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.manualClose = true
	s.stopTimerLocked()
	s.gen++
	gen := s.gen
	conn := s.conn
	s.conn = nil
	if !keepForReconnect {
		s.status = StatusDisconnected
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if keepForReconnect {
		s.scheduleReconnect(gen)
	}
}

// Dispose permanently shuts the session down. It must not be reused after.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.stopTimerLocked()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.status = StatusDisconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// SendCommand sends a console command to the server. The session must be
// connected and authenticated.
func (s *Session) SendCommand(text string) error {
	if s.Status() != StatusConnected {
		return fmt.Errorf("session for server %s is not connected", s.serverID)
	}
	return s.send(&remote.Message{Event: remote.EventSendCommand, Args: []string{text}})
}

// SendPowerAction requests a power state change over the socket.
func (s *Session) SendPowerAction(action types.PowerAction) error {
	if !types.ValidPowerAction(action) {
		return fmt.Errorf("invalid power action: %s", action)
	}
	if s.Status() != StatusConnected {
		return fmt.Errorf("session for server %s is not connected", s.serverID)
	}
	return s.send(&remote.Message{Event: remote.EventSetState, Args: []string{string(action)}})
}

func (s *Session) send(msg *remote.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session for server %s has no connection", s.serverID)
	}
	return conn.WriteMessage(msg)
}

func (s *Session) stopTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// setError fills the user-visible error slot only when no more specific
// error is already present. Cleared on successful authentication.
func (s *Session) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError == "" {
		s.lastError = msg
	}
}

// connect performs one full connect attempt: fetch credentials, dial,
// authenticate, then pump messages until the connection drops.
func (s *Session) connect() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.manualClose = false
	s.gen++
	gen := s.gen
	if s.attempts == 0 {
		s.status = StatusConnecting
	} else {
		s.status = StatusReconnecting
	}
	creds := s.creds
	s.mu.Unlock()

	if creds == nil {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		fetched, err := s.fetcher.FetchCredentials(ctx, s.serverID)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to fetch socket credentials")
			s.connectFailed(gen, "failed to fetch socket credentials")
			return
		}
		if fetched.Unavailable {
			s.connectFailed(gen, fetched.Message)
			return
		}
		s.mu.Lock()
		s.creds = fetched
		s.mu.Unlock()
		creds = fetched
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	conn, err := s.dial(ctx, creds.SocketURL)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket dial failed")
		s.connectFailed(gen, "could not connect to server socket")
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.disposed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if err := conn.WriteMessage(&remote.Message{Event: remote.EventAuth, Args: []string{creds.Token}}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send auth frame")
		conn.Close()
		s.connectFailed(gen, "could not connect to server socket")
		return
	}

	s.readLoop(gen, conn)
}

func (s *Session) connectFailed(gen uint64, msg string) {
	s.mu.Lock()
	if s.gen != gen || s.disposed {
		s.mu.Unlock()
		return
	}
	if msg != "" && s.lastError == "" {
		s.lastError = msg
	}
	s.mu.Unlock()
	s.scheduleReconnect(gen)
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, err)
			return
		}
		s.handleMessage(gen, msg)
	}
}

func (s *Session) handleClose(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.disposed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	manual := s.manualClose
	s.mu.Unlock()

	var ce *CloseError
	clean := errors.As(err, &ce) &&
		(ce.Code == 1000 || ce.Code == 1001)

	if manual || clean {
		s.mu.Lock()
		if s.gen == gen {
			s.status = StatusDisconnected
		}
		s.mu.Unlock()
		return
	}

	s.logger.Info().Err(err).Msg("Websocket connection lost")
	s.setError("connection to server socket was lost")
	s.scheduleReconnect(gen)
}

// scheduleReconnect arms the backoff timer for the next attempt, or marks
// the session failed once the attempt budget is spent. The gen check under
// the arming lock keeps a concurrent Disconnect or Reconnect from racing a
// stale caller into a live timer.
func (s *Session) scheduleReconnect(gen uint64) {
	s.mu.Lock()
	if s.disposed || s.gen != gen || s.reconnectTimer != nil {
		s.mu.Unlock()
		return
	}
	if s.attempts >= maxReconnectAttempts {
		s.status = StatusFailed
		if s.lastError == "" {
			s.lastError = "connection failed"
		}
		s.mu.Unlock()
		metrics.SessionFailuresTotal.WithLabelValues("reconnect_exhausted").Inc()
		s.logger.Error().Int("attempts", maxReconnectAttempts).Msg("Giving up on websocket reconnect")
		return
	}
	delay := reconnectDelayFn(s.attempts)
	s.attempts++
	s.status = StatusReconnecting
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		stale := s.gen != gen || s.disposed
		s.mu.Unlock()
		if stale {
			return
		}
		s.connect()
	})
	s.mu.Unlock()

	metrics.SessionReconnectsTotal.Inc()
	s.logger.Info().Dur("delay", delay).Msg("Scheduled websocket reconnect")
}

func (s *Session) handleMessage(gen uint64, msg *remote.Message) {
	s.mu.Lock()
	stale := s.gen != gen || s.disposed
	s.mu.Unlock()
	if stale {
		// An orphaned connection's read loop must not touch shared state.
		return
	}

	arg := ""
	if len(msg.Args) > 0 {
		arg = msg.Args[0]
	}
	s.state.RecordEvent(msg.Event, arg)

	switch msg.Event {
	case remote.EventAuthSuccess:
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.attempts = 0
		s.status = StatusConnected
		s.lastError = ""
		s.mu.Unlock()
		s.logger.Debug().Msg("Websocket authenticated")
		_ = s.send(&remote.Message{Event: remote.EventSendLogs})
		_ = s.send(&remote.Message{Event: remote.EventSendStats})

	case remote.EventAuthFailed:
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.status = StatusAuthFailed
		s.lastError = "could not authenticate with the server socket"
		s.manualClose = true
		s.creds = nil
		s.gen++
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		metrics.SessionFailuresTotal.WithLabelValues("auth").Inc()
		s.logger.Warn().Msg("Websocket authentication rejected")

	case remote.EventStatus:
		s.state.SetPowerState(types.PowerState(arg))

	case remote.EventConsoleOutput, remote.EventInstallOutput,
		remote.EventDaemonMessage, remote.EventDaemonError:
		for _, line := range msg.Args {
			s.state.AppendConsole(line)
		}

	case remote.EventStats:
		var sample Stats
		if err := json.Unmarshal([]byte(arg), &sample); err != nil {
			s.logger.Debug().Err(err).Msg("Discarding malformed stats payload")
			return
		}
		s.state.PushStats(sample)
		s.state.SetPowerState(sample.State)

	case remote.EventInstallStarted:
		s.state.SetBanner(BannerInstalling, "Running installation process", -1)

	case remote.EventInstallCompleted:
		s.state.SetBanner(BannerNormal, "", -1)

	case remote.EventTransferStatus:
		switch arg {
		case "success":
			s.state.SetBanner(BannerNormal, "", -1)
		case "failure":
			s.state.SetBanner(BannerError, "Transfer failed", -1)
		default:
			// The daemon reports percentage complete as a second arg on
			// archive/upload phases.
			progress := -1
			if len(msg.Args) > 1 {
				if p, err := strconv.Atoi(msg.Args[1]); err == nil && p >= 0 && p <= 100 {
					progress = p
				}
			}
			s.state.SetBanner(BannerTransferring, arg, progress)
		}

	case remote.EventTransferLogs:
		for _, line := range msg.Args {
			s.state.AppendConsole(line)
		}

	case remote.EventBackupCompleted, remote.EventBackupRestoreCompleted:
		s.state.SetBanner(BannerNormal, "", -1)

	case remote.EventTokenExpiring:
		go s.refreshToken(gen, false)

	case remote.EventTokenExpired:
		go s.refreshToken(gen, true)
	}
}

// refreshToken fetches fresh credentials and either re-authenticates on the
// live connection or, when forced or when the socket URL moved, performs a
// full reconnect. Concurrent callers share one in-flight refresh.
func (s *Session) refreshToken(gen uint64, forceReconnect bool) {
	s.mu.Lock()
	if s.disposed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.refreshDone != nil {
		done := s.refreshDone
		s.mu.Unlock()
		<-done
		return
	}
	done := make(chan struct{})
	s.refreshDone = done
	old := s.creds
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	fetched, err := s.fetcher.FetchCredentials(ctx, s.serverID)
	cancel()

	s.mu.Lock()
	s.refreshDone = nil
	if s.disposed || s.gen != gen {
		s.mu.Unlock()
		close(done)
		return
	}
	if err != nil || fetched.Unavailable {
		// The live connection's token is about to lapse and no replacement
		// exists. Orphan it now so its read loop cannot keep feeding state
		// alongside the reconnect attempt.
		s.creds = nil
		s.gen++
		gen = s.gen
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		close(done)
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("Token refresh failed")
			s.setError("failed to refresh socket credentials")
		} else {
			s.setError(fetched.Message)
		}
		s.scheduleReconnect(gen)
		return
	}
	s.creds = fetched
	conn := s.conn
	s.mu.Unlock()
	close(done)

	urlChanged := old != nil && old.SocketURL != fetched.SocketURL
	if forceReconnect || urlChanged || conn == nil {
		s.logger.Info().Bool("url_changed", urlChanged).Msg("Reconnecting with refreshed credentials")
		s.Reconnect()
		return
	}
	if err := conn.WriteMessage(&remote.Message{Event: remote.EventAuth, Args: []string{fetched.Token}}); err != nil {
		s.logger.Warn().Err(err).Msg("In-place reauthentication failed")
		s.Reconnect()
	}
}
