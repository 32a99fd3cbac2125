package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RepGraphics/panel-sub000/pkg/remote"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// fakeConn is a scriptable daemon socket. Tests feed inbound frames through
// deliver and inspect outbound frames through sent.
type fakeConn struct {
	in     chan *remote.Message
	closed chan struct{}
	errOut error

	mu   sync.Mutex
	sent []*remote.Message
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *remote.Message, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (*remote.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		if c.errOut != nil {
			return nil, c.errOut
		}
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *fakeConn) WriteMessage(msg *remote.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// dropWithError simulates the daemon closing the connection.
func (c *fakeConn) dropWithError(err error) {
	c.errOut = err
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) deliver(msg *remote.Message) {
	c.in <- msg
}

func (c *fakeConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, msg := range c.sent {
		out[i] = msg.Event
	}
	return out
}

func (c *fakeConn) lastSent(event string) (*remote.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == event {
			return c.sent[i], true
		}
	}
	return nil, false
}

// fakeFetcher returns a fixed credential response and counts calls.
type fakeFetcher struct {
	mu    sync.Mutex
	creds Credentials
	err   error
	calls int
}

func (f *fakeFetcher) FetchCredentials(_ context.Context, _ string) (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	creds := f.creds
	return &creds, nil
}

func (f *fakeFetcher) set(creds Credentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = creds
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDialer hands out fresh fakeConns and records dialed URLs.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	err   error
}

func (d *fakeDialer) dial(_ context.Context, socketURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, socketURL)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func fastBackoff(t *testing.T) {
	t.Helper()
	orig := reconnectDelayFn
	reconnectDelayFn = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(func() { reconnectDelayFn = orig })
}

func newTestSession(t *testing.T) (*Session, *fakeDialer, *fakeFetcher) {
	t.Helper()
	fetcher := &fakeFetcher{creds: Credentials{Token: "token-1", SocketURL: "ws://node/ws"}}
	dialer := &fakeDialer{}
	sess := NewSession("srv-1", fetcher, WithDialer(dialer.dial))
	t.Cleanup(sess.Dispose)
	return sess, dialer, fetcher
}

func waitForConn(t *testing.T, d *fakeDialer, i int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool { return d.dialCount() > i }, time.Second, time.Millisecond)
	return d.conn(i)
}

func authenticate(t *testing.T, sess *Session, conn *fakeConn) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := conn.lastSent(remote.EventAuth)
		return ok
	}, time.Second, time.Millisecond)
	conn.deliver(&remote.Message{Event: remote.EventAuthSuccess})
	require.Eventually(t, func() bool {
		return sess.Status() == StatusConnected
	}, time.Second, time.Millisecond)
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{9, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSessionAuthHandshake(t *testing.T) {
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	auth, ok := conn.lastSent(remote.EventAuth)
	if !ok {
		require.Eventually(t, func() bool {
			auth, ok = conn.lastSent(remote.EventAuth)
			return ok
		}, time.Second, time.Millisecond)
	}
	require.Equal(t, []string{"token-1"}, auth.Args)

	conn.deliver(&remote.Message{Event: remote.EventAuthSuccess})
	require.Eventually(t, func() bool {
		return sess.Status() == StatusConnected
	}, time.Second, time.Millisecond)

	// Logs and stats are requested right after authentication.
	require.Eventually(t, func() bool {
		events := conn.sentEvents()
		var logs, stats bool
		for _, ev := range events {
			logs = logs || ev == remote.EventSendLogs
			stats = stats || ev == remote.EventSendStats
		}
		return logs && stats
	}, time.Second, time.Millisecond)
	assert.Empty(t, sess.LastError())
}

func TestSessionAuthFailureIsTerminal(t *testing.T) {
	fastBackoff(t)
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	conn.deliver(&remote.Message{Event: remote.EventAuthFailed})

	require.Eventually(t, func() bool {
		return sess.Status() == StatusAuthFailed
	}, time.Second, time.Millisecond)
	assert.NotEmpty(t, sess.LastError())

	// No reconnect is attempted for rejected credentials.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSessionCleanCloseDoesNotReconnect(t *testing.T) {
	fastBackoff(t)
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	conn.dropWithError(&CloseError{Code: 1000})
	require.Eventually(t, func() bool {
		return sess.Status() == StatusDisconnected
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSessionUncleanCloseReconnects(t *testing.T) {
	fastBackoff(t)
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	conn.dropWithError(fmt.Errorf("read tcp: connection reset"))
	next := waitForConn(t, dialer, 1)
	authenticate(t, sess, next)

	// A successful reconnect clears the error slot again.
	assert.Empty(t, sess.LastError())
}

func TestSessionGivesUpAfterMaxAttempts(t *testing.T) {
	fastBackoff(t)
	fetcher := &fakeFetcher{creds: Credentials{Token: "t", SocketURL: "ws://node/ws"}}
	dialer := &fakeDialer{err: fmt.Errorf("dial tcp: connection refused")}
	sess := NewSession("srv-1", fetcher, WithDialer(dialer.dial))
	t.Cleanup(sess.Dispose)

	sess.Connect()
	require.Eventually(t, func() bool {
		return sess.Status() == StatusFailed
	}, 5*time.Second, time.Millisecond)
	assert.NotEmpty(t, sess.LastError())

	// 1 initial attempt plus maxReconnectAttempts retries.
	d := dialer.dialCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, d, dialer.dialCount())
	assert.Equal(t, 1+maxReconnectAttempts, func() int {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.urls)
	}())
}

func TestSessionTokenRefreshInPlace(t *testing.T) {
	sess, dialer, fetcher := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	fetcher.set(Credentials{Token: "token-2", SocketURL: "ws://node/ws"})
	conn.deliver(&remote.Message{Event: remote.EventTokenExpiring})

	require.Eventually(t, func() bool {
		auth, ok := conn.lastSent(remote.EventAuth)
		return ok && len(auth.Args) == 1 && auth.Args[0] == "token-2"
	}, time.Second, time.Millisecond)

	// Same connection keeps serving, no redial.
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, StatusConnected, sess.Status())
}

func TestSessionTokenExpiredForcesReconnect(t *testing.T) {
	fastBackoff(t)
	sess, dialer, fetcher := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	fetcher.set(Credentials{Token: "token-2", SocketURL: "ws://node/ws"})
	conn.deliver(&remote.Message{Event: remote.EventTokenExpired})

	next := waitForConn(t, dialer, 1)
	require.Eventually(t, func() bool {
		auth, ok := next.lastSent(remote.EventAuth)
		return ok && auth.Args[0] == "token-2"
	}, time.Second, time.Millisecond)
}

func TestSessionRefreshWithMovedSocketReconnects(t *testing.T) {
	fastBackoff(t)
	sess, dialer, fetcher := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	fetcher.set(Credentials{Token: "token-2", SocketURL: "ws://other-node/ws"})
	conn.deliver(&remote.Message{Event: remote.EventTokenExpiring})

	waitForConn(t, dialer, 1)
	require.Eventually(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.urls) >= 2 && dialer.urls[1] == "ws://other-node/ws"
	}, time.Second, time.Millisecond)
}

func TestSessionRefreshFailureDropsOldConnection(t *testing.T) {
	orig := reconnectDelayFn
	reconnectDelayFn = func(int) time.Duration { return 20 * time.Millisecond }
	t.Cleanup(func() { reconnectDelayFn = orig })
	sess, dialer, fetcher := newTestSession(t)
	sess.Connect()

	first := waitForConn(t, dialer, 0)
	authenticate(t, sess, first)

	fetcher.setErr(fmt.Errorf("store: backend unavailable"))
	first.deliver(&remote.Message{Event: remote.EventTokenExpiring})

	// The connection whose token could not be refreshed is closed, not left
	// pumping alongside the retry.
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("connection left open after failed token refresh")
	}

	fetcher.setErr(nil)
	second := waitForConn(t, dialer, 1)
	authenticate(t, sess, second)

	assert.Equal(t, StatusConnected, sess.Status())
	assert.Empty(t, sess.LastError())
	assert.Equal(t, 2, dialer.dialCount())
}

func TestSessionIgnoresMessagesFromOrphanedConnections(t *testing.T) {
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	sess.mu.Lock()
	orphaned := sess.gen
	sess.mu.Unlock()

	sess.Reconnect()
	next := waitForConn(t, dialer, 1)
	authenticate(t, sess, next)

	sess.handleMessage(orphaned, &remote.Message{
		Event: remote.EventConsoleOutput,
		Args:  []string{"line from a dead socket"},
	})
	assert.NotContains(t, sess.State().Logs(), "line from a dead socket")
}

func TestSessionDisconnectBeatsStaleReconnectScheduling(t *testing.T) {
	fastBackoff(t)
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	sess.mu.Lock()
	stale := sess.gen
	sess.mu.Unlock()

	sess.Disconnect(false)
	sess.scheduleReconnect(stale)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusDisconnected, sess.Status())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSessionStreamsIntoState(t *testing.T) {
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	conn.deliver(&remote.Message{Event: remote.EventConsoleOutput, Args: []string{"hello world"}})
	conn.deliver(&remote.Message{Event: remote.EventStatus, Args: []string{"running"}})
	conn.deliver(&remote.Message{
		Event: remote.EventStats,
		Args:  []string{`{"memory_bytes":1024,"cpu_absolute":12.5,"state":"running","network":{"rx_bytes":10,"tx_bytes":20}}`},
	})
	conn.deliver(&remote.Message{Event: remote.EventInstallStarted})

	require.Eventually(t, func() bool {
		return sess.State().Banner().Status == BannerInstalling
	}, time.Second, time.Millisecond)

	assert.Equal(t, types.PowerStateRunning, sess.State().PowerState())
	assert.Contains(t, sess.State().Logs(), "hello world")

	history := sess.State().StatsHistory()
	require.Len(t, history, 1)
	assert.Equal(t, int64(1024), history[0].MemoryBytes)
	assert.Equal(t, 12.5, history[0].CPUAbsolute)
	assert.Equal(t, int64(20), history[0].Network.TxBytes)
}

func TestSessionTransferStatusCarriesProgress(t *testing.T) {
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	conn.deliver(&remote.Message{Event: remote.EventTransferStatus, Args: []string{"archiving", "42"}})
	require.Eventually(t, func() bool {
		b := sess.State().Banner()
		return b.Status == BannerTransferring && b.Message == "archiving" && b.Progress == 42
	}, time.Second, time.Millisecond)

	// Phases without a percentage fall back to the indeterminate banner.
	conn.deliver(&remote.Message{Event: remote.EventTransferStatus, Args: []string{"pushing"}})
	require.Eventually(t, func() bool {
		b := sess.State().Banner()
		return b.Message == "pushing" && b.Progress == -1
	}, time.Second, time.Millisecond)

	conn.deliver(&remote.Message{Event: remote.EventTransferStatus, Args: []string{"success"}})
	require.Eventually(t, func() bool {
		return sess.State().Banner().Status == BannerNormal
	}, time.Second, time.Millisecond)
}

func TestSessionBackupEventsClearBanner(t *testing.T) {
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	sess.State().SetBanner(BannerRestoring, "Restoring backup", -1)
	conn.deliver(&remote.Message{Event: remote.EventBackupRestoreCompleted})
	require.Eventually(t, func() bool {
		return sess.State().Banner().Status == BannerNormal
	}, time.Second, time.Millisecond)

	sess.State().SetBanner(BannerRestoring, "Restoring backup", -1)
	conn.deliver(&remote.Message{Event: remote.EventBackupCompleted})
	require.Eventually(t, func() bool {
		return sess.State().Banner().Status == BannerNormal
	}, time.Second, time.Millisecond)
}

func TestSessionSendCommandRequiresConnection(t *testing.T) {
	sess, _, _ := newTestSession(t)
	err := sess.SendCommand("say hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestSessionSendPowerAction(t *testing.T) {
	sess, dialer, _ := newTestSession(t)
	sess.Connect()

	conn := waitForConn(t, dialer, 0)
	authenticate(t, sess, conn)

	require.NoError(t, sess.SendPowerAction(types.PowerActionRestart))
	msg, ok := conn.lastSent(remote.EventSetState)
	require.True(t, ok)
	assert.Equal(t, []string{"restart"}, msg.Args)

	err := sess.SendPowerAction(types.PowerAction("explode"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid power action")
}

func TestManagerReusesSessions(t *testing.T) {
	fetcher := &fakeFetcher{creds: Credentials{Token: "t", SocketURL: "ws://node/ws"}}
	dialer := &fakeDialer{}
	mgr := NewManager(fetcher, WithManagerDialer(dialer.dial))
	t.Cleanup(mgr.Stop)

	first, err := mgr.Connect("srv-1")
	require.NoError(t, err)
	second, err := mgr.Connect("srv-1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	got, ok := mgr.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, first, got)

	mgr.Disconnect("srv-1", false)
	_, ok = mgr.Get("srv-1")
	assert.False(t, ok)
}

func TestManagerStopRejectsNewSessions(t *testing.T) {
	fetcher := &fakeFetcher{creds: Credentials{Token: "t", SocketURL: "ws://node/ws"}}
	mgr := NewManager(fetcher, WithManagerDialer((&fakeDialer{}).dial))
	mgr.Stop()

	_, err := mgr.Connect("srv-1")
	require.Error(t, err)
}
