package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RepGraphics/panel-sub000/pkg/backup"
	"github.com/RepGraphics/panel-sub000/pkg/events"
	"github.com/RepGraphics/panel-sub000/pkg/orchestrator"
	"github.com/RepGraphics/panel-sub000/pkg/remote"
	"github.com/RepGraphics/panel-sub000/pkg/schedule"
	"github.com/RepGraphics/panel-sub000/pkg/session"
	"github.com/RepGraphics/panel-sub000/pkg/storage"
	"github.com/RepGraphics/panel-sub000/pkg/transfer"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// fakeDaemon answers every remote call successfully.
type fakeDaemon struct{}

func (fakeDaemon) CreateServer(context.Context, *remote.CreateServerRequest) error { return nil }
func (fakeDaemon) DeleteServer(context.Context, string) error                      { return nil }
func (fakeDaemon) ReinstallServer(context.Context, string) error                   { return nil }
func (fakeDaemon) ServerDetails(_ context.Context, uuid string) (*remote.ServerDetails, error) {
	return &remote.ServerDetails{UUID: uuid, State: types.PowerStateRunning}, nil
}
func (fakeDaemon) ServerResources(context.Context, string) (*types.ResourceUsage, error) {
	return nil, nil
}
func (fakeDaemon) Power(context.Context, string, types.PowerAction) error { return nil }
func (fakeDaemon) ListBackups(context.Context, string) ([]*remote.BackupDetails, error) {
	return nil, nil
}
func (fakeDaemon) CreateBackup(_ context.Context, _ string, req *remote.BackupRequest) (*remote.BackupDetails, error) {
	now := time.Now()
	return &remote.BackupDetails{UUID: req.UUID, Name: req.Name, Checksum: "sha1:x", Bytes: 1, Successful: true, CompletedAt: &now}, nil
}
func (fakeDaemon) DeleteBackup(context.Context, string, string) error        { return nil }
func (fakeDaemon) RestoreBackup(context.Context, string, string, bool) error { return nil }
func (fakeDaemon) ReadFile(context.Context, string, string) ([]byte, error)  { return nil, nil }
func (fakeDaemon) WriteFile(context.Context, string, string, io.Reader) error {
	return nil
}
func (fakeDaemon) ListFiles(context.Context, string, string) ([]*remote.FileEntry, error) {
	return nil, nil
}
func (fakeDaemon) DeleteFiles(context.Context, string, string, []string) error { return nil }
func (fakeDaemon) SystemInfo(context.Context) (*remote.SystemInfo, error)      { return nil, nil }

type fakeProvider struct{}

func (fakeProvider) ClientFor(*types.Node) remote.API { return fakeDaemon{} }

type noopExecutor struct{}

func (noopExecutor) SendCommand(context.Context, string, string) error                { return nil }
func (noopExecutor) PowerAction(context.Context, string, types.PowerAction) error     { return nil }
func (noopExecutor) CreateBackup(ctx context.Context, serverID, name string) error { return nil }

type noopFetcher struct{}

func (noopFetcher) FetchCredentials(context.Context, string) (*session.Credentials, error) {
	return &session.Credentials{Token: "t", SocketURL: "ws://node/ws"}, nil
}

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	provider := fakeProvider{}
	fast := orchestrator.Policy{Attempts: 3, Interval: time.Millisecond}
	orch := orchestrator.New(store, provider, broker,
		orchestrator.WithInstallPoll(fast), orchestrator.WithDeletePoll(fast))
	sessions := session.NewManager(noopFetcher{})
	t.Cleanup(sessions.Stop)
	runner := schedule.NewRunner(store, noopExecutor{}, broker)

	require.NoError(t, store.CreateNode(&types.Node{ID: "node-1", Name: "alpha", Address: "10.0.0.1", DaemonPort: 8080}))
	require.NoError(t, store.CreateServer(&types.Server{
		ID: "srv-1", UUID: "uuid-1", Name: "test", NodeID: "node-1", AllocationID: "alloc-1",
	}))
	require.NoError(t, store.CreateAllocation(&types.Allocation{
		ID: "alloc-1", NodeID: "node-1", IP: "10.0.0.1", Port: 25565, ServerID: "srv-1", Primary: true,
	}))

	return NewServer(Deps{
		Store:     store,
		Lifecycle: orch,
		Transfers: transfer.New(store, provider, broker),
		Backups:   backup.New(store, provider, broker),
		Sessions:  sessions,
		Runner:    runner,
	}), store
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)

	rec = doJSON(t, s, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "ok", ready.Checks["store"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "panel_")
}

func TestGetServer(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/servers/srv-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var server types.Server
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &server))
	assert.Equal(t, "uuid-1", server.UUID)

	rec = doJSON(t, s, http.MethodGet, "/api/servers/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvisionEndpoint(t *testing.T) {
	s, store := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/servers/srv-1/provision", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	server, err := store.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.ServerStatusInstalled, server.Status)

	// A second provision conflicts with the installed status.
	rec = doJSON(t, s, http.MethodPost, "/api/servers/srv-1/provision", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPowerEndpointValidatesAction(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/servers/srv-1/power", map[string]string{"action": "restart"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/servers/srv-1/power", map[string]string{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferValidationEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Target node equals current node, so validation must fail.
	rec := doJSON(t, s, http.MethodPost, "/api/servers/srv-1/transfers/validate", transferRequest{
		TargetNodeID:       "node-1",
		TargetAllocationID: "alloc-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var res transfer.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Valid)

	rec = doJSON(t, s, http.MethodPost, "/api/servers/srv-1/transfers", transferRequest{
		TargetNodeID:       "node-1",
		TargetAllocationID: "alloc-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBackupLifecycleEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/servers/srv-1/backups", map[string]string{"name": "weekly"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var record types.Backup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))

	rec = doJSON(t, s, http.MethodPost, "/api/backups/"+record.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Locked backups cannot be deleted.
	rec = doJSON(t, s, http.MethodDelete, "/api/backups/"+record.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/backups/"+record.ID+"/unlock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodDelete, "/api/backups/"+record.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRestoreMarksSessionRestoring(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/servers/srv-1/backups", map[string]string{"name": "weekly"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var record types.Backup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))

	sess, err := s.deps.Sessions.Connect("srv-1")
	require.NoError(t, err)

	rec = doJSON(t, s, http.MethodPost, "/api/backups/"+record.ID+"/restore", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	banner := sess.State().Banner()
	assert.Equal(t, session.BannerRestoring, banner.Status)
	assert.Equal(t, "Restoring backup", banner.Message)
}

func TestConsoleWithoutSession(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/servers/srv-1/console", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunScheduleEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateSchedule(&types.Schedule{
		ID: "sched-1", ServerID: "srv-1", Name: "nightly",
		Cron:    types.CronExpression{Minute: "*", Hour: "*", Day: "*", Month: "*", Weekday: "*"},
		Enabled: true,
	}))
	require.NoError(t, store.CreateScheduleTask(&types.ScheduleTask{
		ID: "task-1", ScheduleID: "sched-1", SequenceID: 1,
		Action: types.TaskActionCommand, Payload: "save-all",
	}))

	rec := doJSON(t, s, http.MethodPost, "/api/schedules/sched-1/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result schedule.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	require.Len(t, result.Tasks, 1)

	rec = doJSON(t, s, http.MethodPost, "/api/schedules/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
