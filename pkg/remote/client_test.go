package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RepGraphics/panel-sub000/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientForEndpoint(srv.URL, "token-1")
}

func TestRequestsCarryBearerToken(t *testing.T) {
	var gotAuth, gotAccept string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		json.NewEncoder(w).Encode(&SystemInfo{Version: "1.0"})
	})

	info, err := client.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0", info.Version)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
}

func TestCreateServerSendsPayload(t *testing.T) {
	var gotPath, gotContentType string
	var gotReq CreateServerRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.CreateServer(context.Background(), &CreateServerRequest{
		UUID:  "uuid-1",
		Image: "ghcr.io/acme/java:17",
		Allocations: []AllocationSpec{
			{IP: "10.0.0.1", Port: 25565, Primary: true},
		},
		StartOnCompletion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "POST /api/servers", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "uuid-1", gotReq.UUID)
	assert.True(t, gotReq.StartOnCompletion)
	require.Len(t, gotReq.Allocations, 1)
	assert.True(t, gotReq.Allocations[0].Primary)
}

func TestServerDetailsDecodesState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/servers/uuid-1", r.URL.Path)
		json.NewEncoder(w).Encode(&ServerDetails{UUID: "uuid-1", State: types.PowerStateRunning})
	})

	details, err := client.ServerDetails(context.Background(), "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, types.PowerStateRunning, details.State)
}

func TestPowerRejectsInvalidActionWithoutRequest(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	err := client.Power(context.Background(), "uuid-1", types.PowerAction("explode"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid power action")
	assert.Zero(t, calls)
}

func TestPowerSendsAction(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	})

	require.NoError(t, client.Power(context.Background(), "uuid-1", types.PowerActionRestart))
	assert.Equal(t, "restart", gotBody["action"])
}

func TestStatusCodeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuthentication(err))
				assert.False(t, IsConnectionError(err))
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuthentication(err))
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.True(t, IsNotFound(err))
				assert.False(t, IsConnectionError(err))
			},
		},
		{
			name:   "server error with message",
			status: http.StatusInternalServerError,
			body:   `{"error":"disk full"}`,
			check: func(t *testing.T, err error) {
				assert.True(t, IsConnectionError(err))
				assert.Contains(t, err.Error(), "disk full")
				assert.Contains(t, err.Error(), "500")
			},
		},
		{
			name:   "server error with malformed body",
			status: http.StatusBadGateway,
			body:   "<html>oops</html>",
			check: func(t *testing.T, err error) {
				assert.True(t, IsConnectionError(err))
				assert.Contains(t, err.Error(), "unexpected response")
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				if tc.body != "" {
					w.Write([]byte(tc.body))
				}
			})
			err := client.DeleteServer(context.Background(), "uuid-1")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestUnreachableDaemonIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewClientForEndpoint(srv.URL, "token-1")

	err := client.DeleteServer(context.Background(), "uuid-1")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Zero(t, errAs(t, err).StatusCode, "no status when the request never completed")
}

func errAs(t *testing.T, err error) *ConnectionError {
	t.Helper()
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	return ce
}

func TestCreateBackupRoundTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/servers/uuid-1/backups", r.URL.Path)
		var req BackupRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(&BackupDetails{
			UUID: req.UUID, Checksum: "sha1:deadbeef", Bytes: 4096, Successful: true,
		})
	})

	details, err := client.CreateBackup(context.Background(), "uuid-1", &BackupRequest{
		UUID: "bk-1", Name: "weekly",
	})
	require.NoError(t, err)
	assert.Equal(t, "bk-1", details.UUID)
	assert.Equal(t, "sha1:deadbeef", details.Checksum)
	assert.EqualValues(t, 4096, details.Bytes)
}

func TestRestoreBackupSendsTruncateFlag(t *testing.T) {
	var gotBody map[string]bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/servers/uuid-1/backups/bk-1/restore", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	})

	require.NoError(t, client.RestoreBackup(context.Background(), "uuid-1", "bk-1", true))
	assert.True(t, gotBody["truncate_directory"])
}

func TestFileEndpoints(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/files/contents"):
			assert.Equal(t, "configs/server.properties", r.URL.Query().Get("file"))
			w.Write([]byte("motd=hello"))
		case strings.HasSuffix(r.URL.Path, "/files/list"):
			json.NewEncoder(w).Encode([]*FileEntry{{Name: "world", Directory: true}})
		case strings.HasSuffix(r.URL.Path, "/files/write"):
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			body := make([]byte, 16)
			n, _ := r.Body.Read(body)
			assert.Equal(t, "motd=bye", string(body[:n]))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	content, err := client.ReadFile(context.Background(), "uuid-1", "configs/server.properties")
	require.NoError(t, err)
	assert.Equal(t, "motd=hello", string(content))

	entries, err := client.ListFiles(context.Background(), "uuid-1", "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Directory)

	err = client.WriteFile(context.Background(), "uuid-1", "configs/server.properties", strings.NewReader("motd=bye"))
	require.NoError(t, err)
}

func TestClientProviderBuildsFromNode(t *testing.T) {
	api := ClientProvider{}.ClientFor(&types.Node{
		Address: "10.0.0.5", DaemonPort: 8080, DaemonToken: "tok",
	})
	client, ok := api.(*Client)
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.5:8080", client.baseURL)
	assert.Equal(t, "tok", client.token)
}
