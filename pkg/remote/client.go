package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// defaultTimeout bounds every daemon HTTP request.
const defaultTimeout = 30 * time.Second

// API is the surface of a node daemon the orchestration layer consumes.
// Workflows depend on this interface so tests can stand in for a daemon.
type API interface {
	CreateServer(ctx context.Context, req *CreateServerRequest) error
	DeleteServer(ctx context.Context, uuid string) error
	ReinstallServer(ctx context.Context, uuid string) error
	ServerDetails(ctx context.Context, uuid string) (*ServerDetails, error)
	ServerResources(ctx context.Context, uuid string) (*types.ResourceUsage, error)
	Power(ctx context.Context, uuid string, action types.PowerAction) error

	ListBackups(ctx context.Context, uuid string) ([]*BackupDetails, error)
	CreateBackup(ctx context.Context, uuid string, req *BackupRequest) (*BackupDetails, error)
	DeleteBackup(ctx context.Context, uuid, backupID string) error
	RestoreBackup(ctx context.Context, uuid, backupID string, truncate bool) error

	ReadFile(ctx context.Context, uuid, path string) ([]byte, error)
	WriteFile(ctx context.Context, uuid, path string, content io.Reader) error
	ListFiles(ctx context.Context, uuid, directory string) ([]*FileEntry, error)
	DeleteFiles(ctx context.Context, uuid, root string, files []string) error

	SystemInfo(ctx context.Context) (*SystemInfo, error)
}

// Provider resolves a daemon client for a node. Transfers hold two clients at
// once (source and target), so resolution is per call rather than per service.
type Provider interface {
	ClientFor(node *types.Node) API
}

// ClientProvider is the default Provider backed by real HTTP clients.
type ClientProvider struct{}

func (ClientProvider) ClientFor(node *types.Node) API {
	return NewClient(node)
}

// CreateServerRequest is the provisioning payload sent to a daemon.
type CreateServerRequest struct {
	UUID        string            `json:"uuid"`
	Image       string            `json:"image"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	Limits      ServerLimits      `json:"limits"`
	Allocations []AllocationSpec  `json:"allocations"`
	// StartOnCompletion asks the daemon to boot the server once the install
	// script finishes.
	StartOnCompletion bool `json:"start_on_completion"`
}

// ServerLimits mirrors types.ServerLimits on the wire.
type ServerLimits struct {
	MemoryMB  int64 `json:"memory_mb"`
	SwapMB    int64 `json:"swap_mb"`
	DiskMB    int64 `json:"disk_mb"`
	IOWeight  int   `json:"io_weight"`
	CPUPct    int   `json:"cpu_pct"`
	OOMKiller bool  `json:"oom_killer"`
}

// AllocationSpec is one (ip, port) binding in a provisioning payload.
type AllocationSpec struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Primary bool   `json:"primary"`
}

// ServerDetails is the daemon's view of a server.
type ServerDetails struct {
	UUID        string           `json:"uuid"`
	State       types.PowerState `json:"state"`
	IsSuspended bool             `json:"is_suspended"`
}

// BackupRequest asks the daemon to take a backup.
type BackupRequest struct {
	UUID   string   `json:"uuid"`
	Name   string   `json:"name"`
	Ignore []string `json:"ignore,omitempty"`
}

// BackupDetails is daemon-reported backup metadata.
type BackupDetails struct {
	UUID        string     `json:"uuid"`
	Name        string     `json:"name,omitempty"`
	Checksum    string     `json:"checksum"`
	Bytes       int64      `json:"size"`
	Successful  bool       `json:"successful"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FileEntry is one entry in a daemon directory listing.
type FileEntry struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Directory bool      `json:"directory"`
	Modified  time.Time `json:"modified"`
}

// SystemInfo describes a node daemon.
type SystemInfo struct {
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	KernelName   string `json:"kernel_name"`
	CPUCount     int    `json:"cpu_count"`
}

// Client is a typed HTTP client bound to one daemon endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for a node's daemon using its stored address,
// port, and bearer token.
func NewClient(node *types.Node) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", node.Address, node.DaemonPort),
		token:   node.DaemonToken,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// NewClientForEndpoint creates a client for an explicit base URL. Used by
// tests and tooling that talk to a daemon without a stored node record.
func NewClientForEndpoint(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) CreateServer(ctx context.Context, req *CreateServerRequest) error {
	return c.do(ctx, http.MethodPost, "/api/servers", req, nil)
}

func (c *Client) DeleteServer(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/api/servers/"+uuid, nil, nil)
}

func (c *Client) ReinstallServer(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodPost, "/api/servers/"+uuid+"/reinstall", nil, nil)
}

func (c *Client) ServerDetails(ctx context.Context, uuid string) (*ServerDetails, error) {
	var details ServerDetails
	if err := c.do(ctx, http.MethodGet, "/api/servers/"+uuid, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (c *Client) ServerResources(ctx context.Context, uuid string) (*types.ResourceUsage, error) {
	var usage types.ResourceUsage
	if err := c.do(ctx, http.MethodGet, "/api/servers/"+uuid+"/resources", nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

func (c *Client) Power(ctx context.Context, uuid string, action types.PowerAction) error {
	if !types.ValidPowerAction(action) {
		return fmt.Errorf("invalid power action %q", action)
	}
	body := map[string]string{"action": string(action)}
	return c.do(ctx, http.MethodPost, "/api/servers/"+uuid+"/power", body, nil)
}

func (c *Client) ListBackups(ctx context.Context, uuid string) ([]*BackupDetails, error) {
	var backups []*BackupDetails
	if err := c.do(ctx, http.MethodGet, "/api/servers/"+uuid+"/backups", nil, &backups); err != nil {
		return nil, err
	}
	return backups, nil
}

func (c *Client) CreateBackup(ctx context.Context, uuid string, req *BackupRequest) (*BackupDetails, error) {
	var details BackupDetails
	if err := c.do(ctx, http.MethodPost, "/api/servers/"+uuid+"/backups", req, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (c *Client) DeleteBackup(ctx context.Context, uuid, backupID string) error {
	return c.do(ctx, http.MethodDelete, "/api/servers/"+uuid+"/backups/"+backupID, nil, nil)
}

func (c *Client) RestoreBackup(ctx context.Context, uuid, backupID string, truncate bool) error {
	body := map[string]bool{"truncate_directory": truncate}
	return c.do(ctx, http.MethodPost, "/api/servers/"+uuid+"/backups/"+backupID+"/restore", body, nil)
}

func (c *Client) ReadFile(ctx context.Context, uuid, path string) ([]byte, error) {
	endpoint := "/api/servers/" + uuid + "/files/contents?file=" + url.QueryEscape(path)
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: http.MethodGet, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkResponse(http.MethodGet, endpoint, resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) WriteFile(ctx context.Context, uuid, path string, content io.Reader) error {
	endpoint := "/api/servers/" + uuid + "/files/write?file=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, content)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	return c.checkResponse(http.MethodPost, endpoint, resp)
}

func (c *Client) ListFiles(ctx context.Context, uuid, directory string) ([]*FileEntry, error) {
	endpoint := "/api/servers/" + uuid + "/files/list?directory=" + url.QueryEscape(directory)
	var entries []*FileEntry
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) DeleteFiles(ctx context.Context, uuid, root string, files []string) error {
	body := map[string]interface{}{"root": root, "files": files}
	return c.do(ctx, http.MethodPost, "/api/servers/"+uuid+"/files/delete", body, nil)
}

func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.do(ctx, http.MethodGet, "/api/system", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// newRequest builds an authenticated request for the daemon.
func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do performs a JSON round trip against the daemon and maps failures onto the
// error taxonomy.
func (c *Client) do(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkResponse(method, endpoint, resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ConnectionError{Op: method, URL: endpoint, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

// checkResponse maps daemon status codes onto the error taxonomy:
// 401/403 terminal authentication failures, 404 not-found, everything else
// non-2xx a retryable connection failure.
func (c *Client) checkResponse(method, endpoint string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, endpoint, ErrAuthentication)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, endpoint, ErrNotFound)
	default:
		return &ConnectionError{
			Op:         method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("daemon error: %s", readErrorMessage(resp.Body)),
		}
	}
}

// readErrorMessage extracts the daemon's error string, falling back to a
// generic message on malformed bodies.
func readErrorMessage(r io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "unexpected response"
}
