// Package agent provides the HTTP and WebSocket clients the backup engine
// uses to talk to the Halcyon server.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// Client is an HTTP client for communicating with the Halcyon server.
// Methods perform a single attempt; callers wrap them in the retry engine
// with whichever attempt budget the operation warrants.
type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new agent API client.
func NewClient(serverURL, apiKey string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		serverURL:  serverURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "api_client").Logger(),
	}
}

// Heartbeat announces the agent's platform and version and returns the
// server-assigned agent identity.
func (c *Client) Heartbeat(ctx context.Context, req *models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	if req.OSInfo == nil {
		req.OSInfo = &models.OSInfo{OS: runtime.GOOS, Arch: runtime.GOARCH}
	}

	var resp models.HeartbeatResponse
	if err := c.post(ctx, "/heartbeat", req, &resp); err != nil {
		return nil, fmt.Errorf("send heartbeat: %w", err)
	}
	return &resp, nil
}

// GetConfigs retrieves the backup configurations assigned to this agent.
// Each is a read-only snapshot valid for the current cycle only.
func (c *Client) GetConfigs(ctx context.Context) ([]models.BackupConfig, error) {
	var configs []models.BackupConfig
	if err := c.get(ctx, "/configs", &configs); err != nil {
		return nil, fmt.Errorf("get configs: %w", err)
	}
	return configs, nil
}

// UploadTarget describes where and how to upload an archive body.
type UploadTarget struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	S3Path string `json:"s3_path,omitempty"`
}

// StartBackupResponse is the server response to a backup start call.
type StartBackupResponse struct {
	LogID  uuid.UUID     `json:"log_id"`
	Upload *UploadTarget `json:"upload,omitempty"`
}

// StartBackup begins a server-side log entry for a backup run. For archive
// configurations the response carries a time-limited pre-signed upload URL.
func (c *Client) StartBackup(ctx context.Context, configID uuid.UUID, filename string) (*StartBackupResponse, error) {
	req := map[string]string{
		"config_id": configID.String(),
		"filename":  filename,
	}

	var resp StartBackupResponse
	if err := c.post(ctx, "/backup/start", req, &resp); err != nil {
		return nil, fmt.Errorf("start backup: %w", err)
	}
	return &resp, nil
}

// CompleteBackupRequest finalizes a server-side log entry.
type CompleteBackupRequest struct {
	LogID            uuid.UUID `json:"log_id"`
	Status           string    `json:"status"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Errors           []string  `json:"errors,omitempty"`
}

// CompleteBackup finalizes the log entry started by StartBackup. The server
// treats it as idempotent, so it is safe to retry.
func (c *Client) CompleteBackup(ctx context.Context, req *CompleteBackupRequest) error {
	if err := c.post(ctx, "/backup/complete", req, nil); err != nil {
		return fmt.Errorf("complete backup: %w", err)
	}
	return nil
}

// Log mirrors a log line to the server. Best effort: failures are logged
// at debug level and swallowed.
func (c *Client) Log(ctx context.Context, level, message string, metadata map[string]any) {
	req := map[string]any{
		"level":   level,
		"message": message,
	}
	if len(metadata) > 0 {
		req["metadata"] = metadata
	}

	if err := c.post(ctx, "/log", req, nil); err != nil {
		c.logger.Debug().Err(err).Msg("remote log mirror failed")
	}
}

// SizeRequest is a server request to assess the on-disk size of paths.
type SizeRequest struct {
	ID       uuid.UUID `json:"id"`
	ConfigID uuid.UUID `json:"config_id"`
	Paths    []string  `json:"paths"`
}

// GetSizeRequests retrieves pending size-estimation requests.
func (c *Client) GetSizeRequests(ctx context.Context) ([]SizeRequest, error) {
	var reqs []SizeRequest
	if err := c.get(ctx, "/size-requests", &reqs); err != nil {
		return nil, fmt.Errorf("get size requests: %w", err)
	}
	return reqs, nil
}

// SizeAssessment reports the measured size for a size request.
type SizeAssessment struct {
	RequestID  uuid.UUID `json:"request_id"`
	TotalBytes int64     `json:"total_bytes"`
	TotalFiles int       `json:"total_files"`
	Errors     []string  `json:"errors,omitempty"`
}

// ReportSizeAssessment submits the result of a size-estimation walk.
func (c *Client) ReportSizeAssessment(ctx context.Context, a *SizeAssessment) error {
	if err := c.post(ctx, "/size-assessment", a, nil); err != nil {
		return fmt.Errorf("report size assessment: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &classify.StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	if result != nil && len(body) > 0 {
		return json.Unmarshal(body, result)
	}
	return nil
}
