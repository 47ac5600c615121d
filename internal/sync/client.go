package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

// CreateResult is the server's answer to an accepted create.
type CreateResult struct {
	ServerID string `json:"server_id"`
	Version  int    `json:"version"`
}

// BatchItemResult is the per-record outcome of a batch create.
type BatchItemResult struct {
	ClientID string `json:"client_id"`
	ServerID string `json:"server_id,omitempty"`
	Version  int    `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UpdateResult is the server's answer to a status update. On acceptance
// Record carries the server's copy with its new version; when the server
// holds a newer version, Conflict carries its copy instead.
type UpdateResult struct {
	OK       bool
	Record   *models.Notification
	Conflict *models.Notification
}

// Client is the logical transport to the server of record. Every call
// carries a fixed request timeout; a timeout is indistinguishable from a
// network failure and is retried the same way.
type Client interface {
	CreateNotification(ctx context.Context, record *models.Notification) (CreateResult, error)
	BatchCreate(ctx context.Context, records []*models.Notification) ([]BatchItemResult, error)
	UpdateStatus(ctx context.Context, serverID string, action models.StatusAction, baseVersion int) (UpdateResult, error)
	DeleteNotification(ctx context.Context, serverID string) error
}

// HTTPClient talks to the notification API over HTTP.
type HTTPClient struct {
	baseURL  string
	deviceID string
	http     *http.Client
}

// NewHTTPClient constructs a client with the given per-request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("sync client: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("sync client: invalid base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// SetDeviceID tags outgoing requests so the push channel can skip echoing
// this device's own changes back to it.
func (c *HTTPClient) SetDeviceID(id string) {
	c.deviceID = id
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CreateNotification sends one record and returns the assigned server id.
func (c *HTTPClient) CreateNotification(ctx context.Context, record *models.Notification) (CreateResult, error) {
	var result CreateResult
	env, status, err := c.do(ctx, http.MethodPost, "/api/v1/notifications", record)
	if err != nil {
		return result, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return result, c.statusError(status, env)
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return result, apperrors.Wrap(err, "decode create response")
	}
	return result, nil
}

// BatchCreate sends a slice of records through the multi-item endpoint.
func (c *HTTPClient) BatchCreate(ctx context.Context, records []*models.Notification) ([]BatchItemResult, error) {
	payload := struct {
		Notifications []*models.Notification `json:"notifications"`
	}{Notifications: records}

	env, status, err := c.do(ctx, http.MethodPost, "/api/v1/notifications/batch", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusMultiStatus {
		return nil, c.statusError(status, env)
	}

	var decoded struct {
		Results []BatchItemResult `json:"results"`
	}
	if err := json.Unmarshal(env.Data, &decoded); err != nil {
		return nil, apperrors.Wrap(err, "decode batch response")
	}
	return decoded.Results, nil
}

// UpdateStatus applies a user action server-side. A 409 is not an error: the
// server's copy comes back for local conflict resolution.
func (c *HTTPClient) UpdateStatus(ctx context.Context, serverID string, action models.StatusAction, baseVersion int) (UpdateResult, error) {
	payload := struct {
		Action  models.StatusAction `json:"action"`
		Version int                 `json:"version"`
	}{Action: action, Version: baseVersion}

	path := fmt.Sprintf("/api/v1/notifications/%s/status", url.PathEscape(serverID))
	env, status, err := c.do(ctx, http.MethodPut, path, payload)
	if err != nil {
		return UpdateResult{}, err
	}

	switch status {
	case http.StatusOK:
		result := UpdateResult{OK: true}
		if len(env.Data) > 0 {
			var record models.Notification
			if err := json.Unmarshal(env.Data, &record); err != nil {
				return UpdateResult{}, apperrors.Wrap(err, "decode update response")
			}
			result.Record = &record
		}
		return result, nil
	case http.StatusConflict:
		var server models.Notification
		if env.Error != nil && len(env.Error.Details) > 0 {
			if err := json.Unmarshal(env.Error.Details, &server); err != nil {
				return UpdateResult{}, apperrors.Wrap(err, "decode conflict payload")
			}
		}
		return UpdateResult{Conflict: &server}, nil
	default:
		return UpdateResult{}, c.statusError(status, env)
	}
}

// DeleteNotification removes a record server-side.
func (c *HTTPClient) DeleteNotification(ctx context.Context, serverID string) error {
	path := fmt.Sprintf("/api/v1/notifications/%s", url.PathEscape(serverID))
	env, status, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	// A delete for a record the server never saw is already done.
	if status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound {
		return nil
	}
	return c.statusError(status, env)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (apiEnvelope, int, error) {
	var env apiEnvelope

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return env, 0, apperrors.Wrap(err, "encode request body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return env, 0, apperrors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return env, 0, apperrors.ErrRequestTimeout.WithInternal(err)
		}
		return env, 0, apperrors.ErrNetworkUnavailable.WithInternal(err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		// Non-JSON bodies (proxies, load balancers) are treated by status.
		env = apiEnvelope{}
	}
	return env, resp.StatusCode, nil
}

// statusError maps an HTTP status to the error taxonomy: 5xx is transient
// and retried, 4xx is permanent and abandoned after the retry budget.
func (c *HTTPClient) statusError(status int, env apiEnvelope) error {
	message := fmt.Sprintf("server returned status %d", status)
	if env.Error != nil && env.Error.Message != "" {
		message = env.Error.Message
	}

	kind := apperrors.KindPermanent
	if status >= 500 {
		kind = apperrors.KindTransient
	}
	return &apperrors.AppError{
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    message,
		Kind:       kind,
		StatusCode: status,
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
