package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
)

const (
	defaultTimeout = 15 * time.Second
	userAgent      = "DailyBrief/1.0"
)

// Client implements domain.ContentClient against the brief service
// HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new brief service client. A zero timeout selects
// the default request timeout.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// doRequest performs an authenticated HTTP request and returns the
// response status and body. Transport failures map to ErrServerOffline;
// status handling is left to the caller.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	reqURL := fmt.Sprintf("%s%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("brief service request", "method", method, "url", reqURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("brief service request failed", "error", err)
		return 0, nil, domain.ErrServerOffline
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, body, nil
}

// FetchToday returns the daily record the service currently publishes.
func (c *Client) FetchToday(ctx context.Context) (*domain.ContentRecord, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, "/content/today", nil)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, domain.ErrAuthFailed
	}
	if status != http.StatusOK {
		c.logger.Error("brief fetch error", "status", status, "body", string(body))
		return nil, fmt.Errorf("fetch today: unexpected status code: %d", status)
	}

	var payload briefPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.logger.Error("brief parse error", "error", err, "bodyLen", len(body))
		return nil, fmt.Errorf("fetch today: failed to parse response: %w", err)
	}

	return mapBrief(payload, len(body))
}

// SubmitInteraction delivers one queued interaction. Failures are
// classified through SubmitError so the sync manager can decide between
// retry, dead-letter and pause.
func (c *Client) SubmitInteraction(ctx context.Context, item domain.SyncQueueItem) error {
	status, body, err := c.doRequest(ctx, http.MethodPost, "/content/interactions", mapInteraction(item))
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted:
		return nil
	case status == http.StatusConflict:
		// The endpoint already holds an event with this client ID; the
		// original delivery succeeded but its acknowledgment was lost.
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.SubmitError{Class: domain.FailureFatal, Status: status, Err: domain.ErrAuthFailed}
	case status >= 400 && status < 500:
		c.logger.Error("interaction rejected", "status", status, "body", string(body))
		return &domain.SubmitError{Class: domain.FailureRejected, Status: status, Err: fmt.Errorf("endpoint rejected interaction: %s", strings.TrimSpace(string(body)))}
	default:
		return &domain.SubmitError{Class: domain.FailureTransient, Status: status, Err: fmt.Errorf("unexpected status code: %d", status)}
	}
}
