package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPITimeout = 10 * time.Second

// APIError carries the HTTP status and server-side message of a failed
// saved-state call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// HTTPStateAPI talks to the saved-run-state endpoints over HTTP. It is the
// production StateAPI implementation used by the tail client.
type HTTPStateAPI struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
}

var _ StateAPI = (*HTTPStateAPI)(nil)

func NewHTTPStateAPI(baseURL, token string, httpClient *http.Client) *HTTPStateAPI {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPStateAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
		timeout: defaultAPITimeout,
	}
}

// CheckForSavedSessionState returns the server's persisted run state, or
// nil when none exists for this client's token.
func (c *HTTPStateAPI) CheckForSavedSessionState(ctx context.Context) (*SavedState, error) {
	body, status, err := c.request(ctx, http.MethodGet, "/v1/sessions/state", nil)
	if err != nil {
		return nil, fmt.Errorf("client.HTTPStateAPI.CheckForSavedSessionState: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 400 {
		return nil, fmt.Errorf("client.HTTPStateAPI.CheckForSavedSessionState: %w", apiError(status, body))
	}

	var state SavedState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("client.HTTPStateAPI.CheckForSavedSessionState: decode: %w", err)
	}
	if state.InstanceID == "" {
		return nil, nil
	}
	return &state, nil
}

// RestoreSessionState asks the server to resume a persisted run.
func (c *HTTPStateAPI) RestoreSessionState(ctx context.Context, instanceID string) error {
	path := "/v1/sessions/" + url.PathEscape(instanceID) + "/restore"
	body, status, err := c.request(ctx, http.MethodPost, path, struct{}{})
	if err != nil {
		return fmt.Errorf("client.HTTPStateAPI.RestoreSessionState: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("client.HTTPStateAPI.RestoreSessionState: %w", apiError(status, body))
	}
	return nil
}

func (c *HTTPStateAPI) request(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, 0, fmt.Errorf("encode body: %w", err)
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func apiError(status int, body []byte) error {
	var decoded struct {
		// Both plain error payloads and huma problem documents carry one
		// of these fields.
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := ""
	if err := json.Unmarshal(body, &decoded); err == nil {
		msg = decoded.Error
		if msg == "" {
			msg = decoded.Detail
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: status, Message: msg}
}
