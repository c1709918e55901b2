package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/weft/internal/client"
	"github.com/gosuda/weft/internal/event"
)

// stateServer fakes the saved-run-state endpoints and records what the
// client sent.
type stateServer struct {
	t          *testing.T
	stateCode  int
	stateBody  any
	restored   []string
	authHeader string
}

func (s *stateServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/state", func(w http.ResponseWriter, r *http.Request) {
		s.authHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.stateCode)
		if s.stateBody != nil {
			require.NoError(s.t, json.NewEncoder(w).Encode(s.stateBody))
		}
	})
	mux.HandleFunc("POST /v1/sessions/{instanceID}/restore", func(w http.ResponseWriter, r *http.Request) {
		s.restored = append(s.restored, r.PathValue("instanceID"))
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newStateAPI(t *testing.T, srv *stateServer, token string) *client.HTTPStateAPI {
	t.Helper()

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	return client.NewHTTPStateAPI(ts.URL, token, ts.Client())
}

// ---------------------------------------------------------------------------
// CheckForSavedSessionState
// ---------------------------------------------------------------------------

func TestCheckForSavedSessionState_ReturnsState(t *testing.T) {
	t.Parallel()

	srv := &stateServer{t: t, stateCode: http.StatusOK, stateBody: map[string]any{
		"instance_id": "x",
		"status":      "running",
		"session_id":  "sess",
		"updated_at":  42,
	}}
	api := newStateAPI(t, srv, "tok-1")

	state, err := api.CheckForSavedSessionState(context.Background())

	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "x", state.InstanceID)
	assert.Equal(t, event.StatusRunning, state.Status)
	assert.Equal(t, "sess", state.SessionID)
	assert.Equal(t, "Bearer tok-1", srv.authHeader)
}

func TestCheckForSavedSessionState_NotFoundIsNil(t *testing.T) {
	t.Parallel()

	srv := &stateServer{t: t, stateCode: http.StatusNotFound}
	api := newStateAPI(t, srv, "")

	state, err := api.CheckForSavedSessionState(context.Background())

	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestCheckForSavedSessionState_EmptyInstanceIsNil(t *testing.T) {
	t.Parallel()

	srv := &stateServer{t: t, stateCode: http.StatusOK, stateBody: map[string]any{
		"instance_id": "",
	}}
	api := newStateAPI(t, srv, "")

	state, err := api.CheckForSavedSessionState(context.Background())

	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestCheckForSavedSessionState_ServerErrorSurfacesDetail(t *testing.T) {
	t.Parallel()

	srv := &stateServer{t: t, stateCode: http.StatusInternalServerError, stateBody: map[string]any{
		"detail": "pool exhausted",
	}}
	api := newStateAPI(t, srv, "")

	_, err := api.CheckForSavedSessionState(context.Background())

	require.Error(t, err)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "pool exhausted", apiErr.Message)
}

// ---------------------------------------------------------------------------
// RestoreSessionState
// ---------------------------------------------------------------------------

func TestRestoreSessionState(t *testing.T) {
	t.Parallel()

	srv := &stateServer{t: t, stateCode: http.StatusNotFound}
	api := newStateAPI(t, srv, "tok-1")

	err := api.RestoreSessionState(context.Background(), "x")

	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, srv.restored)
}

func TestRestoreSessionState_EscapesInstanceID(t *testing.T) {
	t.Parallel()

	srv := &stateServer{t: t, stateCode: http.StatusNotFound}
	api := newStateAPI(t, srv, "")

	err := api.RestoreSessionState(context.Background(), "a b/c")

	require.NoError(t, err)
	require.Len(t, srv.restored, 1)
	assert.Equal(t, "a b/c", srv.restored[0])
}
