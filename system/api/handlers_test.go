package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/policy"
)

func TestHandleExecutionRunRoundTrip(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	s, root := newTestServer(t, store)
	writeDummyComponent(t, root, ref)

	router := NewRouter(s, nil)

	body, err := json.Marshal(rpcRequest{
		Action: "run",
		Params: mustJSON(t, RunParams{Reference: ref.String()}),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// A post-journal-write failure (the dummy bytes are not valid WASM)
	// is still reported as HTTP 200 with the failure inside the body.
	assert.Equal(t, http.StatusOK, rr.Code)

	var out RunResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.NotEmpty(t, out.ExecutionID)
	assert.NotEmpty(t, out.ErrorMessage)
}

func TestHandleExecutionRunPreflightRejectionIsHTTPError(t *testing.T) {
	s, _ := newTestServer(t, policy.NewStaticStore(nil))
	router := NewRouter(s, nil)

	body, err := json.Marshal(rpcRequest{
		Action: "run",
		Params: mustJSON(t, RunParams{Reference: "not-a-reference"}),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.NotEqual(t, http.StatusOK, rr.Code)

	var env struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.NotEmpty(t, env.Error.Type)
}

func TestHandleExecutionUnknownAction(t *testing.T) {
	s, _ := newTestServer(t, policy.NewStaticStore(nil))
	router := NewRouter(s, nil)

	body, err := json.Marshal(rpcRequest{Action: "explode"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleResourceNotFoundForUnknownID(t *testing.T) {
	s, _ := newTestServer(t, policy.NewStaticStore(nil))
	router := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/opus/executions/does-not-exist", nil)
	req.Header.Set(userIDHeader, "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthzReportsOK(t *testing.T) {
	s, _ := newTestServer(t, policy.NewStaticStore(nil))
	router := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
