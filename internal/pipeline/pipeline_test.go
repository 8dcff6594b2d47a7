package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph-run/ralph-api/internal/apiconfig"
	"github.com/ralph-run/ralph-api/internal/auth"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := apiconfig.Config{
		Host:               "127.0.0.1",
		Port:               8787,
		ServedBy:           "ralph-apid-test",
		AuthMode:           auth.ModeTrustedLocal,
		IdempotencyTTLSecs: 600,
		WorkspaceRoot:      t.TempDir(),
		RalphCommand:       "true",
	}
	p, err := New(cfg, nil)
	require.NoError(t, err)
	return p
}

func rawBody(t *testing.T, method string, params map[string]any, meta map[string]any) []byte {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	body := map[string]any{
		"apiVersion": "v1",
		"id":         "req-1",
		"method":     method,
		"params":     params,
	}
	if meta != nil {
		body["meta"] = meta
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestHandleHTTPRequestSystemHealth(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)

	status, envelope := p.HandleHTTPRequest(context.Background(), r, rawBody(t, "system.health", nil, nil))

	require.Equal(t, http.StatusOK, status)
	result, ok := envelope["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", result["status"])
}

func TestHandleHTTPRequestRejectsMissingMethod(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)
	body := []byte(`{"apiVersion":"v1","id":"req-1","params":{}}`)

	status, envelope := p.HandleHTTPRequest(context.Background(), r, body)

	assert.Equal(t, http.StatusBadRequest, status)
	errBody, ok := envelope["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "INVALID_REQUEST", errBody["code"])
}

func TestHandleHTTPRequestRejectsUnknownMethod(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)

	status, envelope := p.HandleHTTPRequest(context.Background(), r, rawBody(t, "bogus.method", nil, nil))

	assert.Equal(t, http.StatusNotFound, status)
	errBody := envelope["error"].(map[string]any)
	assert.Equal(t, "METHOD_NOT_FOUND", errBody["code"])
}

func TestHandleHTTPRequestRejectsApiVersionMismatch(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)
	body := []byte(`{"apiVersion":"v2","id":"req-1","method":"system.health","params":{}}`)

	status, envelope := p.HandleHTTPRequest(context.Background(), r, body)

	assert.Equal(t, http.StatusBadRequest, status)
	errBody := envelope["error"].(map[string]any)
	assert.Equal(t, "INVALID_REQUEST", errBody["code"])
}

func TestHandleHTTPRequestMutationRequiresIdempotencyKey(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)
	params := map[string]any{"id": "task-1", "title": "Do the thing"}

	status, envelope := p.HandleHTTPRequest(context.Background(), r, rawBody(t, "task.create", params, nil))

	assert.Equal(t, http.StatusBadRequest, status)
	errBody := envelope["error"].(map[string]any)
	assert.Equal(t, "INVALID_PARAMS", errBody["code"])
}

func TestHandleHTTPRequestTaskCreateThenReplay(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)
	params := map[string]any{"id": "task-1", "title": "Do the thing"}
	meta := map[string]any{"idempotencyKey": "key-1"}

	status, envelope := p.HandleHTTPRequest(context.Background(), r, rawBody(t, "task.create", params, meta))
	require.Equal(t, http.StatusOK, status)
	result := envelope["result"].(map[string]any)
	createdTask := result["task"].(map[string]any)
	assert.Equal(t, "task-1", createdTask["id"])
	assert.Equal(t, "pending", createdTask["status"])

	status2, envelope2 := p.HandleHTTPRequest(context.Background(), r, rawBody(t, "task.create", params, meta))
	assert.Equal(t, http.StatusOK, status2)
	assert.Equal(t, envelope, envelope2)
}

func TestHandleHTTPRequestIdempotencyConflictOnDifferentParams(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)
	meta := map[string]any{"idempotencyKey": "key-1"}

	_, envelope := p.HandleHTTPRequest(context.Background(), r,
		rawBody(t, "task.create", map[string]any{"id": "task-1", "title": "A"}, meta))
	require.NotContains(t, envelope, "error")

	status, envelope2 := p.HandleHTTPRequest(context.Background(), r,
		rawBody(t, "task.create", map[string]any{"id": "task-2", "title": "B"}, meta))

	assert.Equal(t, http.StatusConflict, status)
	errBody := envelope2["error"].(map[string]any)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", errBody["code"])
}

func TestHandleHTTPRequestTaskListIsNonMutatingAndUnkeyed(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)

	status, envelope := p.HandleHTTPRequest(context.Background(), r, rawBody(t, "task.list", nil, nil))

	require.Equal(t, http.StatusOK, status)
	result := envelope["result"].(map[string]any)
	assert.NotNil(t, result["tasks"])
}

func TestHandleHTTPRequestCollectionCreateAndGet(t *testing.T) {
	p := newTestPipeline(t)
	r := httptest.NewRequest(http.MethodPost, "/rpc/v1", nil)
	meta := map[string]any{"idempotencyKey": "collection-key-1"}
	params := map[string]any{"name": "My Collection", "description": "desc"}

	status, envelope := p.HandleHTTPRequest(context.Background(), r, rawBody(t, "collection.create", params, meta))
	require.Equal(t, http.StatusOK, status)
	result := envelope["result"].(map[string]any)
	created := result["collection"].(map[string]any)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	status2, envelope2 := p.HandleHTTPRequest(context.Background(), r,
		rawBody(t, "collection.get", map[string]any{"id": id}, nil))
	require.Equal(t, http.StatusOK, status2)
	fetched := envelope2["result"].(map[string]any)["collection"].(map[string]any)
	assert.Equal(t, id, fetched["id"])
}

func TestCapabilitiesPayloadReportsAuthMode(t *testing.T) {
	p := newTestPipeline(t)
	payload := p.capabilitiesPayload()

	authSection := payload["auth"].(map[string]any)
	assert.Equal(t, string(auth.ModeTrustedLocal), authSection["mode"])
}

func TestCanonicalFingerprintIgnoresKeyOrder(t *testing.T) {
	a := canonicalFingerprint(json.RawMessage(`{"a":1,"b":2}`))
	b := canonicalFingerprint(json.RawMessage(`{"b":2,"a":1}`))
	assert.Equal(t, a, b)
}
