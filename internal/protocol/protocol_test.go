package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

func TestIsKnownMethod(t *testing.T) {
	assert.True(t, IsKnownMethod("task.create"))
	assert.True(t, IsKnownMethod("stream.subscribe"))
	assert.False(t, IsKnownMethod("task.teleport"))
}

func TestIsMutatingMethod(t *testing.T) {
	assert.True(t, IsMutatingMethod("task.create"))
	assert.False(t, IsMutatingMethod("task.list"))
	assert.False(t, IsMutatingMethod("task.nonexistent"))
}

func TestValidateRequestSchemaAcceptsWellFormedRequest(t *testing.T) {
	body := []byte(`{"apiVersion":"v1","id":"req-1","method":"task.list","params":{}}`)
	err := ValidateRequestSchema(body)
	require.NoError(t, err)
}

func TestValidateRequestSchemaRejectsMissingMethod(t *testing.T) {
	body := []byte(`{"apiVersion":"v1","id":"req-1","params":{}}`)
	err := ValidateRequestSchema(body)
	require.Error(t, err)
	rpcErr, ok := err.(*rpcerr.Error)
	require.True(t, ok)
	assert.Equal(t, rpcerr.InvalidParams, rpcErr.Code)
}

func TestValidateRequestSchemaRejectsUnknownTopLevelField(t *testing.T) {
	body := []byte(`{"apiVersion":"v1","id":"req-1","method":"task.list","params":{},"extra":true}`)
	err := ValidateRequestSchema(body)
	require.Error(t, err)
}

func TestParseRequestRoundTrips(t *testing.T) {
	body := []byte(`{"apiVersion":"v1","id":"req-2","method":"task.get","params":{"id":"t-1"},"meta":{"idempotencyKey":"abc"}}`)
	req, err := ParseRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "req-2", req.ID)
	assert.Equal(t, "task.get", req.Method)
	require.NotNil(t, req.Meta)
	assert.Equal(t, "abc", req.Meta.IdempotencyKey)
}

func TestRequestContextSurvivesPartialBody(t *testing.T) {
	raw, err := ParseJSONValue([]byte(`{"id":"req-3","method":"task.create"}`))
	require.NoError(t, err)
	id, method := RequestContext(raw)
	assert.Equal(t, "req-3", id)
	assert.Equal(t, "task.create", method)
}

func TestRequestContextDefaultsIDWhenAbsent(t *testing.T) {
	raw, err := ParseJSONValue([]byte(`{"method":"task.create"}`))
	require.NoError(t, err)
	id, _ := RequestContext(raw)
	assert.Equal(t, "unknown", id)
}

func TestSuccessEnvelopeShape(t *testing.T) {
	req := &Request{APIVersion: APIVersion, ID: "req-4", Method: "task.list"}
	env := SuccessEnvelope(req, map[string]any{"tasks": []any{}}, "ralph-apid")
	assert.Equal(t, "v1", env["apiVersion"])
	assert.Equal(t, "req-4", env["id"])
	assert.Equal(t, "task.list", env["method"])
	meta, ok := env["meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ralph-apid", meta["servedBy"])
}

func TestErrorEnvelopeShape(t *testing.T) {
	rpcErr := rpcerr.TaskNotFoundf("task %s not found", "t-9").WithContext("req-5", "task.get")
	env := ErrorEnvelope(rpcErr, "ralph-apid")
	assert.Equal(t, "req-5", env["id"])
	assert.Equal(t, "task.get", env["method"])
	errBody, ok := env["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(rpcerr.TaskNotFound), errBody["code"])
	assert.Equal(t, false, errBody["retryable"])
}
