// Package protocol implements the rpc-v1 envelope shape: the closed method
// catalog, schema validation, and request/response (de)serialization.
package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

// APIVersion is the single apiVersion value every request/response must carry.
const APIVersion = "v1"

// StreamName is the wire name of the event stream.
const StreamName = "events.v1"

//go:embed data/rpc-v1-schema.json
var requestSchemaJSON []byte

const schemaResourceURL = "https://ralph-api.local/schemas/rpc-v1.json"

// KnownMethods is the closed catalog of RPC methods.
var KnownMethods = []string{
	"system.health", "system.version", "system.capabilities",
	"task.list", "task.get", "task.ready", "task.create", "task.update",
	"task.close", "task.archive", "task.unarchive", "task.delete", "task.clear",
	"task.run", "task.run_all", "task.retry", "task.cancel", "task.status",
	"loop.list", "loop.status", "loop.process", "loop.prune", "loop.retry",
	"loop.discard", "loop.stop", "loop.merge", "loop.merge_button_state",
	"loop.trigger_merge_task",
	"planning.list", "planning.get", "planning.start", "planning.respond",
	"planning.resume", "planning.delete", "planning.get_artifact",
	"config.get", "config.update",
	"preset.list",
	"collection.list", "collection.get", "collection.create", "collection.update",
	"collection.delete", "collection.import", "collection.export",
	"stream.subscribe", "stream.unsubscribe", "stream.ack",
}

// MutatingMethods is the hand-maintained subset of KnownMethods whose
// success mutates persistent state and is therefore gated by idempotency.
var MutatingMethods = []string{
	"task.create", "task.update", "task.close", "task.archive", "task.unarchive",
	"task.delete", "task.clear", "task.run", "task.run_all", "task.retry",
	"task.cancel",
	"loop.process", "loop.prune", "loop.retry", "loop.discard", "loop.stop",
	"loop.merge", "loop.trigger_merge_task",
	"planning.start", "planning.respond", "planning.resume", "planning.delete",
	"config.update",
	"collection.create", "collection.update", "collection.delete", "collection.import",
}

// StreamTopics is the closed catalog of stream event topics.
var StreamTopics = []string{
	"system.heartbeat", "system.lifecycle",
	"task.log.line", "task.status.changed",
	"loop.status.changed", "loop.merge.progress",
	"planning.prompt.issued", "planning.response.recorded", "planning.artifact.updated",
	"config.updated", "collection.updated", "preset.refreshed",
	"error.raised", "stream.keepalive",
}

var (
	knownMethodSet   = toSet(KnownMethods)
	mutatingMethodSet = toSet(MutatingMethods)
)

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// IsKnownMethod reports whether method is in the closed catalog.
func IsKnownMethod(method string) bool {
	_, ok := knownMethodSet[method]
	return ok
}

// IsMutatingMethod reports whether method requires idempotency handling.
func IsMutatingMethod(method string) bool {
	_, ok := mutatingMethodSet[method]
	return ok
}

// AuthMeta is the optional inline auth carried in a request's meta block.
type AuthMeta struct {
	Mode  string `json:"mode"`
	Token string `json:"token,omitempty"`
}

// RequestMeta is the optional envelope metadata block.
type RequestMeta struct {
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Auth           *AuthMeta `json:"auth,omitempty"`
	TimeoutMs      *uint64   `json:"timeoutMs,omitempty"`
	RequestTs      *int64    `json:"requestTs,omitempty"`
}

// Request is the deserialized request envelope.
type Request struct {
	APIVersion string          `json:"apiVersion"`
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	Meta       *RequestMeta    `json:"meta,omitempty"`
}

type responseMeta struct {
	ServedBy string `json:"servedBy"`
	ServedAt string `json:"servedAt"`
}

type successEnvelope struct {
	APIVersion string       `json:"apiVersion"`
	ID         string       `json:"id"`
	Method     string       `json:"method"`
	Result     any          `json:"result"`
	Meta       responseMeta `json:"meta"`
}

type errorEnvelope struct {
	APIVersion string        `json:"apiVersion"`
	ID         string        `json:"id"`
	Method     string        `json:"method,omitempty"`
	Error      rpcerr.Body   `json:"error"`
	Meta       responseMeta  `json:"meta"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(requestSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("rpc-v1 schema must be valid JSON: %w", err)
			return
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaResourceURL, doc); err != nil {
			schemaErr = fmt.Errorf("rpc-v1 schema resource invalid: %w", err)
			return
		}

		compiled, err := compiler.Compile(schemaResourceURL)
		if err != nil {
			schemaErr = fmt.Errorf("rpc-v1 schema must compile: %w", err)
			return
		}
		schema = compiled
	})
	return schema, schemaErr
}

// ParseJSONValue parses body into a generic value, failing with
// invalid-request on malformed JSON.
func ParseJSONValue(body []byte) (any, error) {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, rpcerr.InvalidRequestf("invalid JSON body: %v", err)
	}
	return value, nil
}

// RequestContext extracts id/method from a raw decoded value even when the
// body fails later validation stages, so every error can be enriched.
func RequestContext(raw any) (id string, method string) {
	id = "unknown"
	object, ok := raw.(map[string]any)
	if !ok {
		return id, ""
	}
	if v, ok := object["id"].(string); ok && v != "" {
		id = v
	}
	if v, ok := object["method"].(string); ok {
		method = v
	}
	return id, method
}

// ValidateRequestSchema validates the raw decoded request body against the
// frozen rpc-v1 draft 2020-12 request schema.
func ValidateRequestSchema(raw []byte) error {
	compiled, err := compiledSchema()
	if err != nil {
		return rpcerr.Internalf("schema compiler unavailable: %v", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return rpcerr.InvalidRequestf("invalid JSON body: %v", err)
	}

	if err := compiled.Validate(instance); err != nil {
		return rpcerr.InvalidParamsf("request does not match rpc-v1 schema: %v", err).
			WithDetails(map[string]any{"errors": err.Error()})
	}
	return nil
}

// ParseRequest deserializes the raw request body into a Request envelope.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, rpcerr.InvalidRequestf("invalid request envelope: %v", err)
	}
	return &req, nil
}

// SuccessEnvelope builds the success response envelope for a request.
func SuccessEnvelope(req *Request, result any, servedBy string) map[string]any {
	env := successEnvelope{
		APIVersion: APIVersion,
		ID:         req.ID,
		Method:     req.Method,
		Result:     result,
		Meta:       buildResponseMeta(servedBy),
	}
	return toMap(env)
}

// ErrorEnvelope builds the error response envelope for an *rpcerr.Error.
func ErrorEnvelope(err *rpcerr.Error, servedBy string) map[string]any {
	env := errorEnvelope{
		APIVersion: APIVersion,
		ID:         err.RequestID,
		Method:     err.Method,
		Error:      err.AsBody(),
		Meta:       buildResponseMeta(servedBy),
	}
	return toMap(env)
}

func buildResponseMeta(servedBy string) responseMeta {
	return responseMeta{
		ServedBy: servedBy,
		ServedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("envelope should always serialize: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("envelope should always re-decode: %v", err))
	}
	return out
}
