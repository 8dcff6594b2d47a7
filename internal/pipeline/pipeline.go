// Package pipeline wires every domain, the codec, the authenticator, and
// the idempotency guard into the single ordered request-handling flow the
// HTTP and WebSocket transports drive. It is the Go counterpart of the
// original runtime's RpcRuntime: validate, authenticate, gate mutations on
// idempotency, dispatch, then fan the outcome out as a stream side effect.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ralph-run/ralph-api/internal/apiconfig"
	"github.com/ralph-run/ralph-api/internal/auth"
	"github.com/ralph-run/ralph-api/internal/collection"
	"github.com/ralph-run/ralph-api/internal/idempotency"
	"github.com/ralph-run/ralph-api/internal/loopmerge"
	"github.com/ralph-run/ralph-api/internal/observability"
	"github.com/ralph-run/ralph-api/internal/planning"
	"github.com/ralph-run/ralph-api/internal/preset"
	"github.com/ralph-run/ralph-api/internal/protocol"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
	"github.com/ralph-run/ralph-api/internal/streambus"
	"github.com/ralph-run/ralph-api/internal/task"
	"github.com/ralph-run/ralph-api/internal/wsconfig"
)

// ServerVersion is the daemon's own release version, reported by
// system.version alongside the fixed apiVersion.
const ServerVersion = "0.1.0"

// Pipeline owns every domain and implements the full request lifecycle.
// Each domain that is not already internally synchronized is wrapped in
// its own mutex here, mirroring the Arc<Mutex<...>> fields the original
// runtime holds per domain.
type Pipeline struct {
	cfg         apiconfig.Config
	authn       auth.Authenticator
	idempotency *idempotency.Store
	logger      *slog.Logger
	metrics     *observability.Metrics

	tasksMu sync.Mutex
	tasks   *task.Domain

	loopsMu sync.Mutex
	loops   *loopmerge.Domain

	planningMu sync.Mutex
	planning   *planning.Domain

	collectionsMu sync.Mutex
	collections   *collection.Domain

	streams      *streambus.Bus
	configDomain *wsconfig.Domain
	presetDomain *preset.Domain
}

// New builds a Pipeline from a resolved configuration, constructing every
// domain rooted at cfg.WorkspaceRoot.
func New(cfg apiconfig.Config, logger *slog.Logger) (*Pipeline, error) {
	authn, err := auth.NewAuthenticator(cfg.AuthConfig())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	taskPersister := task.NewFilePersister(cfg.WorkspaceRoot)
	worker := loopmerge.NewCommandWorker(cfg.RalphCommand)

	return &Pipeline{
		cfg:          cfg,
		authn:        authn,
		idempotency:  idempotency.NewStore(time.Duration(cfg.IdempotencyTTLSecs) * time.Second),
		logger:       logger,
		tasks:        task.NewDomain(taskPersister, time.Now),
		loops:        loopmerge.NewDomain(cfg.WorkspaceRoot, cfg.LoopProcessIntervalMs, worker),
		planning:     planning.NewDomain(cfg.WorkspaceRoot),
		collections:  collection.NewDomain(cfg.WorkspaceRoot),
		streams:      streambus.New(),
		configDomain: wsconfig.NewDomain(cfg.WorkspaceRoot),
		presetDomain: preset.NewDomain(cfg.WorkspaceRoot),
	}, nil
}

// SetMetrics attaches the instruments request handling records into. Called
// once at startup after the MeterProvider is constructed; nil-safe when
// metrics are not configured (e.g. in tests).
func (p *Pipeline) SetMetrics(m *observability.Metrics) { p.metrics = m }

// Streams exposes the event bus so the stream transport can subscribe
// without reaching back through HTTP.
func (p *Pipeline) Streams() *streambus.Bus { return p.streams }

// Authenticator exposes the configured Authenticator so the stream
// transport can authorize the WebSocket upgrade the same way HTTP requests
// are authorized.
func (p *Pipeline) Authenticator() auth.Authenticator { return p.authn }

// ServedBy is the servedBy value stamped onto every response envelope.
func (p *Pipeline) ServedBy() string { return p.cfg.ServedBy }

// ConfigDomain exposes the wsconfig domain so the daemon entrypoint can
// attach a file watcher publishing external ralph.yml edits to the stream.
func (p *Pipeline) ConfigDomain() *wsconfig.Domain { return p.configDomain }

// HandleHTTPRequest runs the full rpc-v1 pipeline over a decoded HTTP
// request body: parse+validate, authenticate, idempotency gate, dispatch,
// then record the idempotent outcome and publish any stream side effect.
func (p *Pipeline) HandleHTTPRequest(ctx context.Context, r *http.Request, body []byte) (status int, envelope map[string]any) {
	start := time.Now()
	method := "unknown"
	var outcomeErr *rpcerr.Error
	defer func() { p.recordMetrics(ctx, method, start, outcomeErr) }()

	fail := func(err *rpcerr.Error) (int, map[string]any) {
		outcomeErr = err
		p.logOutcome(err)
		return err.Status, protocol.ErrorEnvelope(err, p.cfg.ServedBy)
	}

	req, perr := p.parseAndValidateRequest(body)
	if perr != nil {
		return fail(perr)
	}
	method = req.Method

	principal, perr := p.authn.Authenticate(r, req)
	if perr != nil {
		return fail(perr.WithContext(req.ID, req.Method))
	}

	mutating := protocol.IsMutatingMethod(req.Method)
	var idemKey, fingerprint string
	if mutating {
		if req.Meta == nil || req.Meta.IdempotencyKey == "" {
			return fail(rpcerr.InvalidParamsf("mutating methods require meta.idempotencyKey").WithContext(req.ID, req.Method))
		}
		idemKey = req.Meta.IdempotencyKey
		fingerprint = canonicalFingerprint(req.Params)

		outcome, stored := p.idempotency.Check(req.Method, idemKey, fingerprint, time.Now())
		switch outcome {
		case idempotency.Replay:
			p.logger.Debug("idempotent replay", "method", req.Method, "requestId", req.ID)
			return replayStatus(stored.Envelope), stored.Envelope
		case idempotency.Conflict:
			return fail(rpcerr.IdempotencyConflictf("idempotency key '%s' was already used with different parameters", idemKey).
				WithContext(req.ID, req.Method).
				WithDetails(map[string]any{"method": req.Method, "idempotencyKey": idemKey}))
		}
	}

	result, derr := p.dispatch(ctx, req, principal)
	if derr != nil {
		return fail(derr.WithContext(req.ID, req.Method))
	}

	successEnvelope := protocol.SuccessEnvelope(req, result, p.cfg.ServedBy)
	p.logger.Info("rpc request handled", "method", req.Method, "requestId", req.ID)

	if mutating {
		p.idempotency.Store(req.Method, idemKey, fingerprint, successEnvelope, time.Now())
	}

	if !strings.HasPrefix(req.Method, "stream.") {
		var paramsMap map[string]any
		_ = json.Unmarshal(req.Params, &paramsMap)
		p.streams.PublishRPCSideEffect(req.Method, paramsMap, roundTripToMap(result))
	}

	return http.StatusOK, successEnvelope
}

// AuthenticateWebSocket authorizes a stream upgrade by building a dummy
// stream.subscribe envelope and running it through the same Authenticate
// path as every other request, so the two transports never diverge.
func (p *Pipeline) AuthenticateWebSocket(r *http.Request) (*auth.Principal, *rpcerr.Error) {
	dummy := &protocol.Request{
		APIVersion: protocol.APIVersion,
		ID:         "ws-upgrade",
		Method:     "stream.subscribe",
		Params:     json.RawMessage("{}"),
	}
	principal, err := p.authn.Authenticate(r, dummy)
	if err != nil {
		return nil, err.WithContext("ws-upgrade", "stream.subscribe")
	}
	return principal, nil
}

func (p *Pipeline) recordMetrics(ctx context.Context, method string, start time.Time, outcomeErr *rpcerr.Error) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	if outcomeErr != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("method", method), attribute.String("outcome", outcome))
	p.metrics.RequestsTotal.Add(ctx, 1, attrs)
	p.metrics.RequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if outcomeErr != nil {
		p.metrics.RequestErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("code", string(outcomeErr.Code)),
		))
	}
}

func (p *Pipeline) logOutcome(err *rpcerr.Error) {
	attrs := []any{"method", err.Method, "requestId", err.RequestID, "code", string(err.Code)}
	switch err.Code {
	case rpcerr.Internal, rpcerr.ServiceUnavailable:
		p.logger.Error("rpc request failed", attrs...)
	default:
		p.logger.Warn("rpc request rejected", attrs...)
	}
}

func (p *Pipeline) parseAndValidateRequest(body []byte) (*protocol.Request, *rpcerr.Error) {
	raw, err := protocol.ParseJSONValue(body)
	if err != nil {
		return nil, asRPCError(err).WithContext("unknown", "")
	}
	id, method := protocol.RequestContext(raw)

	if _, ok := raw.(map[string]any); !ok {
		return nil, rpcerr.New(rpcerr.InvalidRequest, "request body must be a JSON object").WithContext(id, method)
	}
	if method == "" {
		return nil, rpcerr.New(rpcerr.InvalidRequest, "missing required field 'method'").WithContext(id, method)
	}
	if !protocol.IsKnownMethod(method) {
		return nil, rpcerr.MethodNotFoundFor(method).WithContext(id, method)
	}
	if err := protocol.ValidateRequestSchema(body); err != nil {
		return nil, asRPCError(err).WithContext(id, method)
	}

	req, err := protocol.ParseRequest(body)
	if err != nil {
		return nil, asRPCError(err).WithContext(id, method)
	}
	if req.APIVersion != protocol.APIVersion {
		return nil, rpcerr.New(rpcerr.InvalidRequest,
			fmt.Sprintf("unsupported apiVersion '%s'; expected '%s'", req.APIVersion, protocol.APIVersion)).
			WithContext(req.ID, req.Method)
	}
	return req, nil
}

func asRPCError(err error) *rpcerr.Error {
	if rpcErr, ok := err.(*rpcerr.Error); ok {
		return rpcErr
	}
	return rpcerr.Internalf("unexpected error: %v", err)
}

// canonicalFingerprint renders params with map keys sorted (encoding/json's
// default behavior for map[string]any) so two semantically identical
// requests with differently ordered JSON keys fingerprint the same.
func canonicalFingerprint(raw json.RawMessage) string {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw)
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}

func roundTripToMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func replayStatus(envelope map[string]any) int {
	errBody, ok := envelope["error"].(map[string]any)
	if !ok {
		return http.StatusOK
	}
	code, _ := errBody["code"].(string)
	return rpcerr.StatusForCode(rpcerr.Code(code))
}

func (p *Pipeline) healthPayload() map[string]any {
	return map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// Health exposes the bare GET /health payload, bypassing the rpc-v1
// envelope entirely since that endpoint predates the method catalog.
func (p *Pipeline) Health() map[string]any { return p.healthPayload() }

// Capabilities exposes the GET /rpc/v1/capabilities payload outside of the
// rpc-v1 envelope, for clients that want the method catalog without
// constructing a request.
func (p *Pipeline) Capabilities() map[string]any { return p.capabilitiesPayload() }

func (p *Pipeline) capabilitiesPayload() map[string]any {
	return map[string]any{
		"methods":      protocol.KnownMethods,
		"streamTopics": protocol.StreamTopics,
		"auth": map[string]any{
			"mode":           string(p.authn.Mode()),
			"supportedModes": []string{"trusted_local", "token"},
		},
		"idempotency": map[string]any{
			"requiredForMutations": true,
			"retentionSeconds":     p.cfg.IdempotencyTTLSecs,
		},
	}
}

func (p *Pipeline) dispatch(ctx context.Context, req *protocol.Request, principal *auth.Principal) (any, *rpcerr.Error) {
	switch {
	case req.Method == "system.health":
		return p.healthPayload(), nil
	case req.Method == "system.version":
		return map[string]any{"apiVersion": protocol.APIVersion, "serverVersion": ServerVersion}, nil
	case req.Method == "system.capabilities":
		return p.capabilitiesPayload(), nil
	case strings.HasPrefix(req.Method, "task."):
		return p.dispatchTask(req)
	case strings.HasPrefix(req.Method, "loop."):
		return p.dispatchLoop(ctx, req)
	case strings.HasPrefix(req.Method, "planning."):
		return p.dispatchPlanning(req)
	case strings.HasPrefix(req.Method, "config."):
		return p.dispatchConfig(req)
	case strings.HasPrefix(req.Method, "preset."):
		return p.dispatchPreset(req)
	case strings.HasPrefix(req.Method, "collection."):
		return p.dispatchCollection(req)
	case strings.HasPrefix(req.Method, "stream."):
		return p.dispatchStream(req, principal)
	default:
		p.logger.Warn("recognized method is not implemented in rpc pipeline", "method", req.Method)
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented in rpc runtime", req.Method)
	}
}

func (p *Pipeline) dispatchTask(req *protocol.Request) (any, *rpcerr.Error) {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()

	switch req.Method {
	case "task.list":
		return map[string]any{"tasks": p.tasks.List()}, nil
	case "task.get":
		params, err := parseParams[IDOnlyParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		if err := requireID(params.ID, req.Method); err != nil {
			return nil, err
		}
		t, err := p.tasks.Get(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil
	case "task.ready":
		return map[string]any{"tasks": p.tasks.Ready()}, nil
	case "task.create":
		in, err := parseTaskCreateParams(req.Params)
		if err != nil {
			return nil, err
		}
		t, err := p.tasks.Create(in)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil
	case "task.update":
		id, in, err := parseTaskUpdateParams(req.Params)
		if err != nil {
			return nil, err
		}
		t, err := p.tasks.Update(id, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil
	case "task.close":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		t, err := p.tasks.Close(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil
	case "task.archive":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		t, err := p.tasks.Archive(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil
	case "task.unarchive":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		t, err := p.tasks.Unarchive(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil
	case "task.delete":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		if err := p.tasks.Delete(params.ID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "task.clear":
		if err := p.tasks.Clear(); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "task.run":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		result, err := p.tasks.Run(params.ID)
		if err != nil {
			return nil, err
		}
		return result, nil
	case "task.run_all":
		return p.tasks.RunAll(), nil
	case "task.retry":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		result, err := p.tasks.Retry(params.ID)
		if err != nil {
			return nil, err
		}
		return result, nil
	case "task.cancel":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		t, err := p.tasks.Cancel(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t}, nil
	case "task.status":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		status, err := p.tasks.Status(params.ID)
		if err != nil {
			return nil, err
		}
		return status, nil
	default:
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented", req.Method)
	}
}

func requireIDOnly(req *protocol.Request) (IDOnlyParams, *rpcerr.Error) {
	params, err := parseParams[IDOnlyParams](req.Params, req.Method)
	if err != nil {
		return params, err
	}
	if err := requireID(params.ID, req.Method); err != nil {
		return params, err
	}
	return params, nil
}

func (p *Pipeline) dispatchLoop(ctx context.Context, req *protocol.Request) (any, *rpcerr.Error) {
	p.loopsMu.Lock()
	defer p.loopsMu.Unlock()

	switch req.Method {
	case "loop.list":
		return map[string]any{"loops": p.loops.List(true)}, nil
	case "loop.status":
		return p.loops.Status(), nil
	case "loop.process":
		if err := p.loops.Process(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "loop.prune":
		p.loops.Prune()
		return map[string]any{"success": true}, nil
	case "loop.retry":
		wire, err := parseParams[loopRetryWire](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		if err := requireID(wire.ID, req.Method); err != nil {
			return nil, err
		}
		if err := p.loops.Retry(ctx, wire.ID, wire.SteeringInput); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "loop.discard":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		if err := p.loops.Discard(ctx, params.ID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "loop.stop":
		wire, err := parseParams[loopForceWire](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		if err := requireID(wire.ID, req.Method); err != nil {
			return nil, err
		}
		if err := p.loops.Stop(wire.ID, wire.Force); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "loop.merge":
		wire, err := parseParams[loopForceWire](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		if err := requireID(wire.ID, req.Method); err != nil {
			return nil, err
		}
		if err := p.loops.Merge(ctx, wire.ID, wire.Force); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "loop.merge_button_state":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		state, err := p.loops.MergeButtonState(params.ID)
		if err != nil {
			return nil, err
		}
		return state, nil
	case "loop.trigger_merge_task":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		p.tasksMu.Lock()
		result, err := p.loops.TriggerMergeTask(params.ID, p.tasks)
		p.tasksMu.Unlock()
		if err != nil {
			return nil, err
		}
		return result, nil
	default:
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented", req.Method)
	}
}

func (p *Pipeline) dispatchPlanning(req *protocol.Request) (any, *rpcerr.Error) {
	p.planningMu.Lock()
	defer p.planningMu.Unlock()

	switch req.Method {
	case "planning.list":
		sessions, err := p.planning.List()
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessions": sessions}, nil
	case "planning.get":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		session, err := p.planning.Get(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": session}, nil
	case "planning.start":
		params, err := parseParams[planning.StartParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		session, err := p.planning.Start(params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": session}, nil
	case "planning.respond":
		params, err := parseParams[planning.RespondParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		if err := p.planning.Respond(params); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "planning.resume":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		if err := p.planning.Resume(params.ID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "planning.delete":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		if err := p.planning.Delete(params.ID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "planning.get_artifact":
		params, err := parseParams[planning.GetArtifactParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		artifact, err := p.planning.GetArtifact(params)
		if err != nil {
			return nil, err
		}
		return artifact, nil
	default:
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented", req.Method)
	}
}

func (p *Pipeline) dispatchConfig(req *protocol.Request) (any, *rpcerr.Error) {
	switch req.Method {
	case "config.get":
		result, err := p.configDomain.Get()
		if err != nil {
			return nil, err
		}
		return result, nil
	case "config.update":
		params, err := parseParams[wsconfig.UpdateParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		result, err := p.configDomain.Update(params)
		if err != nil {
			return nil, err
		}
		return result, nil
	default:
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented", req.Method)
	}
}

func (p *Pipeline) dispatchPreset(req *protocol.Request) (any, *rpcerr.Error) {
	switch req.Method {
	case "preset.list":
		p.collectionsMu.Lock()
		collections := p.collections.List()
		p.collectionsMu.Unlock()

		summaries := make([]preset.CollectionSummary, 0, len(collections))
		for _, c := range collections {
			summaries = append(summaries, preset.CollectionSummary{ID: c.ID, Name: c.Name, Description: c.Description})
		}
		return map[string]any{"presets": p.presetDomain.List(summaries)}, nil
	default:
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented", req.Method)
	}
}

func (p *Pipeline) dispatchCollection(req *protocol.Request) (any, *rpcerr.Error) {
	p.collectionsMu.Lock()
	defer p.collectionsMu.Unlock()

	switch req.Method {
	case "collection.list":
		return map[string]any{"collections": p.collections.List()}, nil
	case "collection.get":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		c, err := p.collections.Get(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"collection": c}, nil
	case "collection.create":
		params, err := parseParams[collection.CreateParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		c, err := p.collections.Create(params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"collection": c}, nil
	case "collection.update":
		params, err := parseParams[collection.UpdateParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		c, err := p.collections.Update(params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"collection": c}, nil
	case "collection.delete":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		if err := p.collections.Delete(params.ID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "collection.import":
		params, err := parseParams[collection.ImportParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		c, err := p.collections.Import(params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"collection": c}, nil
	case "collection.export":
		params, err := requireIDOnly(req)
		if err != nil {
			return nil, err
		}
		yamlText, err := p.collections.Export(params.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"yaml": yamlText}, nil
	default:
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented", req.Method)
	}
}

func (p *Pipeline) dispatchStream(req *protocol.Request, principal *auth.Principal) (any, *rpcerr.Error) {
	principalID := ""
	if principal != nil {
		principalID = principal.ID
	}

	switch req.Method {
	case "stream.subscribe":
		params, err := parseParams[streambus.SubscribeParams](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		result, err := p.streams.Subscribe(params, principalID)
		if err != nil {
			return nil, err
		}
		return result, nil
	case "stream.unsubscribe":
		wire, err := parseParams[streamUnsubscribeWire](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		if err := p.streams.Unsubscribe(wire.SubscriptionID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "stream.ack":
		wire, err := parseParams[streamAckWire](req.Params, req.Method)
		if err != nil {
			return nil, err
		}
		if err := p.streams.Ack(wire.SubscriptionID, wire.Cursor); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	default:
		return nil, rpcerr.ServiceUnavailablef("method '%s' is recognized but not implemented", req.Method)
	}
}
