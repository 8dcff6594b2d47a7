// Package stream upgrades authenticated HTTP requests into the long-lived
// events.v1 WebSocket feed: replay backlog, then keepalives interleaved
// with live events, until the peer disconnects.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralph-run/ralph-api/internal/pipeline"
	"github.com/ralph-run/ralph-api/internal/protocol"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
	"github.com/ralph-run/ralph-api/internal/streambus"
)

// writeWait bounds how long a single frame write (or control pong) may
// take before the connection is considered dead.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon is a local control plane; callers are expected to be
	// same-origin tooling rather than arbitrary browser pages, so the
	// default same-origin check would reject legitimate local clients
	// that send no Origin header at all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades /rpc/v1/stream requests into an events.v1 connection.
type Server struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// NewServer builds a Server bound to the given pipeline's authenticator
// and event bus.
func NewServer(p *pipeline.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipeline: p, logger: logger}
}

// ServeHTTP authenticates the upgrade request the same way a regular RPC
// call is authenticated, validates the target subscription exists and
// belongs to the caller, then hands the connection to serveConnection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscriptionId")
	if subscriptionID == "" {
		http.Error(w, "subscriptionId query parameter is required", http.StatusBadRequest)
		return
	}

	principal, perr := s.pipeline.AuthenticateWebSocket(r)
	if perr != nil {
		writeRPCError(w, perr, s.pipeline.ServedBy())
		return
	}

	streams := s.pipeline.Streams()
	if !streams.HasSubscription(subscriptionID) {
		http.Error(w, "stream subscription does not exist", http.StatusNotFound)
		return
	}
	owner, _ := streams.SubscriptionPrincipal(subscriptionID)
	if owner != principal.ID {
		http.Error(w, "stream connection auth principal mismatch", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	go s.serveConnection(conn, streams, subscriptionID)
}

func writeRPCError(w http.ResponseWriter, err *rpcerr.Error, servedBy string) {
	body := protocol.ErrorEnvelope(err, servedBy)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveConnection(conn *websocket.Conn, streams *streambus.Bus, subscriptionID string) {
	defer conn.Close()

	var writeMu sync.Mutex
	conn.SetPingHandler(func(data string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	sendEvent := func(event streambus.StreamEventEnvelope) bool {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			return false
		}
		return true
	}

	// Dedicated read pump: gorilla requires a single reader, and reading
	// is also how we detect the peer closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("stream read pump stopped", "subscriptionId", subscriptionID, "error", err)
				}
				return
			}
		}
	}()

	replay, rerr := streams.ReplayForSubscription(subscriptionID)
	if rerr != nil {
		s.logger.Warn("failed preparing replay batch", "subscriptionId", subscriptionID, "error", rerr.Message)
		return
	}
	if replay.DroppedCount > 0 {
		if !sendEvent(streams.BackpressureEvent(subscriptionID, replay.DroppedCount)) {
			return
		}
	}
	for _, event := range replay.Events {
		if !sendEvent(event) {
			return
		}
	}

	live, cancel := streams.LiveChannel()
	defer cancel()

	ticker := time.NewTicker(streambus.KeepaliveIntervalMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if !sendEvent(streams.KeepaliveEvent(subscriptionID, streambus.KeepaliveIntervalMs)) {
				return
			}
		case event, ok := <-live:
			if !ok {
				return
			}
			if streams.MatchesSubscription(subscriptionID, event) {
				if !sendEvent(event) {
					return
				}
			}
		}
	}
}
