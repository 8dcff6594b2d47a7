package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph-run/ralph-api/internal/apiconfig"
	"github.com/ralph-run/ralph-api/internal/auth"
	"github.com/ralph-run/ralph-api/internal/pipeline"
	"github.com/ralph-run/ralph-api/internal/streambus"
)

func newTestServer(t *testing.T) (*pipeline.Pipeline, *httptest.Server) {
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
	p, err := pipeline.New(cfg, nil)
	require.NoError(t, err)

	server := NewServer(p, nil)
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return p, httpServer
}

func TestServeHTTPDeliversReplayThenLiveEvents(t *testing.T) {
	p, httpServer := newTestServer(t)

	sub, rerr := p.Streams().Subscribe(streambus.SubscribeParams{
		Topics: []string{"task.status.changed"},
	}, auth.TrustedLocalPrincipalID)
	require.Nil(t, rerr)

	p.Streams().Publish("task.status.changed", "task", "task-1", map[string]any{"from": "open", "to": "pending"})

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/?subscriptionId=" + sub.SubscriptionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event streambus.StreamEventEnvelope
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "task.status.changed", event.Topic)
	assert.Equal(t, "task-1", event.Resource.ID)
}

func TestServeHTTPRejectsUnknownSubscription(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp, err := http.Get(httpServer.URL + "/?subscriptionId=does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeHTTPRequiresSubscriptionIDQueryParam(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp, err := http.Get(httpServer.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
