package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

func newConnected(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := New(Config{Endpoint: srv.URL})
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func TestHTTPSendAndReceive(t *testing.T) {
	t.Parallel()

	a := newConnected(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req mcp.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, _ := mcp.NewResponse(req.ID, map[string]string{"pong": req.Method})
		_ = json.NewEncoder(w).Encode(resp)
	}))

	req, err := mcp.NewRequest("ping", nil, "id-1")
	require.NoError(t, err)
	resp, err := a.SendAndReceive(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "id-1", resp.ID)
	assert.JSONEq(t, `{"pong":"ping"}`, string(resp.Result))
}

func TestHTTPReceiveUnsupported(t *testing.T) {
	t.Parallel()

	a := newConnected(t, http.NotFoundHandler())
	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, transport.ErrReceiveUnsupported)
}

func TestHTTPNotConnected(t *testing.T) {
	t.Parallel()

	a := New(Config{Endpoint: "http://127.0.0.1:0"})
	err := a.Send(context.Background(), &mcp.Message{JSONRPC: "2.0", Method: "ping"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestHTTPDisconnectRejectsSend(t *testing.T) {
	t.Parallel()

	a := newConnected(t, http.NotFoundHandler())
	require.NoError(t, a.Disconnect(context.Background()))
	assert.False(t, a.IsConnected())

	_, err := a.SendAndReceive(context.Background(), &mcp.Message{JSONRPC: "2.0", Method: "ping"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestHTTPHealthCheck404IsReachable(t *testing.T) {
	t.Parallel()

	// Backends often do not implement OPTIONS; a 404 still counts reachable.
	a := newConnected(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	assert.NoError(t, a.HealthCheck(context.Background()))
}

func TestHTTPHealthCheckUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := New(Config{Endpoint: url})
	require.NoError(t, a.Connect(context.Background()))
	assert.Error(t, a.HealthCheck(context.Background()))
}

func TestHTTPErrorStatusSurfaced(t *testing.T) {
	t.Parallel()

	a := newConnected(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := a.SendAndReceive(context.Background(), &mcp.Message{JSONRPC: "2.0", ID: "x", Method: "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
