// Package httpx implements the plain HTTP transport adapter: one JSON-RPC
// message per POST, the parsed response body as the reply. There is no push
// channel, so Receive is not supported on this carrier.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// maxResponseBody bounds the bytes read from a backend response.
const maxResponseBody = 16 * 1024 * 1024

// Config describes the remote JSON-RPC endpoint.
type Config struct {
	Endpoint string
	Headers  map[string]string
	Options  transport.Options
}

// Adapter is the HTTP transport adapter.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	connected bool
}

// New creates an HTTP adapter for the given endpoint.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Options.MessageTimeout()},
	}
}

// Connect verifies the endpoint configuration and marks the adapter ready.
// HTTP is connectionless, so this does not open a persistent carrier.
func (a *Adapter) Connect(_ context.Context) error {
	if a.cfg.Endpoint == "" {
		return fmt.Errorf("http transport requires an endpoint")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

// Disconnect marks the adapter as disconnected and drops idle connections.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.client.CloseIdleConnections()
	return nil
}

// Send posts one message without waiting for a JSON-RPC reply.
func (a *Adapter) Send(ctx context.Context, msg *mcp.Message) error {
	if !a.IsConnected() {
		return transport.ErrNotConnected
	}
	resp, err := a.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return nil
}

// Receive is not supported on the plain HTTP carrier.
func (a *Adapter) Receive(_ context.Context) (*mcp.Message, error) {
	return nil, transport.ErrReceiveUnsupported
}

// SendAndReceive posts one message and parses the response body as the reply.
func (a *Adapter) SendAndReceive(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if !a.IsConnected() {
		return nil, transport.ErrNotConnected
	}

	if msg.ID == nil {
		msg.ID = transport.GenerateID()
	}

	ctx, cancel := transport.WithTimeout(ctx, a.cfg.Options.MessageTimeout())
	defer cancel()

	resp, err := a.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend returned HTTP %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var out mcp.Message
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse backend response: %w", err)
	}
	return &out, nil
}

// IsConnected reports whether Connect has been called without Disconnect.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// HealthCheck probes the endpoint with OPTIONS. Backends frequently do not
// implement OPTIONS, so a 404 (or any response at all) counts as reachable;
// only a transport-level failure marks the backend unhealthy.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, a.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build health probe: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

func (a *Adapter) post(ctx context.Context, msg *mcp.Message) (*http.Response, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach backend: %w", err)
	}
	return resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
