// Package sse implements the HTTP transport adapter with a server-sent-event
// return channel. Outbound messages go out as POSTs; inbound messages arrive
// on a long-lived SSE stream and are correlated to pending requests by id.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// DefaultConnectTimeout bounds establishing the SSE stream; it is separate
// from the per-message timeout.
const DefaultConnectTimeout = 10 * time.Second

// maxResponseBody bounds the bytes read from a POST response.
const maxResponseBody = 16 * 1024 * 1024

// Config describes the remote SSE-capable endpoint.
type Config struct {
	// Endpoint receives outbound POSTs.
	Endpoint string

	// SSEEndpoint is the event stream URL. Empty means Endpoint + "/sse".
	SSEEndpoint string

	Headers map[string]string
	Options transport.Options

	// ConnectTimeout bounds stream establishment. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Adapter is the HTTP+SSE transport adapter.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	connected bool
	corr      *transport.Correlator
	cancel    context.CancelFunc
}

// New creates an SSE adapter for the given endpoints.
func New(cfg Config) *Adapter {
	if cfg.SSEEndpoint == "" {
		cfg.SSEEndpoint = strings.TrimSuffix(cfg.Endpoint, "/") + "/sse"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Adapter{
		cfg: cfg,
		// No client timeout: it would kill the long-lived stream. Deadlines
		// are applied per request context instead.
		client: &http.Client{},
	}
}

// Connect opens the SSE stream and starts the reader pump.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.cfg.Endpoint == "" {
		return fmt.Errorf("sse transport requires an endpoint")
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer connectCancel()

	req, err := http.NewRequestWithContext(connectCtx, http.MethodGet, a.cfg.SSEEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req) //nolint:bodyclose // closed by the reader pump
	if err != nil {
		return fmt.Errorf("failed to open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("SSE endpoint returned HTTP %d", resp.StatusCode)
	}

	// The stream itself must outlive the Connect context.
	streamCtx, streamCancel := context.WithCancel(context.Background())

	a.corr = transport.NewCorrelator()
	a.cancel = streamCancel
	a.connected = true

	go a.readStream(streamCtx, resp.Body)
	return nil
}

// Disconnect closes the SSE stream and fails pending requests.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	corr := a.corr
	a.mu.Unlock()

	cancel()
	corr.Close(transport.ErrTransportClosed)
	a.client.CloseIdleConnections()
	return nil
}

// Send posts one message without waiting for a correlated reply.
func (a *Adapter) Send(ctx context.Context, msg *mcp.Message) error {
	if !a.IsConnected() {
		return transport.ErrNotConnected
	}
	return a.post(ctx, msg)
}

// Receive returns the next unsolicited message from the event stream.
func (a *Adapter) Receive(ctx context.Context) (*mcp.Message, error) {
	a.mu.Lock()
	corr := a.corr
	a.mu.Unlock()
	if corr == nil {
		return nil, transport.ErrNotConnected
	}
	return corr.Receive(ctx)
}

// SendAndReceive posts a request and waits for the SSE-delivered response
// with the same id.
func (a *Adapter) SendAndReceive(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	a.mu.Lock()
	connected := a.connected
	corr := a.corr
	a.mu.Unlock()

	if !connected {
		return nil, transport.ErrNotConnected
	}

	if msg.ID == nil {
		msg.ID = transport.GenerateID()
	}

	ctx, cancel := transport.WithTimeout(ctx, a.cfg.Options.MessageTimeout())
	defer cancel()

	ch, release := corr.Register(msg.ID)
	if err := a.post(ctx, msg); err != nil {
		release()
		return nil, err
	}
	return corr.Wait(ctx, ch, release)
}

// IsConnected reports whether the SSE stream is established.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// HealthCheck verifies the stream is up and the POST endpoint is reachable.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.IsConnected() {
		return transport.ErrNotConnected
	}
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

func (a *Adapter) post(ctx context.Context, msg *mcp.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// readStream pumps the SSE stream, dispatching each event's JSON payload.
// Named events "message" and "mcp-message" are treated identically; malformed
// payloads are logged and skipped, never fatal.
func (a *Adapter) readStream(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	go func() {
		<-ctx.Done()
		body.Close()
	}()

	a.mu.Lock()
	corr := a.corr
	a.mu.Unlock()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event string
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			a.dispatchEvent(corr, event, strings.Join(dataLines, "\n"))
			event = ""
			dataLines = dataLines[:0]
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// Comment/keepalive line.
		}
	}

	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.mu.Unlock()

	if wasConnected {
		logger.Warnf("SSE stream to %s closed unexpectedly", a.cfg.SSEEndpoint)
	}
	corr.Close(transport.ErrTransportClosed)
}

func (a *Adapter) dispatchEvent(corr *transport.Correlator, event, data string) {
	if data == "" {
		return
	}
	switch event {
	case "", "message", "mcp-message":
	default:
		logger.Debugf("Ignoring SSE event type %q", event)
		return
	}

	var msg mcp.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		logger.Warnw("Malformed SSE payload", "error", err)
		return
	}
	if err := msg.Validate(); err != nil {
		logger.Warnw("Invalid JSON-RPC message on SSE stream", "error", err)
		return
	}
	corr.Dispatch(&msg)
}
