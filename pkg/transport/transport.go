// Package transport defines the uniform adapter contract the gateway uses to
// talk to MCP backends, together with the request/response correlation and
// retry plumbing shared by all adapter implementations.
//
// Three carriers implement the contract: a child process over stdio, a remote
// HTTP endpoint, and a remote HTTP endpoint with a server-sent-event return
// channel. A fourth variant wraps the stdio adapter in a container runtime.
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pbmcp/pbmcp/pkg/mcp"
)

// Type represents the transport carrier of a backend.
type Type string

const (
	// TypeStdio runs the backend as a child process and speaks over its pipes.
	TypeStdio Type = "stdio"

	// TypeHTTP posts each message to a remote JSON-RPC endpoint.
	TypeHTTP Type = "http"

	// TypeStreamableHTTP posts outbound messages and reads inbound ones from
	// a long-lived server-sent-event stream.
	TypeStreamableHTTP Type = "streamable-http"
)

// ParseType parses a string into a transport type.
func ParseType(s string) (Type, error) {
	switch s {
	case "stdio", "STDIO":
		return TypeStdio, nil
	case "http", "HTTP":
		return TypeHTTP, nil
	case "streamable-http", "http+sse", "STREAMABLE-HTTP":
		return TypeStreamableHTTP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, s)
	}
}

// Adapter is the uniform capability set the router and registry speak.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Connect establishes the carrier. Connecting an already connected
	// adapter is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the carrier down. After Disconnect, IsConnected
	// reports false and Send fails with ErrNotConnected.
	Disconnect(ctx context.Context) error

	// Send writes one message to the backend without waiting for a reply.
	Send(ctx context.Context, msg *mcp.Message) error

	// Receive returns the next unsolicited message from the backend's push
	// channel. Adapters without a push channel return ErrReceiveUnsupported.
	Receive(ctx context.Context) (*mcp.Message, error)

	// SendAndReceive writes one message and waits for the response whose id
	// matches, applying the adapter's per-message timeout unless the context
	// carries an earlier deadline.
	SendAndReceive(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)

	// IsConnected reports whether the carrier is currently established.
	IsConnected() bool

	// HealthCheck verifies the carrier end-to-end.
	HealthCheck(ctx context.Context) error
}

// Options carries the per-adapter settings derived from a service template.
type Options struct {
	// Timeout is the default per-message deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// Retries is the number of additional attempts for transport failures.
	Retries int
}

// DefaultTimeout applies when a template does not specify one.
const DefaultTimeout = 30 * time.Second

// MessageTimeout returns the effective per-message timeout.
func (o Options) MessageTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// GenerateID creates a correlation id for a request that carries none.
func GenerateID() string {
	// #nosec G404 -- correlation ids only need uniqueness, not secrecy
	return fmt.Sprintf("req-%d-%06x", time.Now().UnixMilli(), rand.Intn(1<<24))
}

// WithTimeout derives a context bounded by the per-message timeout unless the
// caller already set an earlier deadline.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
