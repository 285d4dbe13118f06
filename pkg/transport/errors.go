package transport

import "errors"

// Sentinel errors shared by all adapter implementations.
var (
	// ErrNotConnected is returned when Send or SendAndReceive is called on a
	// disconnected adapter.
	ErrNotConnected = errors.New("transport not connected")

	// ErrTransportClosed fails pending requests when the carrier goes away
	// underneath them (child exit, SSE stream closed).
	ErrTransportClosed = errors.New("transport closed")

	// ErrReceiveUnsupported is returned by carriers without a push channel;
	// callers should use SendAndReceive instead.
	ErrReceiveUnsupported = errors.New("receive not supported on this transport; use SendAndReceive")

	// ErrUnsupportedTransport is returned when parsing an unknown transport type.
	ErrUnsupportedTransport = errors.New("unsupported transport type")
)
