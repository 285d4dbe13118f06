package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/mcp"
)

// receiveQueueSize bounds unsolicited messages buffered for Receive callers.
const receiveQueueSize = 64

// Result is the outcome delivered to a pending request slot.
type Result struct {
	Msg *mcp.Message
	Err error
}

// Correlator matches inbound responses to outstanding requests by id and
// queues unsolicited messages for Receive. It is safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan Result
	queue   chan *mcp.Message
	closed  bool
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]chan Result),
		queue:   make(chan *mcp.Message, receiveQueueSize),
	}
}

// Register reserves a pending slot for the given request id. The returned
// channel receives exactly one result; the cancel function releases the slot
// so an abandoned request never leaks it.
func (c *Correlator) Register(id any) (<-chan Result, func()) {
	key := mcp.IDKey(id)
	ch := make(chan Result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch <- Result{Err: ErrTransportClosed}
		return ch, func() {}
	}
	c.pending[key] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}
	return ch, cancel
}

// Wait blocks on a registered slot until the result arrives or the context
// expires. The slot is released either way, so a late response is dropped
// instead of leaking.
func (c *Correlator) Wait(ctx context.Context, ch <-chan Result, cancel func()) (*mcp.Message, error) {
	defer cancel()
	select {
	case res := <-ch:
		return res.Msg, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch routes an inbound message: responses resolve their pending slot,
// everything unmatched goes to the receive queue. Late responses to ids the
// gateway generated itself are dropped rather than queued.
func (c *Correlator) Dispatch(msg *mcp.Message) {
	key := mcp.IDKey(msg.ID)

	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	closed := c.closed
	c.mu.Unlock()

	if ok {
		ch <- Result{Msg: msg}
		return
	}
	if closed {
		return
	}

	if msg.IsResponse() {
		if s, isString := msg.ID.(string); isString && strings.HasPrefix(s, "req-") {
			logger.Debugf("Dropping late response for abandoned request %s", s)
			return
		}
	}

	select {
	case c.queue <- msg:
	default:
		logger.Warnw("Receive queue full, dropping unsolicited message", "method", msg.Method)
	}
}

// Receive returns the next unsolicited message, blocking until one arrives,
// the context expires, or the correlator closes.
func (c *Correlator) Receive(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg, ok := <-c.queue:
		if !ok {
			return nil, ErrTransportClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close fails every pending request with the given error and stops accepting
// new registrations. Closing twice is a no-op.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrTransportClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan Result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: err}
	}
	close(c.queue)
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
