// Package streaming implements incremental framing of JSON-RPC messages over
// a byte stream.
//
// Child-process MCP servers write concatenated JSON objects to stdout, often
// interleaved with banner lines and log prefixes. The framer recovers message
// boundaries by tracking brace depth with JSON string awareness, so a literal
// "}{" inside a string never splits a frame and frames need no separator.
package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/pbmcp/pbmcp/pkg/mcp"
)

// DefaultMaxBufferSize bounds the bytes buffered for a single frame.
const DefaultMaxBufferSize = 4 * 1024 * 1024

// Config configures a Framer.
type Config struct {
	// MaxBufferSize bounds a single frame. Zero means DefaultMaxBufferSize.
	MaxBufferSize int

	// Strict makes Push return the first framing or parse error instead of
	// continuing. In lenient mode (the default) errors go to OnError and the
	// framer resynchronizes on the next opening brace.
	Strict bool

	// OnError receives framing and parse errors in lenient mode. May be nil.
	OnError func(error)
}

// Framer incrementally frames concatenated JSON-RPC messages from a stream
// of opaque byte chunks. It is not safe for concurrent use; callers feed it
// from a single reader goroutine.
type Framer struct {
	cfg Config

	buf      []byte
	depth    int
	inString bool
	escaped  bool
	started  bool
}

// NewFramer creates a framer with the given configuration.
func NewFramer(cfg Config) *Framer {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	return &Framer{cfg: cfg}
}

// Reset discards any partially buffered frame and returns to the idle state.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.depth = 0
	f.inString = false
	f.escaped = false
	f.started = false
}

// Push feeds a chunk of bytes into the framer and returns the messages whose
// closing brace arrived within it, in stream order. In strict mode the first
// error stops processing and is returned; in lenient mode errors are reported
// through OnError and framing continues.
func (f *Framer) Push(chunk []byte) ([]*mcp.Message, error) {
	var out []*mcp.Message

	for _, b := range chunk {
		if !f.started {
			// Bytes before the first opening brace are noise: banner
			// lines, npm output, stray log prefixes.
			if b != '{' {
				continue
			}
			f.started = true
		}

		f.buf = append(f.buf, b)

		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case b == '\\':
				f.escaped = true
			case b == '"':
				f.inString = false
			}
		} else {
			switch b {
			case '"':
				f.inString = true
			case '{':
				f.depth++
			case '}':
				f.depth--
			}
		}

		if f.started && f.depth == 0 && !f.inString {
			msg, err := parseFrame(f.buf)
			f.Reset()
			if err != nil {
				if failErr := f.fail(err); failErr != nil {
					return out, failErr
				}
				continue
			}
			out = append(out, msg)
			continue
		}

		if len(f.buf) > f.cfg.MaxBufferSize {
			f.Reset()
			err := fmt.Errorf("frame exceeded max buffer size of %d bytes", f.cfg.MaxBufferSize)
			if failErr := f.fail(err); failErr != nil {
				return out, failErr
			}
		}
	}

	return out, nil
}

// fail routes an error according to the strictness mode. It returns a non-nil
// error only when the framer should stop.
func (f *Framer) fail(err error) error {
	if f.cfg.Strict {
		return err
	}
	if f.cfg.OnError != nil {
		f.cfg.OnError(err)
	}
	return nil
}

func parseFrame(frame []byte) (*mcp.Message, error) {
	var msg mcp.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON-RPC frame: %w", err)
	}
	return &msg, nil
}
