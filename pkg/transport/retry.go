package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/mcp"
)

// retryInitialInterval is the base delay between transport retries.
const retryInitialInterval = 100 * time.Millisecond

// SendWithRetry performs SendAndReceive with exponential backoff on transport
// failures, up to the adapter's configured retry budget. Auth and protocol
// errors returned by the backend are not transport failures and are never
// retried; the overall context deadline caps the whole sequence.
func SendWithRetry(ctx context.Context, a Adapter, opts Options, msg *mcp.Message) (*mcp.Message, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = retryInitialInterval
	expBackoff.Reset()

	operation := func() (*mcp.Message, error) {
		resp, err := a.SendAndReceive(ctx, msg)
		if err != nil {
			if !isRetriable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}

	// +1 because WithMaxTries counts the initial attempt.
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(opts.Retries+1)), // #nosec G115 -- retries is validated small
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugw("Retrying transport send", "delay", duration, "error", err)
		}),
	)
	return resp, err
}

// isRetriable reports whether an error is a transient transport failure.
func isRetriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrReceiveUnsupported) || errors.Is(err, ErrUnsupportedTransport) {
		return false
	}
	return true
}
