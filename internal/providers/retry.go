package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxBody bounds how much of an upstream reply is read.
const MaxBody = 4 << 20

// Attempt is one try at an upstream. retry marks failures worth repeating.
type Attempt func(ctx context.Context) (raw map[string]any, retry bool, err error)

// WithRetries runs call once plus up to maxRetries repeats, doubling the wait
// from base after each retryable failure.
func WithRetries(ctx context.Context, provider string, maxRetries int, base time.Duration, call Attempt) (Response, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		raw, retry, err := call(ctx)
		if err == nil {
			return Response{Raw: raw}, nil
		}
		lastErr = err
		if !retry || attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return Response{}, &TransportError{Provider: provider, Err: ctx.Err()}
		case <-time.After(base * (1 << attempt)):
		}
	}
	return Response{}, lastErr
}

// Temporary reports statuses that may succeed on a later try.
func Temporary(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// ReadBody reads at most MaxBody bytes of resp.
func ReadBody(provider string, resp *http.Response) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, &TransportError{Provider: provider, Err: fmt.Errorf("read response: %w", err)}
	}
	return b, nil
}
