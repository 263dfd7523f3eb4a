package forward

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// largePayload mirrors the scan-side threshold: connection errors on
// bodies past it are not retried because replaying the stream is more
// expensive than surfacing the failure.
const largePayload = 100 << 20

const defaultRetries = 3

// quadraticBackOff waits attempt^2 * base between tries.
type quadraticBackOff struct {
	base    time.Duration
	attempt int
	max     int
}

func (q *quadraticBackOff) NextBackOff() time.Duration {
	q.attempt++
	if q.attempt > q.max {
		return backoff.Stop
	}
	return time.Duration(q.attempt*q.attempt) * q.base
}

func (q *quadraticBackOff) Reset() {
	q.attempt = 0
}

// DoWithRetry wraps a forward attempt with the retry policy. The
// orchestrated upload path never uses it (zero retries by contract);
// it exists for auxiliary callers such as health probes and replays
// of small administrative requests.
func (f *Forwarder) DoWithRetry(ctx context.Context, payloadSize int64, fn func() (*http.Response, error)) (*http.Response, error) {
	op := func() (*http.Response, error) {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		if isParameterError(err) {
			return nil, backoff.Permanent(err)
		}
		if payloadSize > largePayload && isConnError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.RetryWithData(op, backoff.WithContext(&quadraticBackOff{
		base: 250 * time.Millisecond,
		max:  defaultRetries,
	}, ctx))
}

func isParameterError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// malformed URL or scheme, retrying cannot help
		if urlErr.Op == "parse" {
			return true
		}
	}
	return errors.Is(err, context.Canceled)
}

func isConnError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
