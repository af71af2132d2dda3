//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oshokin/app-updater/internal/version"
)

var (
	// errBadHTTPStatus is returned for responses other than 200 OK.
	errBadHTTPStatus = errors.New("unexpected http status")
	// ErrStalled is returned when a transfer makes no progress within its stall timeout.
	ErrStalled = errors.New("transfer stalled")
)

// userAgentTransport stamps every request with the updater User-Agent.
type userAgentTransport struct {
	// base performs the actual round trip.
	base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", version.UserAgent())
	}

	return t.base.RoundTrip(req)
}

// NewHTTPClient returns a client with the updater User-Agent.
// It sets no overall timeout: small requests are bounded by per-attempt contexts
// and long transfers by GetStream's stall timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{base: http.DefaultTransport},
	}
}

// Get issues a GET request and returns the response when the status is 200 OK.
// 4xx answers are wrapped with Permanent, as retrying them cannot help.
func Get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}

	response, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if response.StatusCode == http.StatusOK {
		return response, nil
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 1<<16))
	_ = response.Body.Close()

	err = fmt.Errorf("%s, %s: %w", url, response.Status, errBadHTTPStatus)
	if response.StatusCode >= http.StatusBadRequest && response.StatusCode < http.StatusInternalServerError &&
		response.StatusCode != http.StatusTooManyRequests && response.StatusCode != http.StatusRequestTimeout {
		return nil, Permanent(err)
	}

	return nil, err
}

// GetStream is Get for long transfers. The stall timeout bounds connecting,
// receiving headers and every pause between body reads, not the whole transfer.
// A zero stall disables it. Closing the body releases the watchdog.
func GetStream(ctx context.Context, client *http.Client, url string, stall time.Duration) (*http.Response, error) {
	if stall <= 0 {
		return Get(ctx, client, url)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	watchdog := time.AfterFunc(stall, func() { cancel(ErrStalled) })

	response, err := Get(ctx, client, url)
	if err != nil {
		watchdog.Stop()

		if errors.Is(context.Cause(ctx), ErrStalled) {
			err = fmt.Errorf("%w: no response within %s", ErrStalled, stall)
		}

		cancel(nil)

		return nil, err
	}

	response.Body = &stallReader{
		body:     response.Body,
		ctx:      ctx,
		cancel:   cancel,
		watchdog: watchdog,
		stall:    stall,
	}

	return response, nil
}

// stallReader re-arms the watchdog after every read that makes progress.
type stallReader struct {
	// body is the response body being read.
	body io.ReadCloser
	// ctx is the request context the watchdog cancels.
	ctx context.Context //nolint:containedctx // The body outlives GetStream and must report why it was cut.
	// cancel aborts the request.
	cancel context.CancelCauseFunc
	// watchdog fires when no progress was made for stall.
	watchdog *time.Timer
	// stall is the allowed pause between reads.
	stall time.Duration
}

func (r *stallReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.watchdog.Reset(r.stall)
	}

	if err != nil && !errors.Is(err, io.EOF) && errors.Is(context.Cause(r.ctx), ErrStalled) {
		err = fmt.Errorf("%w: no data for %s", ErrStalled, r.stall)
	}

	return n, err
}

func (r *stallReader) Close() error {
	r.watchdog.Stop()
	r.cancel(nil)

	return r.body.Close()
}

// RetryPolicy bounds the number and pacing of network attempts.
type RetryPolicy struct {
	// Attempts is the maximum number of tries, including the first one.
	Attempts int
	// InitialBackoff is the pause after the first failure; it doubles after each subsequent one.
	InitialBackoff time.Duration
	// MaxBackoff caps the pause between attempts.
	MaxBackoff time.Duration
	// AttemptTimeout bounds each individual attempt. Streaming downloads apply it
	// as a stall timeout instead, see GetStream. Zero disables it.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}
