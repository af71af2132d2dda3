//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-updater/internal/version"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		Attempts:       attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

// TestRetry_SucceedsAfterFailures verifies transient errors are retried until success.
func TestRetry_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	var calls int

	err := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

// TestRetry_Exhausted verifies the last error is returned once attempts run out.
func TestRetry_Exhausted(t *testing.T) {
	t.Parallel()

	var calls int

	err := Retry(context.Background(), fastPolicy(4), func(context.Context) error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 4, calls)
}

// TestRetry_Permanent verifies permanent errors stop the loop at once.
func TestRetry_Permanent(t *testing.T) {
	t.Parallel()

	var calls int

	err := Retry(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})
	require.ErrorIs(t, err, errFlaky)
	require.True(t, IsPermanent(err))
	require.Equal(t, 1, calls)
}

// TestRetry_AttemptTimeout verifies each attempt gets its own deadline.
func TestRetry_AttemptTimeout(t *testing.T) {
	t.Parallel()

	policy := fastPolicy(2)
	policy.AttemptTimeout = 10 * time.Millisecond

	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		<-ctx.Done()

		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestGet_StatusHandling checks User-Agent stamping and 4xx/5xx classification.
func TestGet_StatusHandling(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("User-Agent") != version.UserAgent() {
				w.WriteHeader(http.StatusTeapot)
				return
			}

			_, _ = w.Write([]byte("ok"))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer ts.Close()

	client := NewHTTPClient()

	resp, err := Get(context.Background(), client, ts.URL+"/ok")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	_, err = Get(context.Background(), client, ts.URL+"/missing")
	require.Error(t, err)
	require.True(t, IsPermanent(err))

	_, err = Get(context.Background(), client, ts.URL+"/broken")
	require.Error(t, err)
	require.False(t, IsPermanent(err))
}

// TestGetStream_Stall verifies the stall timeout covers waiting for headers and pauses in the body.
func TestGetStream_Stall(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/silent" {
			<-r.Context().Done()
			return
		}

		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	client := NewHTTPClient()

	_, err := GetStream(context.Background(), client, ts.URL+"/silent", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrStalled)

	response, err := GetStream(context.Background(), client, ts.URL+"/pause", 50*time.Millisecond)
	require.NoError(t, err)

	defer func() {
		_ = response.Body.Close()
	}()

	_, err = io.ReadAll(response.Body)
	require.ErrorIs(t, err, ErrStalled)
}
