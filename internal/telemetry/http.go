package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/oshokin/app-updater/internal/service/common"
)

// errRejected is returned when the collector answers with a non-2xx status.
var errRejected = errors.New("event rejected by collector")

// HTTPSink posts each event as JSON to a collector endpoint.
type HTTPSink struct {
	// endpoint is the collector URL.
	endpoint string
	// client performs the requests.
	client *http.Client
}

// NewHTTPSink creates a sink posting to endpoint. A nil client uses the updater client.
func NewHTTPSink(endpoint string, client *http.Client) *HTTPSink {
	if client == nil {
		client = common.NewHTTPClient()
	}

	return &HTTPSink{
		endpoint: endpoint,
		client:   client,
	}
}

// Emit implements Sink.
func (s *HTTPSink) Emit(ctx context.Context, event Event) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 1<<16))

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s: %w", response.Status, errRejected)
	}

	return nil
}
