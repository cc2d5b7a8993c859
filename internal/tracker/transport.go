package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a collector response is read.
const maxResponseBytes = 1 << 20

// ErrUnexpectedStatus wraps non-2xx collector responses.
var ErrUnexpectedStatus = errors.New("unexpected collector status")

// Delivery is the settled outcome of one Send.
type Delivery struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Transport is fire-and-forget delivery to the collector.
type Transport interface {
	// Send posts payload as JSON to endpoint. The returned channel yields
	// exactly one Delivery. Failures are logged by the transport and only
	// reported through Delivery.Err.
	Send(ctx context.Context, endpoint string, payload interface{}) <-chan Delivery
}

// HTTPTransport delivers payloads with net/http. Requests are detached from
// the caller's cancellation so tearing down a page never aborts them.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger

	inflight sync.WaitGroup
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport; a nil client uses http.DefaultClient.
func NewHTTPTransport(client *http.Client, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		client:  client,
		timeout: timeout,
		logger:  logger.Named("transport"),
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, payload interface{}) <-chan Delivery {
	out := make(chan Delivery, 1)

	body, err := codec.Marshal(payload)
	if err != nil {
		t.logger.Error("Failed to encode telemetry payload.", zap.String("endpoint", endpoint), zap.Error(err))
		out <- Delivery{Err: fmt.Errorf("encode payload: %w", err)}
		return out
	}

	// Equivalent of a keepalive fetch: outlives the page that issued it.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		defer cancel()
		out <- t.post(reqCtx, endpoint, body)
	}()
	return out
}

func (t *HTTPTransport) post(ctx context.Context, endpoint string, body []byte) Delivery {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		t.logger.Error("Invalid collector endpoint.", zap.String("endpoint", endpoint), zap.Error(err))
		return Delivery{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("Telemetry delivery failed.", zap.String("endpoint", endpoint), zap.Error(err))
		return Delivery{Err: fmt.Errorf("post %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		t.logger.Warn("Failed to read collector response.", zap.String("endpoint", endpoint), zap.Error(err))
		return Delivery{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Warn("Collector rejected telemetry.",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return Delivery{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Err:        fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode),
		}
	}

	t.logger.Debug("Telemetry delivered.",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return Delivery{StatusCode: resp.StatusCode, Body: respBody}
}

// Close waits for in-flight requests until ctx is done.
func (t *HTTPTransport) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.logger.Warn("Abandoning in-flight telemetry on shutdown.", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
