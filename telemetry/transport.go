package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch metrics.
type InstrumentedTransport struct {
	base     http.RoundTripper
	provider string
}

// NewInstrumentedTransport creates a new instrumented transport for a rule provider.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, provider string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, provider: provider}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.provider, duration, 0, outcome)
		return nil, err
	}

	outcome := responseOutcome(resp)
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		provider:   t.provider,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// responseOutcome labels a response. GitHub signals throttling with 429, or
// with 403 and either a zero X-RateLimit-Remaining or a Retry-After header.
func responseOutcome(resp *http.Response) string {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden &&
			(resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""):
		return "rate_limited"
	case resp.StatusCode >= 500:
		return "5xx"
	case resp.StatusCode >= 400:
		return "4xx"
	}
	return "success"
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	provider string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.provider, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
