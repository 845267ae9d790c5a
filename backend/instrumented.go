package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/rule-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcome, time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcome, time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcome, time.Since(start), 0)
	return keys, err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var _ Backend = (*InstrumentedBackend)(nil)
