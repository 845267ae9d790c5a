package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackend_WriteRead(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	content := "rule content"
	require.NoError(t, ib.Write(ctx, "python/style.md", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "python/style.md")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")

	_, err = ib.Read(context.Background(), "python/absent.md")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_List(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "list/a", strings.NewReader("a")))
	require.NoError(t, ib.Write(ctx, "list/b", strings.NewReader("b")))

	keys, err := ib.List(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, []string{"list/a", "list/b"}, keys)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "invalid_key", outcomeFromError(fmt.Errorf("%w: %q", ErrInvalidKey, "../x")))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
