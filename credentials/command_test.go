package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecCommand_MissingBinary(t *testing.T) {
	_, err := ExecCommand(context.Background(), "rule-cache-no-such-binary", "read")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rule-cache-no-such-binary read")
}
