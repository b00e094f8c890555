package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/services"
)

func TestRun_Success(t *testing.T) {
	runner := NewExecRunner(time.Minute)

	out, err := runner.Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestRun_NonZeroExit(t *testing.T) {
	runner := NewExecRunner(time.Minute)

	out, err := runner.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)

	cmdErr, ok := services.IsExternalCommandError(err)
	require.True(t, ok)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.False(t, cmdErr.Retryable)
	assert.Contains(t, cmdErr.Output, "broken")
	assert.Contains(t, string(out), "broken")
}

func TestRun_TimeoutIsRetryable(t *testing.T) {
	runner := NewExecRunner(50 * time.Millisecond)

	_, err := runner.Run(context.Background(), "sh", "-c", "sleep 5")
	require.Error(t, err)

	cmdErr, ok := services.IsExternalCommandError(err)
	require.True(t, ok)
	assert.True(t, cmdErr.Retryable)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), 2048)
	assert.Len(t, got, 2048+len("...(truncated)"))
}
