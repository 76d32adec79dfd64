package osexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	out, err := Execute(
		"bash",
		[]string{"-c", "echo ${VAR1} ${VAR2}"},
		[]string{"VAR1=1", "VAR2=2"},
	)
	require.NoError(t, err)
	assert.Equal(t, "1 2", strings.TrimSpace(string(out)))

	_, err = Execute("bash", []string{"-c", "exit 1"}, nil)
	require.Error(t, err)
}

func TestExecuteContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ExecuteContext(ctx, "sleep", []string{"300"}, nil)
	require.Error(t, err)
}

func TestExecuteWithTimeout(t *testing.T) {
	_, err := ExecuteWithTimeout("sleep", []string{"5"}, 0.05, nil)
	require.Error(t, err, "expected command timeout")
}

func TestExecuteWithTimeoutUnbounded(t *testing.T) {
	out, err := ExecuteWithTimeout("echo", []string{"hi"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", strings.TrimSpace(string(out)))
}
