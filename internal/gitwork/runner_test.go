package gitwork

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerRunReturnsTrimmedStdout(t *testing.T) {
	r := NewExecRunner()
	out, err := r.Run(t.TempDir(), "echo", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExecRunnerRunReturnsErrorOnFailure(t *testing.T) {
	r := NewExecRunner()
	_, err := r.Run(t.TempDir(), "false")
	assert.Error(t, err)
	var cmdErr *CommandError
	assert.ErrorAs(t, err, &cmdErr)
}

func TestExecRunnerTimeoutKillsSlowCommand(t *testing.T) {
	r := NewExecRunnerWithTimeout(50 * time.Millisecond)
	start := time.Now()
	_, err := r.Run(t.TempDir(), "sleep", "5")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second, "command should have been killed well before its natural 5s duration")
}

func TestExecRunnerWithoutTimeoutAllowsSlowCommand(t *testing.T) {
	r := NewExecRunner()
	_, err := r.Run(t.TempDir(), "sleep", "0.05")
	assert.NoError(t, err)
}
