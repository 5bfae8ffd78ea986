package shell

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	skipOnWindows(t)
	r := NewExecRunner()

	res, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err 1>&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := NewExecRunner()

	res, err := r.Run(context.Background(), "sh", "-c", "echo bad input 1>&2; exit 3")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "bad input")
}

func TestExecRunner_MissingTool(t *testing.T) {
	r := NewExecRunner()
	_, err := r.Run(context.Background(), "definitely-not-a-gdal-tool")
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestExecRunner_ContextCancel(t *testing.T) {
	skipOnWindows(t)
	r := NewExecRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "sleep", "5")
	require.Error(t, err)
}

func TestExitError_Truncates(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	e := &ExitError{Name: "gdalinfo", ExitCode: 1, Stderr: string(long)}
	assert.Less(t, len(e.Error()), 600)
}
