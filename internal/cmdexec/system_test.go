package cmdexec

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_Run(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix utilities")
	}
	r := NewSystem(nil)

	t.Run("captures stdout and exit code", func(t *testing.T) {
		out, err := r.Run(context.Background(), Spec{Name: "echo", Args: []string{"hello"}})
		require.NoError(t, err)
		assert.Equal(t, "hello\n", out.Stdout)
		assert.Equal(t, 0, out.ExitCode)
		assert.False(t, out.TimedOut)
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		out, err := r.Run(context.Background(), Spec{Name: "false"})
		require.NoError(t, err)
		assert.Equal(t, 1, out.ExitCode)
	})

	t.Run("timeout is reported, not raised", func(t *testing.T) {
		out, err := r.Run(context.Background(), Spec{
			Name:    "sleep",
			Args:    []string{"5"},
			Timeout: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		assert.True(t, out.TimedOut)
		assert.Less(t, out.Elapsed, 2*time.Second)
	})

	t.Run("missing binary is an error", func(t *testing.T) {
		_, err := r.Run(context.Background(), Spec{Name: "definitely-not-a-real-binary"})
		assert.Error(t, err)
	})

	t.Run("runs in requested directory", func(t *testing.T) {
		dir := t.TempDir()
		out, err := r.Run(context.Background(), Spec{Name: "pwd", Dir: dir})
		require.NoError(t, err)
		assert.Contains(t, out.Stdout, dir)
	})
}

func TestSystem_LookPath(t *testing.T) {
	r := NewSystem(nil)

	path, err := r.LookPath("echo")
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	_, err = r.LookPath("definitely-not-a-real-binary")
	assert.Error(t, err)
}

func TestFake_Scripting(t *testing.T) {
	f := NewFake()
	f.Respond("mount", Output{ExitCode: 0})
	f.Respond("sysbench run", Output{Stdout: "reads/s: 100"})
	f.MarkMissing("fio")

	out, err := f.Run(context.Background(), Spec{Name: "sysbench", Args: []string{"fileio", "run"}})
	require.NoError(t, err)
	assert.Equal(t, "reads/s: 100", out.Stdout)

	_, err = f.LookPath("fio")
	assert.Error(t, err)

	_, err = f.LookPath("dd")
	assert.NoError(t, err)
	assert.True(t, f.CalledWith("sysbench"))
}
