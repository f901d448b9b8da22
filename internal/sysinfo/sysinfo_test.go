package sysinfo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storageforge/diskmark/internal/cmdexec"
)

func TestCollect(t *testing.T) {
	runner := cmdexec.NewFake()
	runner.Respond("uname -r", cmdexec.Output{Stdout: "6.8.0-45-generic\n"})
	runner.Respond("uname -m", cmdexec.Output{Stdout: "x86_64\n"})

	info := Collect(context.Background(), runner)
	assert.Equal(t, "6.8.0-45-generic", info.Kernel)
	assert.Equal(t, "x86_64", info.Arch)
	assert.NotEmpty(t, info.Hostname)
}

func TestCollect_MissingUnameLeavesFieldsEmpty(t *testing.T) {
	runner := cmdexec.NewFake()
	runner.Respond("uname", cmdexec.Output{ExitCode: 127})

	info := Collect(context.Background(), runner)
	assert.Empty(t, info.Kernel)
	assert.Empty(t, info.Arch)
}

func TestPrettyName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	content := `NAME="Ubuntu"
VERSION="24.04 LTS"
PRETTY_NAME="Ubuntu 24.04 LTS"
ID=ubuntu
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	assert.Equal(t, "Ubuntu 24.04 LTS", prettyName(path))
	assert.Empty(t, prettyName(filepath.Join(t.TempDir(), "absent")))
}
