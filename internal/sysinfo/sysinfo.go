// Package sysinfo collects the host facts embedded in reports.
package sysinfo

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/storageforge/diskmark/internal/cmdexec"
)

// Info is the host description attached to every report.
type Info struct {
	Kernel   string `json:"kernel"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

const unameTimeout = 5 * time.Second

// Collect gathers host facts best effort: a field that cannot be read stays
// empty rather than failing the report.
func Collect(ctx context.Context, runner cmdexec.Runner) Info {
	info := Info{
		OS: prettyName("/etc/os-release"),
	}
	if host, err := os.Hostname(); err == nil {
		info.Hostname = host
	}
	if out, err := runner.Run(ctx, cmdexec.Spec{Name: "uname", Args: []string{"-r"}, Timeout: unameTimeout}); err == nil && out.ExitCode == 0 {
		info.Kernel = strings.TrimSpace(out.Stdout)
	}
	if out, err := runner.Run(ctx, cmdexec.Spec{Name: "uname", Args: []string{"-m"}, Timeout: unameTimeout}); err == nil && out.ExitCode == 0 {
		info.Arch = strings.TrimSpace(out.Stdout)
	}
	return info
}

// prettyName extracts PRETTY_NAME from an os-release file.
func prettyName(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if name, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(strings.TrimSpace(name), `"`)
		}
	}
	return ""
}
