package target

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// MountEntry is one row of the kernel mount table.
type MountEntry struct {
	Device     string
	MountPoint string
	FSType     string
}

// ParseMountTable reads entries in /proc/mounts format.
func ParseMountTable(r io.Reader) []MountEntry {
	var entries []MountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, MountEntry{
			Device:     unescapeMountField(fields[0]),
			MountPoint: unescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	return entries
}

// ReadMountTable parses the mount table at path (normally /proc/mounts).
func ReadMountTable(path string) ([]MountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMountTable(f), nil
}

// unescapeMountField decodes the octal escapes the kernel uses for spaces
// and tabs in mount paths.
func unescapeMountField(s string) string {
	replacer := strings.NewReplacer(
		`\040`, " ",
		`\011`, "\t",
		`\012`, "\n",
		`\134`, `\`,
	)
	return replacer.Replace(s)
}
