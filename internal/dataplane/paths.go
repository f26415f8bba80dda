package dataplane

import (
	"fmt"
	"path"
	"strings"

	"github.com/daemon-001/zipline/pkg/ports"
)

// uniquePath appends a " (N)" suffix before the extension until dir/name
// does not already exist.
func uniquePath(fs ports.Fs, dir, name string) string {
	candidate := path.Join(dir, name)
	if _, err := fs.Stat(candidate); err != nil {
		return candidate
	}

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate = path.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := fs.Stat(candidate); err != nil {
			return candidate
		}
	}
}

func tempPathFor(final string) string {
	return final + ".part"
}
