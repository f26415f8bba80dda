// Package hostinfo is the reference ports.HostInfo implementation: thin
// wrappers over os.Hostname, the current user, and runtime.GOOS.
package hostinfo

import (
	"os/user"
	"runtime"

	"github.com/daemon-001/zipline/pkg/ports"
)

// System is the reference ports.HostInfo backed by the standard library.
type System struct {
	hostnameFunc func() (string, error)
}

// New builds a System. Production code should just use System{}; the
// hostnameFunc indirection exists for tests that need a deterministic
// hostname.
func New() *System {
	return &System{}
}

func (s *System) Hostname() (string, error) {
	if s.hostnameFunc != nil {
		return s.hostnameFunc()
	}
	return osHostname()
}

func (s *System) Username() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

func (s *System) Platform() string {
	return runtime.GOOS
}

var _ ports.HostInfo = (*System)(nil)
