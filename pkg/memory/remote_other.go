//go:build !linux

package memory

import (
	"errors"
	"fmt"
)

// Remote reads the memory of another process, it is only implemented on
// linux.
type Remote struct {
	pid int
}

var errRemoteUnsupported = errors.New("remote memory reads are not supported on this platform")

// NewRemote returns a Memory reading the address space of pid.
func NewRemote(pid int) *Remote {
	return &Remote{pid: pid}
}

// Pid returns the process this memory reads from.
func (r *Remote) Pid() int {
	return r.pid
}

func (r *Remote) Read(addr uint64, dst []byte) (int, error) {
	if err := checkAddress(addr, len(dst)); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("read %#x: %w: %w", addr, errRemoteUnsupported, ErrInvalidMemory)
}
