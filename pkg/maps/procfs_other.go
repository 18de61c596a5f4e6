//go:build !linux

package maps

import (
	"errors"
	"runtime"
)

var errNoProcfs = errors.New("reading maps not supported on " + runtime.GOOS)

// LocalMaps returns maps whose Parse always fails.
func LocalMaps() *Maps {
	return &Maps{load: func() ([]*MapEntry, error) { return nil, &ParseError{Err: errNoProcfs} }}
}

// RemoteMaps returns maps whose Parse always fails.
func RemoteMaps(pid int) *Maps {
	return LocalMaps()
}
