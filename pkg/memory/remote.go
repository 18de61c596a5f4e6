package memory

import "os"

// NewLocal returns a Memory reading the address space of the calling
// process.
func NewLocal() *Remote {
	return NewRemote(os.Getpid())
}
