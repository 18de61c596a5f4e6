package memory

import (
	"errors"
	"sync"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/cinit/libunwindstack/pkg/logflags"
)

// maxIovecs bounds the number of iovecs passed to a single
// process_vm_readv call (IOV_MAX).
const maxIovecs = 64

// Remote reads the memory of another process. process_vm_readv is tried
// first, ptrace PEEKDATA is used when the kernel refuses it. Reads are
// serialized because the ptrace path is not reentrant for one tracee.
type Remote struct {
	pid int

	mu        sync.Mutex
	noVMReadv bool
}

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
	if len(dst) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	var err error
	if !r.noVMReadv {
		n, err = r.vmReadv(addr, dst)
		if errors.Is(err, sys.ENOSYS) || errors.Is(err, sys.EPERM) {
			logflags.MemoryLogger().Debugf("process_vm_readv unavailable for %d: %v", r.pid, err)
			r.noVMReadv = true
		}
	}
	if r.noVMReadv {
		n, err = r.peek(addr, dst)
	}
	if n < len(dst) {
		return n, &ShortReadError{Addr: addr, Want: len(dst), Got: n}
	}
	return n, nil
}

// vmReadv splits the remote range at page boundaries so that a read
// running into an unmapped page still returns the readable prefix.
func (r *Remote) vmReadv(addr uint64, dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		local := []sys.Iovec{{Base: (*byte)(unsafe.Pointer(&dst[total]))}}
		local[0].SetLen(len(dst) - total)
		remote := make([]sys.RemoteIovec, 0, maxIovecs)
		cur := addr + uint64(total)
		left := len(dst) - total
		for left > 0 && len(remote) < maxIovecs {
			chunk := cachePageSize - int(cur&(cachePageSize-1))
			if chunk > left {
				chunk = left
			}
			remote = append(remote, sys.RemoteIovec{Base: uintptr(cur), Len: chunk})
			cur += uint64(chunk)
			left -= chunk
		}
		n, err := sys.ProcessVMReadv(r.pid, local, remote, 0)
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		want := 0
		for _, iov := range remote {
			want += iov.Len
		}
		if n < want {
			break
		}
	}
	return total, nil
}

func (r *Remote) peek(addr uint64, dst []byte) (int, error) {
	n, err := sys.PtracePeekData(r.pid, uintptr(addr), dst)
	if n < 0 {
		n = 0
	}
	return n, err
}
