//go:build !linux

package regs

import "errors"

var errNoPtrace = errors.New("PTRACE_GETREGSET is only available on linux")

// RemoteGet reads the registers of tid, a thread stopped under ptrace.
func RemoteGet(tid int) (Regs, error) {
	return nil, &SystemCallError{Op: "PTRACE_GETREGSET", Tid: tid, Err: errNoPtrace}
}

// RemoteGetArch returns the architecture of tid, a thread stopped under
// ptrace.
func RemoteGetArch(tid int) (Arch, error) {
	return ArchUnknown, &SystemCallError{Op: "PTRACE_GETREGSET", Tid: tid, Err: errNoPtrace}
}
