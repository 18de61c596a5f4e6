//go:build linux

package regs

import (
	"debug/elf"
	"unsafe"

	"golang.org/x/sys/unix"
)

// big enough for the NT_PRSTATUS set of every architecture
const maxUserRegsSize = 1024

func getRegset(tid int) ([]byte, error) {
	buf := make([]byte, maxUserRegsSize)
	iov := unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return nil, &SystemCallError{Op: "PTRACE_GETREGSET", Tid: tid, Err: errno}
	}
	return buf[:iov.Len], nil
}

// RemoteGet reads the registers of tid, a thread stopped under ptrace.
func RemoteGet(tid int) (Regs, error) {
	data, err := getRegset(tid)
	if err != nil {
		return nil, err
	}
	return FromUserRegs(data)
}

// RemoteGetArch returns the architecture of tid, a thread stopped under
// ptrace.
func RemoteGetArch(tid int) (Arch, error) {
	data, err := getRegset(tid)
	if err != nil {
		return ArchUnknown, err
	}
	return ArchFromUserRegsSize(len(data)), nil
}
