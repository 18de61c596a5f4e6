// Package memory provides byte-range readers over target address spaces:
// fixed buffers, windows into other readers, files, remote processes and a
// page cache that can be layered over any of them.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidMemory is returned for any read that can not be satisfied,
// either because the address is invalid or because the memory is not
// mapped.
var ErrInvalidMemory = errors.New("invalid memory")

// ErrShortRead is the cause of reads that returned fewer bytes than
// requested.
var ErrShortRead = errors.New("short read")

// Memory is like io.ReaderAt over a 64-bit address space. Read returns the
// number of bytes copied into dst, which is smaller than len(dst) only if
// err is not nil.
type Memory interface {
	Read(addr uint64, dst []byte) (n int, err error)
}

// InvalidAddressError is returned for reads at address zero or reads that
// would wrap around the end of the address space.
type InvalidAddressError struct {
	Addr uint64
	Size int
}

func (err *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid memory access of %d bytes at %#x", err.Size, err.Addr)
}

func (err *InvalidAddressError) Is(target error) bool {
	return target == ErrInvalidMemory
}

// ShortReadError is returned when only a prefix of the requested range
// could be read.
type ShortReadError struct {
	Addr uint64
	Want int
	Got  int
}

func (err *ShortReadError) Error() string {
	return fmt.Sprintf("short read at %#x: wanted %d bytes, got %d", err.Addr, err.Want, err.Got)
}

func (err *ShortReadError) Is(target error) bool {
	return target == ErrShortRead || target == ErrInvalidMemory
}

// checkOverflow rejects ranges wrapping past the top of the address space.
func checkOverflow(addr uint64, size int) error {
	if size < 0 || addr+uint64(size) < addr {
		return &InvalidAddressError{Addr: addr, Size: size}
	}
	return nil
}

// checkAddress is checkOverflow plus the null page check used by memories
// that address a process (as opposed to offsets inside a file).
func checkAddress(addr uint64, size int) error {
	if addr == 0 {
		return &InvalidAddressError{Addr: addr, Size: size}
	}
	return checkOverflow(addr, size)
}

// ReadFully reads exactly len(dst) bytes at addr.
func ReadFully(mem Memory, addr uint64, dst []byte) error {
	if err := checkOverflow(addr, len(dst)); err != nil {
		return err
	}
	n, err := mem.Read(addr, dst)
	if n == len(dst) {
		return nil
	}
	var invalid *InvalidAddressError
	if errors.As(err, &invalid) {
		return err
	}
	return &ShortReadError{Addr: addr, Want: len(dst), Got: n}
}

// ReadUint reads an unsigned integer of size bytes (1, 2, 4 or 8) at addr.
func ReadUint(mem Memory, addr uint64, size int, order binary.ByteOrder) (uint64, error) {
	var buf [8]byte
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return 0, fmt.Errorf("unsupported integer size %d", size)
	}
	if err := ReadFully(mem, addr, buf[:size]); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf[:])), nil
	case 4:
		return uint64(order.Uint32(buf[:])), nil
	default:
		return order.Uint64(buf[:]), nil
	}
}

// ReadString reads a NUL terminated string starting at addr. At most
// maxLen bytes, not counting the terminator, are examined.
func ReadString(mem Memory, addr uint64, maxLen int) (string, error) {
	var chunk [64]byte
	out := make([]byte, 0, 32)
	for len(out) <= maxLen {
		want := len(chunk)
		if rem := maxLen + 1 - len(out); rem < want {
			want = rem
		}
		if err := checkOverflow(addr, want); err != nil {
			return "", err
		}
		n, err := mem.Read(addr, chunk[:want])
		for i := 0; i < n; i++ {
			if chunk[i] == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		if err != nil || n == 0 {
			return "", &ShortReadError{Addr: addr, Want: want, Got: n}
		}
		out = append(out, chunk[:n]...)
		addr += uint64(n)
	}
	return "", fmt.Errorf("string at %#x longer than %d bytes: %w", addr, maxLen, ErrInvalidMemory)
}
