package memory

import (
	"fmt"
	"io"
	"os"
)

// File exposes a region of a file on disk as a Memory. Address 0 is the
// byte at the file offset the region was opened with.
type File struct {
	f      *os.File
	offset uint64
	size   uint64
}

// OpenFile opens path and exposes at most size bytes starting at offset.
// A size of zero means the rest of the file.
func OpenFile(path string, offset, size uint64) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	total := uint64(fi.Size())
	if offset >= total {
		f.Close()
		return nil, fmt.Errorf("offset %#x beyond end of %s (%#x bytes): %w", offset, path, total, ErrInvalidMemory)
	}
	if size == 0 || size > total-offset {
		size = total - offset
	}
	return &File{f: f, offset: offset, size: size}, nil
}

// Size returns the number of readable bytes.
func (m *File) Size() uint64 {
	return m.size
}

func (m *File) Read(addr uint64, dst []byte) (int, error) {
	if err := checkOverflow(addr, len(dst)); err != nil {
		return 0, err
	}
	if addr >= m.size {
		return 0, &ShortReadError{Addr: addr, Want: len(dst)}
	}
	want := uint64(len(dst))
	if rem := m.size - addr; rem < want {
		want = rem
	}
	n, err := m.f.ReadAt(dst[:want], int64(m.offset+addr))
	if err == io.EOF {
		err = nil
	}
	if err == nil && n < len(dst) {
		err = &ShortReadError{Addr: addr, Want: len(dst), Got: n}
	}
	return n, err
}

// Close releases the underlying file.
func (m *File) Close() error {
	return m.f.Close()
}
