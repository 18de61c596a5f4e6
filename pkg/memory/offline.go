package memory

import (
	"encoding/binary"
	"fmt"
	"os"
)

// LoadStackSnapshot reads a stack dump in the snapshot format: the
// little-endian 64-bit start address followed by the raw stack bytes.
func LoadStackSnapshot(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%s: stack snapshot too small (%d bytes): %w", path, len(data), ErrShortRead)
	}
	start := binary.LittleEndian.Uint64(data)
	body := data[8:]
	if err := checkAddress(start, len(body)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewStack(start, body), nil
}

// LoadStackSnapshots loads several stack dumps into one memory. Dumps
// whose ranges collide with an earlier one are ignored.
func LoadStackSnapshots(paths ...string) (*Ranges, error) {
	rs := &Ranges{}
	for _, path := range paths {
		stack, err := LoadStackSnapshot(path)
		if err != nil {
			return nil, err
		}
		rs.Insert(NewRange(stack, stack.Base, uint64(len(stack.Data)), stack.Base))
	}
	return rs, nil
}
