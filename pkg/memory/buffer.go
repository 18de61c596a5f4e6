package memory

// Buffer is a Memory backed by a byte slice that starts at address Base.
type Buffer struct {
	Base uint64
	Data []byte

	// process is set for buffers holding a snapshot of process memory, the
	// null page is never readable in those.
	process bool
}

// NewBuffer returns a Buffer whose first byte is at address 0. It is
// meant for offset spaces such as an ELF image held in memory.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{Data: data}
}

// NewStack returns a Buffer holding a copy of process memory taken at
// address base.
func NewStack(base uint64, data []byte) *Buffer {
	return &Buffer{Base: base, Data: data, process: true}
}

func (b *Buffer) Read(addr uint64, dst []byte) (int, error) {
	check := checkOverflow
	if b.process {
		check = checkAddress
	}
	if err := check(addr, len(dst)); err != nil {
		return 0, err
	}
	if addr < b.Base || addr-b.Base >= uint64(len(b.Data)) {
		return 0, &ShortReadError{Addr: addr, Want: len(dst)}
	}
	n := copy(dst, b.Data[addr-b.Base:])
	if n < len(dst) {
		return n, &ShortReadError{Addr: addr, Want: len(dst), Got: n}
	}
	return n, nil
}
