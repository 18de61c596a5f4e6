package frame

import (
	"encoding/binary"
	"sort"

	"github.com/cinit/libunwindstack/pkg/memory"
)

// maxHeaderEntries caps the FDE count read from an .eh_frame_hdr.
const maxHeaderEntries = 1 << 24

// Header is a parsed .eh_frame_hdr section.
type Header struct {
	// EhFramePtr is the virtual address of the .eh_frame section.
	EhFramePtr uint64
	// FDECount is the number of entries of the search table.
	FDECount uint64

	mem      memory.Memory
	order    binary.ByteOrder
	addr     uint64 // virtual address of the header
	tableOff uint64 // offset of the search table in mem
	tableEnc ptrEnc
}

// ParseHeader decodes the .eh_frame_hdr stored at offset in mem and
// loaded at virtual address addr.
func ParseHeader(mem memory.Memory, offset, addr uint64, order binary.ByteOrder, ptrSize int) (*Header, error) {
	// version, eh_frame_ptr_enc, fde_count_enc, table_enc plus the two
	// pointers, none of which is wider than 8 bytes
	var buf [4 + 2*8]byte
	n, _ := mem.Read(offset, buf[:])
	if n < 4 {
		return nil, cfiErrorf(0, ".eh_frame_hdr too short")
	}
	if buf[0] != 1 {
		return nil, cfiErrorf(0, "unsupported .eh_frame_hdr version %d", buf[0])
	}
	c := &cursor{
		buf:      buf[:n],
		pos:      4,
		base:     addr,
		order:    order,
		ptrSize:  ptrSize,
		dataAddr: addr,
	}
	hdr := &Header{mem: mem, order: order, addr: addr, tableEnc: ptrEnc(buf[3])}
	var err error
	if hdr.EhFramePtr, err = c.encoded(ptrEnc(buf[1])); err != nil {
		return nil, err
	}
	fdeCountEnc := ptrEnc(buf[2])
	if fdeCountEnc != ptrEncOmit && hdr.tableEnc != ptrEncOmit {
		if hdr.FDECount, err = c.encoded(fdeCountEnc); err != nil {
			return nil, err
		}
		if hdr.FDECount > maxHeaderEntries {
			return nil, cfiErrorf(0, "too many .eh_frame_hdr entries (%d)", hdr.FDECount)
		}
	}
	hdr.tableOff = offset + uint64(c.pos)
	return hdr, nil
}

// searchable reports whether the binary search table can be used, only
// the datarel sdata4 encoding emitted by every linker is understood.
func (hdr *Header) searchable() bool {
	return hdr.FDECount > 0 && hdr.tableEnc == ptrEncDataRel|ptrEncSdata4
}

func (hdr *Header) entry(i uint64) (initialLoc, fdeAddr uint64, err error) {
	var buf [8]byte
	if err := memory.ReadFully(hdr.mem, hdr.tableOff+i*8, buf[:]); err != nil {
		return 0, 0, err
	}
	initialLoc = hdr.addr + uint64(int64(int32(hdr.order.Uint32(buf[:4]))))
	fdeAddr = hdr.addr + uint64(int64(int32(hdr.order.Uint32(buf[4:]))))
	return initialLoc, fdeAddr, nil
}

// lookup returns the address of the FDE whose initial location is the
// closest one at or below pc.
func (hdr *Header) lookup(pc uint64) (uint64, error) {
	var readErr error
	idx := sort.Search(int(hdr.FDECount), func(i int) bool {
		if readErr != nil {
			return true
		}
		loc, _, err := hdr.entry(uint64(i))
		if err != nil {
			readErr = err
			return true
		}
		return loc > pc
	})
	if readErr != nil {
		return 0, readErr
	}
	if idx == 0 {
		return 0, &ErrNoFDEForPC{pc}
	}
	_, fdeAddr, err := hdr.entry(uint64(idx - 1))
	return fdeAddr, err
}
