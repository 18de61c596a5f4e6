// Package frame contains data structures and
// related functions for parsing and searching
// through .eh_frame and .debug_frame data, and for
// applying the rules they describe to a register set.
package frame

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/memory"
)

// Kind tells the two CFI section flavours apart.
type Kind uint8

const (
	EhFrame Kind = iota
	DebugFrame
)

func (k Kind) String() string {
	if k == EhFrame {
		return ".eh_frame"
	}
	return ".debug_frame"
}

// maxEntrySize caps the length of a single CIE or FDE.
const maxEntrySize = 16 << 20

// Section is a CFI section of a binary image. Entries are read from the
// image memory on demand. A Section is safe for concurrent use.
type Section struct {
	kind    Kind
	mem     memory.Memory
	offset  uint64 // offset of the section in mem
	size    uint64 // 0 if only known through .eh_frame_hdr
	addr    uint64 // virtual address of the section
	order   binary.ByteOrder
	ptrSize int

	textAddr, dataAddr uint64

	hdr *Header

	mu   sync.Mutex
	cies map[uint64]*CommonInformationEntry

	indexOnce sync.Once
	index     FrameDescriptionEntries
	indexErr  error
}

// NewSection describes a CFI section stored at offset in mem, size bytes
// long and loaded at virtual address addr.
func NewSection(kind Kind, mem memory.Memory, offset, size, addr uint64, order binary.ByteOrder, ptrSize int) *Section {
	return &Section{
		kind:    kind,
		mem:     mem,
		offset:  offset,
		size:    size,
		addr:    addr,
		order:   order,
		ptrSize: ptrSize,
		cies:    make(map[uint64]*CommonInformationEntry),
	}
}

// SetBases sets the base addresses of textrel and datarel pointers.
func (s *Section) SetBases(textAddr, dataAddr uint64) {
	s.textAddr, s.dataAddr = textAddr, dataAddr
}

// UseHeader makes FDE lookups go through the binary search table of an
// .eh_frame_hdr section.
func (s *Section) UseHeader(hdr *Header) {
	s.hdr = hdr
	if s.dataAddr == 0 {
		s.dataAddr = hdr.addr
	}
}

func (s *Section) Kind() Kind      { return s.kind }
func (s *Section) Addr() uint64    { return s.addr }
func (s *Section) Size() uint64    { return s.size }
func (s *Section) HasHeader() bool { return s.hdr != nil }

type entryHeader struct {
	off     uint64 // offset of the length field
	idOff   uint64 // offset of the CIE id / CIE pointer
	bodyOff uint64 // offset of the first byte after the id
	end     uint64 // offset of the next entry
	id      uint64
	dwarf64 bool
	zero    bool // zero terminator
}

func (s *Section) read(off uint64, dst []byte) error {
	if s.size != 0 && (off > s.size || uint64(len(dst)) > s.size-off) {
		return cfiErrorf(off, "read of %d bytes past the end of %v", len(dst), s.kind)
	}
	if s.offset+off < s.offset {
		return cfiErrorf(off, "offset overflow")
	}
	return memory.ReadFully(s.mem, s.offset+off, dst)
}

func (s *Section) entryHeaderAt(off uint64) (entryHeader, error) {
	h := entryHeader{off: off}
	var buf [8]byte
	if err := s.read(off, buf[:4]); err != nil {
		return h, err
	}
	length := uint64(s.order.Uint32(buf[:4]))
	h.idOff = off + 4
	if length == 0 {
		h.zero = true
		h.end = h.idOff
		return h, nil
	}
	idSize := uint64(4)
	if length == 0xffffffff {
		if err := s.read(off+4, buf[:8]); err != nil {
			return h, err
		}
		length = s.order.Uint64(buf[:8])
		h.idOff = off + 12
		h.dwarf64 = true
		idSize = 8
	}
	if length < idSize || length > maxEntrySize {
		return h, cfiErrorf(off, "bad entry length %#x", length)
	}
	h.end = h.idOff + length
	if s.size != 0 && h.end > s.size {
		return h, cfiErrorf(off, "entry extends past the end of %v", s.kind)
	}
	if err := s.read(h.idOff, buf[:idSize]); err != nil {
		return h, err
	}
	if h.dwarf64 {
		h.id = s.order.Uint64(buf[:8])
	} else {
		h.id = uint64(s.order.Uint32(buf[:4]))
	}
	h.bodyOff = h.idOff + idSize
	return h, nil
}

func (s *Section) isCIE(h entryHeader) bool {
	if s.kind == EhFrame {
		return h.id == 0
	}
	if h.dwarf64 {
		return h.id == ^uint64(0)
	}
	return h.id == 0xffffffff
}

func (s *Section) body(h entryHeader) (*cursor, error) {
	data := make([]byte, h.end-h.bodyOff)
	if err := s.read(h.bodyOff, data); err != nil {
		return nil, err
	}
	return &cursor{
		buf:      data,
		base:     s.addr + h.bodyOff,
		off:      h.bodyOff,
		order:    s.order,
		ptrSize:  s.ptrSize,
		textAddr: s.textAddr,
		dataAddr: s.dataAddr,
	}, nil
}

// cieAt returns the CIE at section offset off, parsing it on first use.
func (s *Section) cieAt(off uint64) (*CommonInformationEntry, error) {
	s.mu.Lock()
	cie, ok := s.cies[off]
	s.mu.Unlock()
	if ok {
		return cie, nil
	}
	h, err := s.entryHeaderAt(off)
	if err != nil {
		return nil, err
	}
	if h.zero || !s.isCIE(h) {
		return nil, cfiErrorf(off, "FDE points to a non CIE entry")
	}
	cie, err = s.parseCIE(h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cies[off] = cie
	s.mu.Unlock()
	return cie, nil
}

func (s *Section) parseCIE(h entryHeader) (*CommonInformationEntry, error) {
	c, err := s.body(h)
	if err != nil {
		return nil, err
	}
	cie := &CommonInformationEntry{Offset: h.off, ptrEncAddr: ptrEncAbs}

	// parse version
	if cie.Version, err = c.u8(); err != nil {
		return nil, err
	}
	if cie.Version != 1 && cie.Version != 3 && cie.Version != 4 {
		return nil, c.errorf("unsupported CIE version %d", cie.Version)
	}

	// parse augmentation
	if cie.Augmentation, err = c.cstring(); err != nil {
		return nil, err
	}
	if cie.Augmentation != "" && cie.Augmentation[0] != 'z' {
		return nil, c.errorf("unsupported augmentation %q", cie.Augmentation)
	}

	if cie.Version == 4 {
		addrSize, err := c.u8()
		if err != nil {
			return nil, err
		}
		if _, err := c.u8(); err != nil { // segment size
			return nil, err
		}
		if addrSize != 0 && int(addrSize) != s.ptrSize {
			return nil, c.errorf("address size %d does not match the image", addrSize)
		}
	}

	// parse code alignment factor
	if cie.CodeAlignmentFactor, err = c.uleb(); err != nil {
		return nil, err
	}

	// parse data alignment factor
	if cie.DataAlignmentFactor, err = c.sleb(); err != nil {
		return nil, err
	}

	// parse return address register
	if cie.Version == 1 {
		r, err := c.u8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(r)
	} else if cie.ReturnAddressRegister, err = c.uleb(); err != nil {
		return nil, err
	}

	if strings.HasPrefix(cie.Augmentation, "z") {
		cie.hasAugmentationData = true
		n, err := c.uleb()
		if err != nil {
			return nil, err
		}
		aug, err := c.next(n)
		if err != nil {
			return nil, err
		}
		ac := &cursor{buf: aug, base: c.base + uint64(c.pos) - n, off: c.at() - n, order: c.order, ptrSize: c.ptrSize, textAddr: c.textAddr, dataAddr: c.dataAddr}
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'L':
				if _, err := ac.u8(); err != nil {
					return nil, err
				}
			case 'P':
				enc, err := ac.u8()
				if err != nil {
					return nil, err
				}
				// the personality routine is not needed to unwind but
				// indirect encodings are common here, so skip the value
				// without resolving it.
				if _, err := ac.encoded(ptrEnc(enc) &^ ptrEncIndirect); err != nil {
					return nil, err
				}
			case 'R':
				enc, err := ac.u8()
				if err != nil {
					return nil, err
				}
				cie.ptrEncAddr = ptrEnc(enc)
				if !cie.ptrEncAddr.Supported() {
					return nil, ac.errorf("unsupported FDE pointer encoding %#x", enc)
				}
			case 'S':
				cie.SignalFrame = true
			case 'B', 'G':
				// aarch64 branch target and memory tagging markers
			default:
				return nil, c.errorf("unknown augmentation %q", ch)
			}
		}
	}

	// The rest of this entry consists of the instructions.
	cie.instrAddr = c.base + uint64(c.pos)
	cie.InitialInstructions = c.buf[c.pos:]
	return cie, nil
}

// fdeAt parses the FDE at section offset off.
func (s *Section) fdeAt(off uint64) (*FrameDescriptionEntry, error) {
	h, err := s.entryHeaderAt(off)
	if err != nil {
		return nil, err
	}
	if h.zero || s.isCIE(h) {
		return nil, cfiErrorf(off, "expected a FDE")
	}
	return s.parseFDE(h)
}

func (s *Section) parseFDE(h entryHeader) (*FrameDescriptionEntry, error) {
	var cieOff uint64
	if s.kind == EhFrame {
		// relative to the CIE pointer field itself
		if h.id > h.idOff {
			return nil, cfiErrorf(h.off, "CIE pointer %#x out of range", h.id)
		}
		cieOff = h.idOff - h.id
	} else {
		cieOff = h.id
	}
	cie, err := s.cieAt(cieOff)
	if err != nil {
		return nil, err
	}
	c, err := s.body(h)
	if err != nil {
		return nil, err
	}
	fde := &FrameDescriptionEntry{Offset: h.off, CIE: cie, section: s}
	if fde.begin, err = c.encoded(cie.ptrEncAddr); err != nil {
		return nil, err
	}
	// the range is never relative to anything
	if fde.size, err = c.encoded(cie.ptrEncAddr & ptrEncFormatMask); err != nil {
		return nil, err
	}
	if cie.hasAugmentationData {
		n, err := c.uleb()
		if err != nil {
			return nil, err
		}
		if _, err := c.next(n); err != nil {
			return nil, err
		}
	}
	fde.instrAddr = c.base + uint64(c.pos)
	fde.Instructions = c.buf[c.pos:]
	return fde, nil
}

// Entries walks the whole section and returns every FDE sorted by start
// address. The result is computed once.
func (s *Section) Entries() (FrameDescriptionEntries, error) {
	s.indexOnce.Do(func() {
		s.index, s.indexErr = s.buildIndex()
	})
	return s.index, s.indexErr
}

func (s *Section) buildIndex() (FrameDescriptionEntries, error) {
	if s.size == 0 {
		return nil, cfiErrorf(0, "%v has no size and no usable header", s.kind)
	}
	entries := newFrameIndex()
	var err error
	for off := uint64(0); off+4 <= s.size; {
		var h entryHeader
		h, err = s.entryHeaderAt(off)
		if err != nil {
			break
		}
		if h.zero {
			if s.kind == EhFrame {
				break
			}
			off = h.end
			continue
		}
		if !s.isCIE(h) {
			var fde *FrameDescriptionEntry
			fde, err = s.parseFDE(h)
			if err != nil {
				break
			}
			if fde.size != 0 {
				entries = append(entries, fde)
			}
		}
		off = h.end
	}
	if err != nil {
		logflags.DwarfLogger().Debugf("%v: stopped indexing after %d entries: %v", s.kind, len(entries), err)
		if len(entries) == 0 {
			return nil, err
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Begin() < entries[j].Begin()
	})
	return entries, nil
}

// FDEForPC returns the FDE covering pc, a virtual address of the image.
func (s *Section) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	if s.hdr != nil && s.hdr.searchable() {
		fdeAddr, err := s.hdr.lookup(pc)
		if err != nil {
			return nil, err
		}
		if fdeAddr < s.addr {
			return nil, cfiErrorf(0, "FDE address %#x before %v", fdeAddr, s.kind)
		}
		fde, err := s.fdeAt(fdeAddr - s.addr)
		if err != nil {
			return nil, err
		}
		if !fde.Cover(pc) {
			return nil, &ErrNoFDEForPC{pc}
		}
		return fde, nil
	}
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	return entries.FDEForPC(pc)
}
