// Package image parses ELF images held in a memory.Memory and exposes the
// pieces the unwinder needs: load bias, unwind tables and symbols.
//
// The memory addresses an image by file offset, the first byte of the ELF
// header is at address 0.
package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/cinit/libunwindstack/pkg/armexidx"
	"github.com/cinit/libunwindstack/pkg/dwarf/frame"
	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/memory"
	"github.com/cinit/libunwindstack/pkg/regs"
)

const (
	maxProgHeaders  = 1 << 12
	maxSections     = 1 << 16
	maxSectionName  = 256
	maxDynEntries   = 1 << 12
	maxNotesSize    = 1 << 16
	maxDebugLinkLen = 4096

	ntGNUBuildID = 3
	shtARMExidx  = elf.SectionType(0x70000001)
)

// Section describes one section of the image.
type Section struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Entsize uint64
}

// Segment describes one program header of the image.
type Segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

// region is a piece of the image located through a section or segment.
type region struct {
	offset uint64
	size   uint64
	addr   uint64
}

// Image is a parsed ELF image. It is immutable once returned by Parse,
// unwind tables and symbol indexes are built on first use.
type Image struct {
	mem memory.Memory
	lay layout

	Class    elf.Class
	Order    binary.ByteOrder
	Type     elf.Type
	Machine  elf.Machine
	Entry    uint64
	LoadBias uint64

	Segments []Segment
	Sections []Section

	SOName    string
	BuildID   []byte
	DebugLink string

	// GnuDebugdata is the .gnu_debugdata section, an xz compressed
	// image that is not decoded.
	GnuDebugdata *Section

	ehFrame    *region
	ehFrameHdr *region
	debugFrame *region
	armExidx   *region
	textAddr   uint64
	gotAddr    uint64

	symtabs []*Symbols

	tablesOnce sync.Once
	ehCFI      *frame.Section
	debugCFI   *frame.Section
	exidx      *armexidx.Index
}

// Memory returns the memory the image is read from.
func (img *Image) Memory() memory.Memory {
	return img.mem
}

// PtrSize returns the size of a pointer in the image.
func (img *Image) PtrSize() int {
	if img.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// Arch returns the architecture the image was built for.
func (img *Image) Arch() regs.Arch {
	return archOf(img.Machine, img.Class)
}

func archOf(machine elf.Machine, class elf.Class) regs.Arch {
	switch machine {
	case elf.EM_ARM:
		return regs.ArchARM
	case elf.EM_AARCH64:
		return regs.ArchARM64
	case elf.EM_386:
		return regs.ArchX86
	case elf.EM_X86_64:
		return regs.ArchX86_64
	case elf.EM_RISCV:
		if class == elf.ELFCLASS64 {
			return regs.ArchRISCV64
		}
	case elf.EM_MIPS:
		if class == elf.ELFCLASS64 {
			return regs.ArchMIPS64
		}
		return regs.ArchMIPS
	}
	return regs.ArchUnknown
}

// IsValidELF reports whether mem starts with an ELF header of a known class.
func IsValidELF(mem memory.Memory) bool {
	var ident [elf.EI_NIDENT]byte
	if err := memory.ReadFully(mem, 0, ident[:]); err != nil {
		return false
	}
	_, _, err := identify(ident)
	return err == nil
}

func identify(ident [elf.EI_NIDENT]byte) (layout, binary.ByteOrder, error) {
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, nil, invalidf("bad magic %x", ident[:4])
	}
	var lay layout
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		lay = class32{}
	case elf.ELFCLASS64:
		lay = class64{}
	default:
		return nil, nil, invalidf("unknown class %d", ident[elf.EI_CLASS])
	}
	var order binary.ByteOrder
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, nil, invalidf("unknown data encoding %d", ident[elf.EI_DATA])
	}
	return lay, order, nil
}

// tableRange checks a table of count entries of entSize bytes at off
// and returns its total size.
func tableRange(what string, off, count, entSize uint64) (uint64, error) {
	hi, size := bits.Mul64(count, entSize)
	if hi != 0 {
		return 0, invalidf("%s size overflows", what)
	}
	if _, carry := bits.Add64(off, size, 0); carry != 0 {
		return 0, invalidf("%s at %#x overflows", what, off)
	}
	return size, nil
}

// Parse reads the ELF image at the start of mem.
func Parse(mem memory.Memory) (*Image, error) {
	var ident [elf.EI_NIDENT]byte
	if err := memory.ReadFully(mem, 0, ident[:]); err != nil {
		return nil, readFailed("ELF identification", err)
	}
	lay, order, err := identify(ident)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, lay.headerSize())
	if err := memory.ReadFully(mem, 0, buf); err != nil {
		return nil, readFailed("ELF header", err)
	}
	hdr := lay.header(buf, order)
	img := &Image{
		mem:     mem,
		lay:     lay,
		Class:   lay.class(),
		Order:   order,
		Type:    hdr.Type,
		Machine: hdr.Machine,
		Entry:   hdr.Entry,
	}
	if err := img.parseProgs(hdr); err != nil {
		return nil, err
	}
	if err := img.parseSections(hdr); err != nil {
		return nil, err
	}
	img.computeLoadBias()
	if img.BuildID == nil {
		img.BuildID = img.buildIDFromNotes()
	}
	img.SOName = img.readSOName()

	log := logflags.ElfLogger()
	if logflags.Elf() {
		log.Debugf("parsed %v %v image: load bias %#x, %d segments, %d sections, soname %q",
			img.Class, img.Machine, img.LoadBias, len(img.Segments), len(img.Sections), img.SOName)
	}
	return img, nil
}

func (img *Image) parseProgs(hdr fileHeader) error {
	if hdr.Phnum == 0 {
		return nil
	}
	if hdr.Phnum > maxProgHeaders {
		return invalidf("%d program headers", hdr.Phnum)
	}
	if hdr.Phentsize < uint64(img.lay.progSize()) {
		return invalidf("program header size %d", hdr.Phentsize)
	}
	if _, err := tableRange("program header table", hdr.Phoff, hdr.Phnum, hdr.Phentsize); err != nil {
		return err
	}
	buf := make([]byte, img.lay.progSize())
	for i := uint64(0); i < hdr.Phnum; i++ {
		if err := memory.ReadFully(img.mem, hdr.Phoff+i*hdr.Phentsize, buf); err != nil {
			return readFailed("program header", err)
		}
		p := img.lay.prog(buf, img.Order)
		img.Segments = append(img.Segments, Segment{
			Type:   p.Type,
			Flags:  p.Flags,
			Offset: p.Off,
			Vaddr:  p.Vaddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
		})
		switch p.Type {
		case elf.PT_GNU_EH_FRAME:
			img.ehFrameHdr = &region{offset: p.Off, size: p.Filesz, addr: p.Vaddr}
		case elf.PT_ARM_EXIDX:
			if hdr.Machine == elf.EM_ARM {
				img.armExidx = &region{offset: p.Off, size: p.Filesz, addr: p.Vaddr}
			}
		}
	}
	return nil
}

func (img *Image) parseSections(hdr fileHeader) error {
	if hdr.Shoff == 0 || hdr.Shnum == 0 {
		return nil
	}
	if hdr.Shnum > maxSections {
		return invalidf("%d sections", hdr.Shnum)
	}
	if hdr.Shentsize < uint64(img.lay.sectionSize()) {
		return invalidf("section header size %d", hdr.Shentsize)
	}
	if _, err := tableRange("section header table", hdr.Shoff, hdr.Shnum, hdr.Shentsize); err != nil {
		return err
	}
	headers := make([]sectionHeader, 0, hdr.Shnum)
	buf := make([]byte, img.lay.sectionSize())
	for i := uint64(0); i < hdr.Shnum; i++ {
		if err := memory.ReadFully(img.mem, hdr.Shoff+i*hdr.Shentsize, buf); err != nil {
			return readFailed("section header", err)
		}
		headers = append(headers, img.lay.section(buf, img.Order))
	}

	var strtab *sectionHeader
	if hdr.Shstrndx < uint64(len(headers)) {
		strtab = &headers[hdr.Shstrndx]
	}
	log := logflags.ElfLogger()
	for i := range headers {
		sh := &headers[i]
		sec := Section{
			Type:    sh.Type,
			Flags:   sh.Flags,
			Addr:    sh.Addr,
			Offset:  sh.Off,
			Size:    sh.Size,
			Link:    sh.Link,
			Entsize: sh.Entsize,
		}
		if strtab != nil {
			sec.Name = img.sectionName(strtab, sh.Name)
		}
		img.Sections = append(img.Sections, sec)
		if sh.Type == elf.SHT_NOBITS {
			continue
		}
		if _, carry := bits.Add64(sh.Off, sh.Size, 0); carry != 0 {
			log.Debugf("section %d (%s) overflows, ignored", i, sec.Name)
			continue
		}

		switch sh.Type {
		case elf.SHT_SYMTAB, elf.SHT_DYNSYM:
			if uint64(sh.Link) >= uint64(len(headers)) {
				log.Debugf("symbol table %s links to missing section %d", sec.Name, sh.Link)
				continue
			}
			str := headers[sh.Link]
			img.symtabs = append(img.symtabs, newSymbols(img.mem, img.lay, img.Order, sh.Off, sh.Size, sh.Entsize, str.Off, str.Size))
			continue
		}

		r := &region{offset: sh.Off, size: sh.Size, addr: sh.Addr}
		if sh.Type == shtARMExidx && hdr.Machine == elf.EM_ARM {
			img.armExidx = r
			continue
		}
		switch sec.Name {
		case ".eh_frame":
			img.ehFrame = r
		case ".eh_frame_hdr":
			img.ehFrameHdr = r
		case ".debug_frame":
			img.debugFrame = r
		case ".ARM.exidx":
			if hdr.Machine == elf.EM_ARM {
				img.armExidx = r
			}
		case ".text":
			img.textAddr = sh.Addr
		case ".got":
			img.gotAddr = sh.Addr
		case ".gnu_debuglink":
			img.DebugLink = img.readDebugLink(r)
		case ".note.gnu.build-id":
			img.BuildID = img.buildIDFromNote(r)
		case ".gnu_debugdata":
			img.GnuDebugdata = &sec
		}
	}
	return nil
}

func (img *Image) sectionName(strtab *sectionHeader, off uint32) string {
	if uint64(off) >= strtab.Size {
		return ""
	}
	maxLen := strtab.Size - uint64(off) - 1
	if maxLen > maxSectionName {
		maxLen = maxSectionName
	}
	name, err := memory.ReadString(img.mem, strtab.Off+uint64(off), int(maxLen))
	if err != nil {
		return ""
	}
	return name
}

// computeLoadBias sets the load bias from the first executable PT_LOAD,
// or the first PT_LOAD if none is executable.
func (img *Image) computeLoadBias() {
	var first *Segment
	for i := range img.Segments {
		p := &img.Segments[i]
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first == nil {
			first = p
		}
		if p.Flags&elf.PF_X != 0 {
			img.LoadBias = p.Vaddr - p.Offset
			return
		}
	}
	if first != nil {
		img.LoadBias = first.Vaddr - first.Offset
	}
}

// vaddrToOffset maps a virtual address to a file offset through the
// PT_LOAD segments.
func (img *Image) vaddrToOffset(vaddr uint64) (uint64, bool) {
	for _, p := range img.Segments {
		if p.Type == elf.PT_LOAD && vaddr >= p.Vaddr && vaddr-p.Vaddr < p.Filesz {
			return vaddr - p.Vaddr + p.Offset, true
		}
	}
	return 0, false
}

func (img *Image) readSOName() string {
	var dyn *Segment
	for i := range img.Segments {
		if img.Segments[i].Type == elf.PT_DYNAMIC {
			dyn = &img.Segments[i]
			break
		}
	}
	if dyn == nil {
		return ""
	}
	size := uint64(img.lay.dynSize())
	count := dyn.Filesz / size
	if count > maxDynEntries {
		count = maxDynEntries
	}
	var (
		strtab, strsz, soname uint64
		haveSOName            bool
	)
	buf := make([]byte, size)
	for i := uint64(0); i < count; i++ {
		if err := memory.ReadFully(img.mem, dyn.Offset+i*size, buf); err != nil {
			return ""
		}
		tag, val := img.lay.dyn(buf, img.Order)
		switch tag {
		case elf.DT_NULL:
			i = count
		case elf.DT_STRTAB:
			strtab = val
		case elf.DT_STRSZ:
			strsz = val
		case elf.DT_SONAME:
			soname, haveSOName = val, true
		}
	}
	if !haveSOName || soname >= strsz {
		return ""
	}
	off, ok := img.vaddrToOffset(strtab)
	if !ok {
		return ""
	}
	name, err := memory.ReadString(img.mem, off+soname, int(strsz-soname-1))
	if err != nil {
		return ""
	}
	return name
}

func (img *Image) readDebugLink(r *region) string {
	n := r.size
	if n > maxDebugLinkLen {
		n = maxDebugLinkLen
	}
	if n == 0 {
		return ""
	}
	name, err := memory.ReadString(img.mem, r.offset, int(n-1))
	if err != nil {
		return ""
	}
	return name
}

// buildIDFromNotes searches the PT_NOTE segments for the GNU build id.
func (img *Image) buildIDFromNotes() []byte {
	for _, p := range img.Segments {
		if p.Type != elf.PT_NOTE {
			continue
		}
		if id := img.buildIDFromNote(&region{offset: p.Offset, size: p.Filesz}); id != nil {
			return id
		}
	}
	return nil
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// buildIDFromNote walks the notes of r looking for NT_GNU_BUILD_ID.
func (img *Image) buildIDFromNote(r *region) []byte {
	if r.size > maxNotesSize || r.size < 12 {
		return nil
	}
	data := make([]byte, r.size)
	if err := memory.ReadFully(img.mem, r.offset, data); err != nil {
		return nil
	}
	for len(data) >= 12 {
		namesz := uint64(img.Order.Uint32(data[0:]))
		descsz := uint64(img.Order.Uint32(data[4:]))
		typ := img.Order.Uint32(data[8:])
		data = data[12:]
		if align4(namesz) > uint64(len(data)) {
			return nil
		}
		name := data[:namesz]
		data = data[align4(namesz):]
		if descsz > uint64(len(data)) {
			return nil
		}
		if typ == ntGNUBuildID && string(name) == "GNU\x00" {
			return append([]byte(nil), data[:descsz]...)
		}
		if align4(descsz) >= uint64(len(data)) {
			return nil
		}
		data = data[align4(descsz):]
	}
	return nil
}

// BuildIDString returns the build id as lower case hex.
func (img *Image) BuildIDString() string {
	return fmt.Sprintf("%x", img.BuildID)
}

// Symbols returns the symbol tables of the image, .symtab before .dynsym
// in section order.
func (img *Image) Symbols() []*Symbols {
	return img.symtabs
}

// FunctionName returns the function containing addr, a virtual address
// in the image, and the offset of addr in that function.
func (img *Image) FunctionName(addr uint64) (name string, funcOffset uint64, ok bool) {
	for _, s := range img.symtabs {
		if name, off, ok := s.Lookup(addr); ok {
			return name, off, true
		}
	}
	return "", 0, false
}

// GlobalVariable returns the address of the global variable called name.
func (img *Image) GlobalVariable(name string) (uint64, bool) {
	for _, s := range img.symtabs {
		if v, ok := s.Global(name); ok {
			return v, true
		}
	}
	return 0, false
}

// ClearCache drops the symbol indexes.
func (img *Image) ClearCache() {
	for _, s := range img.symtabs {
		s.ClearCache()
	}
}
