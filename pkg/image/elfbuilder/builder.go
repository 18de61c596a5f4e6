// Package elfbuilder builds little endian ELF images with arbitrary
// contents for tests.
package elfbuilder

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

var le = binary.LittleEndian

// NoteGNUBuildID is the type of the GNU build id note.
const NoteGNUBuildID = 3

// SHTARMExidx is the section type of .ARM.exidx.
const SHTARMExidx = elf.SectionType(0x70000001)

// Section is a section of the image, its data is written at Off.
type Section struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Off     uint64
	Data    []byte
	Link    uint32
	Entsize uint64
}

// Builder lays out an image: the file header, the program headers right
// after it, section contents at their offsets, then a .shstrtab and the
// section headers at the end.
type Builder struct {
	Class    elf.Class
	Machine  elf.Machine
	Entry    uint64
	Progs    []elf.Prog64
	Sections []Section
	// Raw is written at its offsets, outside of any section.
	Raw map[uint64][]byte
}

// New returns a builder for an image of the given class and machine.
func New(class elf.Class, machine elf.Machine) *Builder {
	return &Builder{Class: class, Machine: machine}
}

// Prog returns a program header whose file and memory sizes are size.
func Prog(typ elf.ProgType, flags elf.ProgFlag, off, vaddr, size uint64) elf.Prog64 {
	return elf.Prog64{Type: uint32(typ), Flags: uint32(flags), Off: off, Vaddr: vaddr, Filesz: size, Memsz: size}
}

// AddProg appends a program header.
func (b *Builder) AddProg(typ elf.ProgType, flags elf.ProgFlag, off, vaddr, size uint64) *Builder {
	b.Progs = append(b.Progs, Prog(typ, flags, off, vaddr, size))
	return b
}

// AddSection appends a section.
func (b *Builder) AddSection(s Section) *Builder {
	b.Sections = append(b.Sections, s)
	return b
}

func encode(v interface{}) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, le, v)
	return buf.Bytes()
}

func put(img []byte, off uint64, data []byte) []byte {
	if end := off + uint64(len(data)); end > uint64(len(img)) {
		img = append(img, make([]byte, end-uint64(len(img)))...)
	}
	copy(img[off:], data)
	return img
}

func (b *Builder) is64() bool {
	return b.Class == elf.ELFCLASS64
}

// Build returns the image.
func (b *Builder) Build() []byte {
	ehsize, phsize, shsize := uint64(52), uint64(32), uint64(40)
	if b.is64() {
		ehsize, phsize, shsize = 64, 56, 64
	}
	img := make([]byte, ehsize+phsize*uint64(len(b.Progs)))
	for i, p := range b.Progs {
		var raw []byte
		if b.is64() {
			raw = encode(p)
		} else {
			raw = encode(elf.Prog32{
				Type:   p.Type,
				Off:    uint32(p.Off),
				Vaddr:  uint32(p.Vaddr),
				Paddr:  uint32(p.Paddr),
				Filesz: uint32(p.Filesz),
				Memsz:  uint32(p.Memsz),
				Flags:  p.Flags,
				Align:  uint32(p.Align),
			})
		}
		img = put(img, ehsize+uint64(i)*phsize, raw)
	}
	for off, data := range b.Raw {
		img = put(img, off, data)
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	names := []uint32{0}
	for _, s := range b.Sections {
		names = append(names, uint32(shstrtab.Len()))
		shstrtab.WriteString(s.Name + "\x00")
		img = put(img, s.Off, s.Data)
	}
	names = append(names, uint32(shstrtab.Len()))
	shstrtab.WriteString(".shstrtab\x00")
	strOff := (uint64(len(img)) + 7) &^ 7
	img = put(img, strOff, shstrtab.Bytes())

	sections := append([]Section{{}}, b.Sections...)
	sections = append(sections, Section{Type: elf.SHT_STRTAB, Off: strOff, Data: shstrtab.Bytes()})
	shoff := (uint64(len(img)) + 7) &^ 7
	for i, s := range sections {
		var raw []byte
		if b.is64() {
			raw = encode(elf.Section64{
				Name:    names[i],
				Type:    uint32(s.Type),
				Flags:   uint64(s.Flags),
				Addr:    s.Addr,
				Off:     s.Off,
				Size:    uint64(len(s.Data)),
				Link:    s.Link,
				Entsize: s.Entsize,
			})
		} else {
			raw = encode(elf.Section32{
				Name:    names[i],
				Type:    uint32(s.Type),
				Flags:   uint32(s.Flags),
				Addr:    uint32(s.Addr),
				Off:     uint32(s.Off),
				Size:    uint32(len(s.Data)),
				Link:    s.Link,
				Entsize: uint32(s.Entsize),
			})
		}
		img = put(img, shoff+uint64(i)*shsize, raw)
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(b.Class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	var hdr []byte
	if b.is64() {
		hdr = encode(elf.Header64{
			Ident:     ident,
			Type:      uint16(elf.ET_DYN),
			Machine:   uint16(b.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     b.Entry,
			Phoff:     ehsize,
			Shoff:     shoff,
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phsize),
			Phnum:     uint16(len(b.Progs)),
			Shentsize: uint16(shsize),
			Shnum:     uint16(len(sections)),
			Shstrndx:  uint16(len(sections) - 1),
		})
	} else {
		hdr = encode(elf.Header32{
			Ident:     ident,
			Type:      uint16(elf.ET_DYN),
			Machine:   uint16(b.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     uint32(b.Entry),
			Phoff:     uint32(ehsize),
			Shoff:     uint32(shoff),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phsize),
			Phnum:     uint16(len(b.Progs)),
			Shentsize: uint16(shsize),
			Shnum:     uint16(len(sections)),
			Shstrndx:  uint16(len(sections) - 1),
		})
	}
	return put(img, 0, hdr)
}

// Note encodes one ELF note.
func Note(name string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, le, uint32(len(name)+1))
	binary.Write(&buf, le, uint32(len(desc)))
	binary.Write(&buf, le, typ)
	buf.WriteString(name + "\x00")
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
