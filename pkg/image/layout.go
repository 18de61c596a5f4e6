package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// fileHeader, progHeader, sectionHeader and symbol hold the fields of the
// ELF structures the parser needs, widened to 64 bits.
type fileHeader struct {
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Phentsize uint64
	Phnum     uint64
	Shentsize uint64
	Shnum     uint64
	Shstrndx  uint64
}

type progHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

type sectionHeader struct {
	Name    uint32
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Off     uint64
	Size    uint64
	Link    uint32
	Entsize uint64
}

type symbol struct {
	Name  uint32
	Info  uint8
	Shndx elf.SectionIndex
	Value uint64
	Size  uint64
}

func (s symbol) typ() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// layout decodes the class dependent ELF structures. Buffers passed to
// the decode methods are exactly as long as the matching size.
type layout interface {
	class() elf.Class
	headerSize() int
	progSize() int
	sectionSize() int
	symSize() int
	dynSize() int

	header(b []byte, order binary.ByteOrder) fileHeader
	prog(b []byte, order binary.ByteOrder) progHeader
	section(b []byte, order binary.ByteOrder) sectionHeader
	sym(b []byte, order binary.ByteOrder) symbol
	dyn(b []byte, order binary.ByteOrder) (tag elf.DynTag, val uint64)
}

func decode(b []byte, order binary.ByteOrder, v interface{}) {
	// b always has the size of v, binary.Read can not fail
	_ = binary.Read(bytes.NewReader(b), order, v)
}

type class32 struct{}

func (class32) class() elf.Class { return elf.ELFCLASS32 }
func (class32) headerSize() int  { return 52 }
func (class32) progSize() int    { return 32 }
func (class32) sectionSize() int { return 40 }
func (class32) symSize() int     { return elf.Sym32Size }
func (class32) dynSize() int     { return 8 }

func (class32) header(b []byte, order binary.ByteOrder) fileHeader {
	var h elf.Header32
	decode(b, order, &h)
	return fileHeader{
		Type:      elf.Type(h.Type),
		Machine:   elf.Machine(h.Machine),
		Entry:     uint64(h.Entry),
		Phoff:     uint64(h.Phoff),
		Shoff:     uint64(h.Shoff),
		Phentsize: uint64(h.Phentsize),
		Phnum:     uint64(h.Phnum),
		Shentsize: uint64(h.Shentsize),
		Shnum:     uint64(h.Shnum),
		Shstrndx:  uint64(h.Shstrndx),
	}
}

func (class32) prog(b []byte, order binary.ByteOrder) progHeader {
	var p elf.Prog32
	decode(b, order, &p)
	return progHeader{
		Type:   elf.ProgType(p.Type),
		Flags:  elf.ProgFlag(p.Flags),
		Off:    uint64(p.Off),
		Vaddr:  uint64(p.Vaddr),
		Filesz: uint64(p.Filesz),
		Memsz:  uint64(p.Memsz),
	}
}

func (class32) section(b []byte, order binary.ByteOrder) sectionHeader {
	var s elf.Section32
	decode(b, order, &s)
	return sectionHeader{
		Name:    s.Name,
		Type:    elf.SectionType(s.Type),
		Flags:   elf.SectionFlag(s.Flags),
		Addr:    uint64(s.Addr),
		Off:     uint64(s.Off),
		Size:    uint64(s.Size),
		Link:    s.Link,
		Entsize: uint64(s.Entsize),
	}
}

func (class32) sym(b []byte, order binary.ByteOrder) symbol {
	var s elf.Sym32
	decode(b, order, &s)
	return symbol{
		Name:  s.Name,
		Info:  s.Info,
		Shndx: elf.SectionIndex(s.Shndx),
		Value: uint64(s.Value),
		Size:  uint64(s.Size),
	}
}

func (class32) dyn(b []byte, order binary.ByteOrder) (elf.DynTag, uint64) {
	var d elf.Dyn32
	decode(b, order, &d)
	return elf.DynTag(d.Tag), uint64(d.Val)
}

type class64 struct{}

func (class64) class() elf.Class { return elf.ELFCLASS64 }
func (class64) headerSize() int  { return 64 }
func (class64) progSize() int    { return 56 }
func (class64) sectionSize() int { return 64 }
func (class64) symSize() int     { return elf.Sym64Size }
func (class64) dynSize() int     { return 16 }

func (class64) header(b []byte, order binary.ByteOrder) fileHeader {
	var h elf.Header64
	decode(b, order, &h)
	return fileHeader{
		Type:      elf.Type(h.Type),
		Machine:   elf.Machine(h.Machine),
		Entry:     h.Entry,
		Phoff:     h.Phoff,
		Shoff:     h.Shoff,
		Phentsize: uint64(h.Phentsize),
		Phnum:     uint64(h.Phnum),
		Shentsize: uint64(h.Shentsize),
		Shnum:     uint64(h.Shnum),
		Shstrndx:  uint64(h.Shstrndx),
	}
}

func (class64) prog(b []byte, order binary.ByteOrder) progHeader {
	var p elf.Prog64
	decode(b, order, &p)
	return progHeader{
		Type:   elf.ProgType(p.Type),
		Flags:  elf.ProgFlag(p.Flags),
		Off:    p.Off,
		Vaddr:  p.Vaddr,
		Filesz: p.Filesz,
		Memsz:  p.Memsz,
	}
}

func (class64) section(b []byte, order binary.ByteOrder) sectionHeader {
	var s elf.Section64
	decode(b, order, &s)
	return sectionHeader{
		Name:    s.Name,
		Type:    elf.SectionType(s.Type),
		Flags:   elf.SectionFlag(s.Flags),
		Addr:    s.Addr,
		Off:     s.Off,
		Size:    s.Size,
		Link:    s.Link,
		Entsize: s.Entsize,
	}
}

func (class64) sym(b []byte, order binary.ByteOrder) symbol {
	var s elf.Sym64
	decode(b, order, &s)
	return symbol{
		Name:  s.Name,
		Info:  s.Info,
		Shndx: elf.SectionIndex(s.Shndx),
		Value: s.Value,
		Size:  s.Size,
	}
}

func (class64) dyn(b []byte, order binary.ByteOrder) (elf.DynTag, uint64) {
	var d elf.Dyn64
	decode(b, order, &d)
	return elf.DynTag(d.Tag), d.Val
}
