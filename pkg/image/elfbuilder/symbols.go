package elfbuilder

import (
	"bytes"
	"debug/elf"
)

// Sym is a symbol table entry.
type Sym struct {
	Name  string
	Info  byte
	Shndx elf.SectionIndex
	Value uint64
	Size  uint64
}

// Func returns a global function symbol defined in section 1.
func Func(name string, value, size uint64) Sym {
	return Sym{Name: name, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: value, Size: size}
}

// Object returns a data symbol defined in section 2.
func Object(name string, bind elf.SymBind, value uint64) Sym {
	return Sym{Name: name, Info: elf.ST_INFO(bind, elf.STT_OBJECT), Shndx: 2, Value: value, Size: 8}
}

// Symbols encodes syms after the null symbol. Entries are padded to
// entrySize bytes when it is larger than the natural size.
func Symbols(class elf.Class, entrySize int, syms ...Sym) (symtab, strtab []byte) {
	var str, tab bytes.Buffer
	str.WriteByte(0)
	all := append([]Sym{{}}, syms...)
	for i, s := range all {
		name := uint32(0)
		if i > 0 {
			name = uint32(str.Len())
			str.WriteString(s.Name + "\x00")
		}
		var raw []byte
		if class == elf.ELFCLASS64 {
			raw = encode(elf.Sym64{Name: name, Info: s.Info, Shndx: uint16(s.Shndx), Value: s.Value, Size: s.Size})
		} else {
			raw = encode(elf.Sym32{Name: name, Info: s.Info, Shndx: uint16(s.Shndx), Value: uint32(s.Value), Size: uint32(s.Size)})
		}
		tab.Write(raw)
		if pad := entrySize - len(raw); pad > 0 {
			tab.Write(make([]byte, pad))
		}
	}
	return tab.Bytes(), str.Bytes()
}

// AddSymbols adds a .symtab at off followed by its .strtab at strOff.
func (b *Builder) AddSymbols(off, strOff uint64, syms ...Sym) *Builder {
	entSize := uint64(elf.Sym32Size)
	if b.is64() {
		entSize = elf.Sym64Size
	}
	symtab, strtab := Symbols(b.Class, 0, syms...)
	link := uint32(len(b.Sections) + 2)
	b.AddSection(Section{Name: ".symtab", Type: elf.SHT_SYMTAB, Off: off, Data: symtab, Link: link, Entsize: entSize})
	b.AddSection(Section{Name: ".strtab", Type: elf.SHT_STRTAB, Off: strOff, Data: strtab})
	return b
}
