package image

import (
	"debug/elf"
	"encoding/binary"
	"math/bits"
	"sort"
	"sync"

	"github.com/derekparker/trie"

	"github.com/cinit/libunwindstack/pkg/memory"
)

const (
	// maxSymbols caps the number of entries scanned in one table.
	maxSymbols = 1 << 24
	// maxSymbolName caps the length of a symbol name.
	maxSymbolName = 1 << 16
)

// Symbols resolves addresses to function names using one ELF symbol
// table (.symtab or .dynsym). The table is read lazily, the first lookup
// builds an index of every function symbol.
type Symbols struct {
	mem       memory.Memory
	lay       layout
	order     binary.ByteOrder
	offset    uint64
	count     uint64
	entrySize uint64
	strOffset uint64
	strEnd    uint64

	mu      sync.Mutex
	remap   []remapEntry // nil until built
	infos   map[uint32]*symInfo
	globals *trie.Trie // nil until built
}

// remapEntry points at the function symbol ending at end.
type remapEntry struct {
	end   uint64
	index uint32
}

type symInfo struct {
	start uint64
	size  uint64
	name  string
	ok    bool // false if the name could not be read
}

// Func is a function symbol.
type Func struct {
	Name  string
	Start uint64
	Size  uint64
}

// newSymbols describes the symbol table stored at offset in mem, size
// bytes long, with string table at strOffset.
func newSymbols(mem memory.Memory, lay layout, order binary.ByteOrder, offset, size, entrySize, strOffset, strSize uint64) *Symbols {
	s := &Symbols{
		mem:       mem,
		lay:       lay,
		order:     order,
		offset:    offset,
		entrySize: entrySize,
		strOffset: strOffset,
		infos:     make(map[uint32]*symInfo),
	}
	if entrySize >= uint64(lay.symSize()) {
		s.count = size / entrySize
		if s.count > maxSymbols {
			s.count = maxSymbols
		}
	}
	s.strEnd = strOffset + strSize
	if s.strEnd < strOffset {
		s.strEnd = ^uint64(0)
	}
	return s
}

// ClearCache drops everything read from the table.
func (s *Symbols) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remap = nil
	s.infos = make(map[uint32]*symInfo)
	s.globals = nil
}

// readSym reads entry i. It returns false once the table runs past the
// readable memory or the address space.
func (s *Symbols) readSym(i uint64, buf []byte) (symbol, bool) {
	hi, lo := bits.Mul64(i, s.entrySize)
	if hi != 0 {
		return symbol{}, false
	}
	off, carry := bits.Add64(s.offset, lo, 0)
	if carry != 0 {
		return symbol{}, false
	}
	if err := memory.ReadFully(s.mem, off, buf); err != nil {
		return symbol{}, false
	}
	return s.lay.sym(buf, s.order), true
}

func isFunc(sym symbol) bool {
	return sym.typ() == elf.STT_FUNC && sym.Shndx != elf.SHN_UNDEF
}

// buildRemap scans the table for function symbols. Zero sized symbols only
// mark the end of a function and are left out.
func (s *Symbols) buildRemap() {
	buf := make([]byte, s.lay.symSize())
	remap := make([]remapEntry, 0, 64)
	for i := uint64(0); i < s.count; i++ {
		sym, ok := s.readSym(i, buf)
		if !ok {
			break
		}
		if !isFunc(sym) || sym.Size == 0 {
			continue
		}
		remap = append(remap, remapEntry{end: sym.Value + sym.Size, index: uint32(i)})
	}
	sort.Slice(remap, func(i, j int) bool {
		if remap[i].end != remap[j].end {
			return remap[i].end < remap[j].end
		}
		return remap[i].index < remap[j].index
	})
	// functions folded by the linker share their range, keep the first
	out := remap[:0]
	for _, e := range remap {
		if n := len(out); n > 0 && (out[n-1].end == e.end || out[n-1].index == e.index) {
			continue
		}
		out = append(out, e)
	}
	s.remap = out
}

func (s *Symbols) name(nameOff uint32) (string, bool) {
	addr := s.strOffset + uint64(nameOff)
	if addr < s.strOffset || addr >= s.strEnd {
		return "", false
	}
	maxLen := s.strEnd - addr - 1
	if maxLen > maxSymbolName {
		maxLen = maxSymbolName
	}
	name, err := memory.ReadString(s.mem, addr, int(maxLen))
	if err != nil {
		return "", false
	}
	return name, true
}

func (s *Symbols) info(index uint32) *symInfo {
	if info := s.infos[index]; info != nil {
		return info
	}
	sym, ok := s.readSym(uint64(index), make([]byte, s.lay.symSize()))
	if !ok {
		return &symInfo{}
	}
	info := &symInfo{start: sym.Value, size: sym.Size}
	info.name, info.ok = s.name(sym.Name)
	s.infos[index] = info
	return info
}

// Lookup returns the function containing addr, a virtual address, and
// the offset of addr inside it.
func (s *Symbols) Lookup(addr uint64) (name string, funcOffset uint64, ok bool) {
	f, ok := s.Func(addr)
	if !ok {
		return "", 0, false
	}
	return f.Name, addr - f.Start, true
}

// Func returns the function symbol containing addr.
func (s *Symbols) Func(addr uint64) (Func, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remap == nil {
		s.buildRemap()
	}
	i := sort.Search(len(s.remap), func(i int) bool { return s.remap[i].end > addr })
	if i == len(s.remap) {
		return Func{}, false
	}
	info := s.info(s.remap[i].index)
	if !info.ok || addr < info.start || addr-info.start >= info.size {
		return Func{}, false
	}
	return Func{Name: info.name, Start: info.start, Size: info.size}, true
}

// Global returns the value of the data symbol called name.
func (s *Symbols) Global(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globals == nil {
		s.buildGlobals()
	}
	node, ok := s.globals.Find(name)
	if !ok {
		return 0, false
	}
	return node.Meta().(uint64), true
}

// GlobalNames returns the names of the data symbols starting with prefix.
func (s *Symbols) GlobalNames(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globals == nil {
		s.buildGlobals()
	}
	names := s.globals.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

func (s *Symbols) buildGlobals() {
	s.globals = trie.New()
	buf := make([]byte, s.lay.symSize())
	for i := uint64(0); i < s.count; i++ {
		sym, ok := s.readSym(i, buf)
		if !ok {
			break
		}
		if sym.typ() != elf.STT_OBJECT || sym.Shndx == elf.SHN_UNDEF {
			continue
		}
		bind := elf.ST_BIND(sym.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		name, ok := s.name(sym.Name)
		if !ok || name == "" {
			continue
		}
		if _, dup := s.globals.Find(name); !dup {
			s.globals.Add(name, sym.Value)
		}
	}
}
