package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/image/elfbuilder"
	"github.com/cinit/libunwindstack/pkg/memory"
	"github.com/cinit/libunwindstack/pkg/regs"
)

var le = binary.LittleEndian

func parse(t *testing.T, b *elfbuilder.Builder) *Image {
	img, err := Parse(memory.NewBuffer(b.Build()))
	require.NoError(t, err)
	return img
}

func TestParseInvalid(t *testing.T) {
	good := elfbuilder.New(elf.ELFCLASS64, elf.EM_X86_64).Build()

	for _, test := range []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func([]byte) []byte { return nil }},
		{"magic", func(b []byte) []byte { b[1] = 'X'; return b }},
		{"class", func(b []byte) []byte { b[elf.EI_CLASS] = 7; return b }},
		{"data", func(b []byte) []byte { b[elf.EI_DATA] = 0; return b }},
		{"truncated header", func(b []byte) []byte { return b[:40] }},
		{"section header size", func(b []byte) []byte { le.PutUint16(b[58:], 8); return b }},
		{"section table overflow", func(b []byte) []byte { le.PutUint64(b[40:], ^uint64(0)-10); return b }},
	} {
		t.Run(test.name, func(t *testing.T) {
			data := test.mutate(append([]byte(nil), good...))
			_, err := Parse(memory.NewBuffer(data))
			require.ErrorIs(t, err, ErrInvalidElf)
		})
	}

	require.True(t, IsValidELF(memory.NewBuffer(good)))
	require.False(t, IsValidELF(memory.NewBuffer([]byte("\x7fELF"))))

	_, err := Parse(memory.NewBuffer(good[:20]))
	require.ErrorIs(t, err, memory.ErrInvalidMemory)
}

func TestParseX86_64(t *testing.T) {
	b := elfbuilder.New(elf.ELFCLASS64, elf.EM_X86_64)
	b.Entry = 0x1000
	b.Progs = []elf.Prog64{
		elfbuilder.Prog(elf.PT_LOAD, elf.PF_R, 0, 0, 0x1000),
		elfbuilder.Prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0x1000, 0x2000, 0x1000),
	}
	b.Sections = []elfbuilder.Section{
		{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x2000, Off: 0x1000, Data: make([]byte, 0x100)},
		{Name: ".note.gnu.build-id", Type: elf.SHT_NOTE, Addr: 0x400, Off: 0x400, Data: elfbuilder.Note("GNU", elfbuilder.NoteGNUBuildID, []byte{0xde, 0xad, 0xbe, 0xef})},
		{Name: ".gnu_debuglink", Type: elf.SHT_PROGBITS, Off: 0x500, Data: []byte("libfoo.debug\x00\x00\x00\x00\x12\x34\x56\x78")},
		{Name: ".gnu_debugdata", Type: elf.SHT_PROGBITS, Off: 0x600, Data: []byte{0xfd, '7', 'z', 'X', 'Z'}},
	}
	img := parse(t, b)

	require.Equal(t, elf.ELFCLASS64, img.Class)
	require.Equal(t, elf.EM_X86_64, img.Machine)
	require.Equal(t, elf.ET_DYN, img.Type)
	require.Equal(t, regs.ArchX86_64, img.Arch())
	require.Equal(t, 8, img.PtrSize())
	require.Equal(t, uint64(0x1000), img.Entry)
	require.Equal(t, uint64(0x1000), img.LoadBias)
	require.Len(t, img.Segments, 2)
	require.Equal(t, "deadbeef", img.BuildIDString())
	require.Equal(t, "libfoo.debug", img.DebugLink)
	require.NotNil(t, img.GnuDebugdata)
	require.Equal(t, uint64(0x600), img.GnuDebugdata.Offset)
	require.False(t, img.HasUnwindInfo())

	names := make([]string, 0, len(img.Sections))
	for _, s := range img.Sections {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"", ".text", ".note.gnu.build-id", ".gnu_debuglink", ".gnu_debugdata", ".shstrtab"}, names)

	require.True(t, img.IsValidPC(0x2000))
	require.True(t, img.IsValidPC(0x2fff))
	require.False(t, img.IsValidPC(0x3000))
	require.False(t, img.IsValidPC(0x100))

	_, err := img.Step(0x2010, mustRegs(t, regs.ArchX86_64), memory.NewBuffer(nil))
	require.ErrorIs(t, err, ErrNoUnwindInfo)
}

func mustRegs(t *testing.T, arch regs.Arch) regs.Regs {
	r, err := regs.New(arch)
	require.NoError(t, err)
	return r
}

func TestLoadBias(t *testing.T) {
	for _, test := range []struct {
		name  string
		progs []elf.Prog64
		bias  uint64
	}{
		{"none", nil, 0},
		{"first load", []elf.Prog64{elfbuilder.Prog(elf.PT_LOAD, elf.PF_R, 0, 0x400, 0x100)}, 0x400},
		{"executable load", []elf.Prog64{
			elfbuilder.Prog(elf.PT_LOAD, elf.PF_R, 0, 0x400, 0x100),
			elfbuilder.Prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0x1000, 0x3000, 0x100),
		}, 0x2000},
		{"ignores non load", []elf.Prog64{
			elfbuilder.Prog(elf.PT_NOTE, elf.PF_R|elf.PF_X, 0x100, 0x8100, 0x10),
			elfbuilder.Prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0x1000, 0x1000, 0x100),
		}, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := elfbuilder.New(elf.ELFCLASS64, elf.EM_AARCH64)
			b.Progs = test.progs
			require.Equal(t, test.bias, parse(t, b).LoadBias)
		})
	}
}

func TestSOName(t *testing.T) {
	var dyn bytes.Buffer
	for _, d := range []elf.Dyn64{
		{Tag: int64(elf.DT_STRTAB), Val: 0x1200},
		{Tag: int64(elf.DT_STRSZ), Val: 16},
		{Tag: int64(elf.DT_SONAME), Val: 1},
		{Tag: int64(elf.DT_NULL)},
	} {
		binary.Write(&dyn, le, d)
	}
	b := elfbuilder.New(elf.ELFCLASS64, elf.EM_AARCH64)
	b.Progs = []elf.Prog64{
		elfbuilder.Prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, 0x1000, 0x800),
		elfbuilder.Prog(elf.PT_DYNAMIC, elf.PF_R, 0x100, 0x1100, uint64(dyn.Len())),
		elfbuilder.Prog(elf.PT_NOTE, elf.PF_R, 0x300, 0x1300, 0),
	}
	b.Sections = []elfbuilder.Section{
		{Name: ".dynamic", Type: elf.SHT_DYNAMIC, Addr: 0x1100, Off: 0x100, Data: dyn.Bytes()},
		{Name: ".dynstr", Type: elf.SHT_STRTAB, Addr: 0x1200, Off: 0x200, Data: []byte("\x00libbar.so\x00\x00\x00\x00\x00\x00")},
		{Name: ".note", Type: elf.SHT_NOTE, Addr: 0x1300, Off: 0x300, Data: elfbuilder.Note("GNU", elfbuilder.NoteGNUBuildID, []byte{1, 2, 3})},
	}
	b.Progs[2].Filesz = uint64(len(b.Sections[2].Data))
	img := parse(t, b)

	require.Equal(t, regs.ArchARM64, img.Arch())
	require.Equal(t, uint64(0x1000), img.LoadBias)
	require.Equal(t, "libbar.so", img.SOName)
	require.Equal(t, []byte{1, 2, 3}, img.BuildID)
}

func TestStepEhFrame(t *testing.T) {
	b := elfbuilder.New(elf.ELFCLASS64, elf.EM_X86_64)
	b.Progs = []elf.Prog64{elfbuilder.Prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, 0, 0x3000)}
	b.Sections = []elfbuilder.Section{
		{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Off: 0x1000, Data: make([]byte, 0x100)},
		{Name: ".eh_frame", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x2000, Off: 0x2000, Data: elfbuilder.AMD64Frame(0x2000, 0x1000, 0x100)},
	}
	img := parse(t, b)
	require.True(t, img.HasUnwindInfo())

	stack := make([]byte, 16)
	le.PutUint64(stack, 0x1234)
	r := mustRegs(t, regs.ArchX86_64)
	r.SetSP(0x7000)
	r.SetPC(0x1010)
	out, err := img.Step(0x1010, r, memory.NewStack(0x7000, stack))
	require.NoError(t, err)
	require.Equal(t, Stepped, out)
	require.Equal(t, uint64(0x1234), r.PC())
	require.Equal(t, uint64(0x7008), r.SP())

	// a zero return address ends the unwind
	r = mustRegs(t, regs.ArchX86_64)
	r.SetSP(0x7008)
	out, err = img.Step(0x1010, r, memory.NewStack(0x7000, stack))
	require.NoError(t, err)
	require.Equal(t, Finished, out)

	_, err = img.Step(0x1100, mustRegs(t, regs.ArchX86_64), memory.NewStack(0x7000, stack))
	require.ErrorIs(t, err, ErrNoUnwindInfo)

	r = mustRegs(t, regs.ArchX86_64)
	r.SetSP(0x9000)
	_, err = img.Step(0x1010, r, memory.NewStack(0x7000, stack))
	require.ErrorIs(t, err, memory.ErrInvalidMemory)
}

func TestStepARMExidx(t *testing.T) {
	b := elfbuilder.New(elf.ELFCLASS32, elf.EM_ARM)
	b.Progs = []elf.Prog64{
		elfbuilder.Prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, 0, 0x2000),
		elfbuilder.Prog(elf.PT_ARM_EXIDX, elf.PF_R, 0x100, 0x100, 8),
	}
	var exidx bytes.Buffer
	binary.Write(&exidx, le, uint32(0x1000-0x100))
	binary.Write(&exidx, le, uint32(0x80b0b0b0))
	b.Sections = []elfbuilder.Section{
		{Name: ".ARM.exidx", Type: elfbuilder.SHTARMExidx, Flags: elf.SHF_ALLOC, Addr: 0x100, Off: 0x100, Data: exidx.Bytes()},
	}
	img := parse(t, b)
	require.Equal(t, regs.ArchARM, img.Arch())
	require.Equal(t, 4, img.PtrSize())

	r := mustRegs(t, regs.ArchARM)
	r.Set(regnum.ARM_LR, 0x5000)
	r.SetSP(0x8000)
	out, err := img.Step(0x1004, r, memory.NewStack(0x8000, make([]byte, 16)))
	require.NoError(t, err)
	require.Equal(t, Stepped, out)
	require.Equal(t, uint64(0x5000), r.PC())
	require.Equal(t, uint64(0x8000), r.SP())

	// below the first entry the DWARF tables are tried, there are none
	_, err = img.Step(0x800, mustRegs(t, regs.ArchARM), memory.NewBuffer(nil))
	require.ErrorIs(t, err, ErrNoUnwindInfo)
}

func TestImageSymbols(t *testing.T) {
	b := elfbuilder.New(elf.ELFCLASS64, elf.EM_X86_64).AddSymbols(0x100, 0x400,
		elfbuilder.Func("<init>", 0x100, 8),
		elfbuilder.Func("main", 0x118, 2),
		elfbuilder.Object("g_data", elf.STB_GLOBAL, 0x3000))
	img := parse(t, b)
	require.Len(t, img.Symbols(), 1)

	name, off, ok := img.FunctionName(0x102)
	require.True(t, ok)
	require.Equal(t, "<init>", name)
	require.Equal(t, uint64(2), off)

	f, ok := img.Symbols()[0].Func(0x102)
	require.True(t, ok)
	require.Equal(t, Func{Name: "<init>", Start: 0x100, Size: 8}, f)

	_, _, ok = img.FunctionName(0x108)
	require.False(t, ok)

	v, ok := img.GlobalVariable("g_data")
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), v)
	_, ok = img.GlobalVariable("main")
	require.False(t, ok)

	img.ClearCache()
	name, _, ok = img.FunctionName(0x119)
	require.True(t, ok)
	require.Equal(t, "main", name)
}

func TestCache(t *testing.T) {
	good := elfbuilder.New(elf.ELFCLASS64, elf.EM_X86_64).Build()
	opens := 0
	open := func(data []byte) func() (memory.Memory, error) {
		return func() (memory.Memory, error) {
			opens++
			return memory.NewBuffer(data), nil
		}
	}

	c := NewCache(true)
	key := Key{Dev: 1, Inode: 2, Path: "/system/lib64/libc.so", Offset: 0}
	a, err := c.Get(key, open(good))
	require.NoError(t, err)
	b, err := c.Get(key, open(good))
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, opens)

	// a failed parse is remembered
	bad := Key{Path: "/data/bad.so"}
	_, err = c.Get(bad, open([]byte("junk")))
	require.ErrorIs(t, err, ErrInvalidElf)
	_, err = c.Get(bad, open(good))
	require.ErrorIs(t, err, ErrInvalidElf)
	require.Equal(t, 2, opens)
	require.Equal(t, 2, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())

	for _, c := range []*Cache{nil, NewCache(false)} {
		opens = 0
		a, err := c.Get(key, open(good))
		require.NoError(t, err)
		b, err := c.Get(key, open(good))
		require.NoError(t, err)
		require.NotSame(t, a, b)
		require.Equal(t, 2, opens)
		require.False(t, c.Enabled())
	}
}
