package maps

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinit/libunwindstack/pkg/image"
	"github.com/cinit/libunwindstack/pkg/image/elfbuilder"
	"github.com/cinit/libunwindstack/pkg/memory"
)

const testMaps = `
12c00000-12c40000 rw-p 00000000 00:00 0          [anon:dalvik-main space]
6f000000-6f01e000 r--p 00000000 fd:01 1234       /system/lib64/libc.so
6f01e000-6f020000 ---p 00000000 00:00 0
6f020000-6f0a0000 r-xp 0001e000 fd:01 1234       /system/lib64/libc.so
7f000000-7f001000 rw-s 00000000 00:05 77         /dev/ashmem/shared mem (deleted)
7f001000-7f002000 rw-s 00000000 00:05 78         /dev/kgsl-3d0
7ffe0000-7fff0000 rw-p 00000000 00:00 0          [stack]
`

func TestParseText(t *testing.T) {
	m, err := ParseText(strings.NewReader(testMaps))
	require.NoError(t, err)
	require.Equal(t, 7, m.Len())

	e := m.Entries()
	require.Equal(t, "[anon:dalvik-main space]", e[0].Name)
	require.Equal(t, "", e[0].Path)
	require.Equal(t, FlagRead|FlagWrite, e[0].Flags)

	require.Equal(t, uint64(0x6f020000), e[3].Start)
	require.Equal(t, uint64(0x6f0a0000), e[3].End)
	require.Equal(t, uint64(0x1e000), e[3].Offset)
	require.Equal(t, FlagRead|FlagExec, e[3].Flags)
	require.Equal(t, mkdev(0xfd, 1), e[3].Dev)
	require.Equal(t, uint64(1234), e[3].Inode)
	require.Equal(t, "/system/lib64/libc.so", e[3].Path)
	require.Equal(t, "r-xp", e[3].Flags.String())

	require.True(t, e[2].isBlank())
	require.Same(t, e[1], e[3].PrevReal())
	require.Same(t, e[3], e[1].NextReal())

	require.Equal(t, "/dev/ashmem/shared mem (deleted)", e[4].Name)
	require.Equal(t, FlagRead|FlagWrite|FlagShared, e[4].Flags)
	require.Equal(t, FlagRead|FlagWrite|FlagShared|FlagDevice, e[5].Flags)
	require.Equal(t, "", e[6].Path)
}

func TestParseTextErrors(t *testing.T) {
	for _, line := range []string{
		"12c00000 rw-p 00000000 00:00 0",
		"zz-12c40000 rw-p 00000000 00:00 0",
		"2000-1000 rw-p 00000000 00:00 0",
		"1000-2000 rw 00000000 00:00 0",
		"1000-2000 rw-p 00000000 0000 0",
		"1000-2000 rw-p 00000000 00:00 x",
		"1000-2000 rw-p",
	} {
		_, err := ParseText(strings.NewReader("1000-2000 r--p 0 00:00 0\n" + line + "\n"))
		var perr *ParseError
		require.ErrorAs(t, err, &perr, line)
		require.Equal(t, 2, perr.Line, line)
	}
}

func TestParseTextOverlap(t *testing.T) {
	for _, test := range []struct {
		text string
		line int
	}{
		{"1000-9000 r-xp 0 00:00 0 /a\n2000-3000 r-xp 0 00:00 0 /b\n", 2},
		{"2000-3000 r-xp 0 00:00 0 /b\n1000-2001 r-xp 0 00:00 0 /a\n", 1},
		{"1000-2000 r-xp 0 00:00 0 /a\n1000-2000 r-xp 0 00:00 0 /a\n", 2},
	} {
		_, err := ParseText(strings.NewReader(test.text))
		require.ErrorIs(t, err, ErrOverlap, test.text)
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, test.line, perr.Line, test.text)
	}

	m, err := ParseText(strings.NewReader("2000-3000 r-xp 0 00:00 0 /b\n1000-2000 r-xp 0 00:00 0 /a\n"))
	require.NoError(t, err)
	require.Equal(t, "/a", m.Find(0x1fff).Name)
	require.Equal(t, "/b", m.Find(0x2000).Name)
}

func TestNewDropsOverlap(t *testing.T) {
	m := New([]*MapEntry{
		{Start: 0x1000, End: 0x9000, Name: "/a"},
		{Start: 0x2000, End: 0x3000, Name: "/b"},
		{Start: 0x9000, End: 0xa000, Name: "/c"},
	})
	require.Equal(t, 2, m.Len())
	require.Equal(t, "/a", m.Find(0x5000).Name)
	require.Equal(t, "/a", m.Find(0x2000).Name)
	require.Same(t, m.Entries()[0], m.Entries()[1].prev)
}

func TestFind(t *testing.T) {
	m := New([]*MapEntry{
		{Start: 0x3000, End: 0x4000},
		{Start: 0x1000, End: 0x2000},
		{Start: 0x2000, End: 0x2800},
	})
	for _, test := range []struct {
		pc    uint64
		start uint64
	}{
		{0x1000, 0x1000},
		{0x1fff, 0x1000},
		{0x2000, 0x2000},
		{0x27ff, 0x2000},
		{0x3fff, 0x3000},
	} {
		e := m.Find(test.pc)
		require.NotNil(t, e, "pc %#x", test.pc)
		require.Equal(t, test.start, e.Start, "pc %#x", test.pc)
	}
	for _, pc := range []uint64{0, 0xfff, 0x2800, 0x2fff, 0x4000} {
		require.Nil(t, m.Find(pc), "pc %#x", pc)
	}
	require.Nil(t, m.Entries()[0].prev)
	require.Same(t, m.Entries()[0], m.Entries()[1].prev)
	require.NoError(t, m.Parse())
}

// elfHeader returns an x86_64 image with no program headers.
func elfHeader() []byte {
	return elfbuilder.New(elf.ELFCLASS64, elf.EM_X86_64).Build()
}

func writeFile(t *testing.T, name string, chunks map[int][]byte, size int) string {
	data := make([]byte, size)
	for off, c := range chunks {
		copy(data[off:], c)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func entry(start, end, offset uint64, flags Flags, name string) *MapEntry {
	e := &MapEntry{Start: start, End: end, Offset: offset, Flags: flags}
	setName(e, name)
	return e
}

func TestImageFromFile(t *testing.T) {
	lib := writeFile(t, "libtest.so", map[int][]byte{0: elfHeader()}, 0x4000)
	embedded := writeFile(t, "base.apk", map[int][]byte{0x1000: elfHeader()}, 0x4000)

	t.Run("start of file", func(t *testing.T) {
		e := entry(0x10000, 0x14000, 0, FlagRead|FlagExec, lib)
		img, err := e.Image(nil, nil)
		require.NoError(t, err)
		require.Equal(t, elf.EM_X86_64, img.Machine)
		require.Equal(t, uint64(0), e.ElfOffset())
		require.Equal(t, uint64(0), e.ElfStartOffset())
		require.False(t, e.MemoryBacked())
		require.Equal(t, uint64(0x10), e.RelPC(0x10010))
	})

	t.Run("embedded", func(t *testing.T) {
		e := entry(0x10000, 0x13000, 0x1000, FlagRead|FlagExec, embedded)
		_, err := e.Image(nil, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(0), e.ElfOffset())
		require.Equal(t, uint64(0x1000), e.ElfStartOffset())
	})

	t.Run("executable part", func(t *testing.T) {
		m := New([]*MapEntry{
			entry(0x10000, 0x12000, 0, FlagRead, lib),
			entry(0x12000, 0x14000, 0x2000, FlagRead|FlagExec, lib),
		})
		e := m.Entries()[1]
		_, err := e.Image(nil, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(0x2000), e.ElfOffset())
		require.Equal(t, uint64(0), e.ElfStartOffset())
		require.Equal(t, uint64(0x2010), e.RelPC(0x12010))

		// without the read-only map the image starts at the map offset
		lone := entry(0x12000, 0x14000, 0x2000, FlagRead|FlagExec, lib)
		_, err = lone.Image(nil, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(0x2000), lone.ElfOffset())
		require.Equal(t, uint64(0x2000), lone.ElfStartOffset())
	})

	t.Run("device", func(t *testing.T) {
		e := entry(0x10000, 0x11000, 0, FlagRead, "/dev/zero")
		_, err := e.Image(memory.NewStack(0x10000, elfHeader()), nil)
		require.ErrorIs(t, err, image.ErrInvalidElf)
	})

	t.Run("cached", func(t *testing.T) {
		cache := image.NewCache(true)
		a := entry(0x10000, 0x14000, 0, FlagRead|FlagExec, lib)
		b := entry(0x20000, 0x24000, 0, FlagRead|FlagExec, lib)
		ia, err := a.Image(nil, cache)
		require.NoError(t, err)
		ib, err := b.Image(nil, cache)
		require.NoError(t, err)
		require.Same(t, ia, ib)
	})
}

func TestImageFromMemory(t *testing.T) {
	hdr := elfHeader()

	t.Run("anonymous", func(t *testing.T) {
		e := entry(0x10000, 0x11000, 0, FlagRead|FlagExec, "[anon:jit]")
		img, err := e.Image(memory.NewStack(0x10000, hdr), nil)
		require.NoError(t, err)
		require.NotNil(t, img)
		require.True(t, e.MemoryBacked())
	})

	t.Run("missing file", func(t *testing.T) {
		data := make([]byte, 0x2000)
		copy(data, hdr)
		m := New([]*MapEntry{
			entry(0x10000, 0x11000, 0, FlagRead, "/nonexistent/libgone.so"),
			entry(0x11000, 0x12000, 0x1000, FlagRead|FlagExec, "/nonexistent/libgone.so"),
		})
		e := m.Entries()[1]
		img, err := e.Image(memory.NewStack(0x10000, data), nil)
		require.NoError(t, err)
		require.NotNil(t, img)
		require.True(t, e.MemoryBacked())
		require.Equal(t, uint64(0x1000), e.ElfOffset())
		require.Equal(t, uint64(0), e.ElfStartOffset())
		require.Equal(t, uint64(0x1010), e.RelPC(0x11010))
	})

	t.Run("no header", func(t *testing.T) {
		e := entry(0x10000, 0x11000, 0x1000, FlagRead|FlagExec, "")
		_, err := e.Image(memory.NewStack(0x10000, make([]byte, 0x1000)), nil)
		require.ErrorIs(t, err, image.ErrInvalidElf)
		var nie *NoImageError
		require.ErrorAs(t, err, &nie)

		// the failure is remembered
		_, err2 := e.Image(memory.NewStack(0x10000, hdr), nil)
		require.Equal(t, err, err2)
	})

	t.Run("unreadable", func(t *testing.T) {
		e := entry(0x10000, 0x11000, 0, FlagRead|FlagExec, "")
		_, err := e.Image(nil, nil)
		require.ErrorIs(t, err, image.ErrInvalidElf)
	})
}
