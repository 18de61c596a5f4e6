package memory

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferRead(t *testing.T) {
	b := NewBuffer([]byte{1, 2, 3, 4})
	dst := make([]byte, 2)
	n, err := b.Read(0, dst)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{1, 2}, dst)

	dst = make([]byte, 4)
	n, err = b.Read(2, dst)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShortRead))
	require.Equal(t, 2, n)
	require.Equal(t, []byte{3, 4}, dst[:n])

	_, err = b.Read(10, dst)
	require.True(t, errors.Is(err, ErrInvalidMemory))
}

func TestStackRejectsNullAndOverflow(t *testing.T) {
	s := NewStack(0x1000, make([]byte, 16))
	_, err := s.Read(0, make([]byte, 1))
	require.True(t, errors.Is(err, ErrInvalidMemory))

	_, err = s.Read(^uint64(0), make([]byte, 2))
	var invalid *InvalidAddressError
	require.True(t, errors.As(err, &invalid))

	require.NoError(t, ReadFully(s, 0x1008, make([]byte, 8)))
	require.Error(t, ReadFully(s, 0x1009, make([]byte, 8)))
}

func TestReadUint(t *testing.T) {
	b := NewBuffer([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88})
	for _, tc := range []struct {
		size int
		want uint64
	}{
		{1, 0x11},
		{2, 0x2211},
		{4, 0x44332211},
		{8, 0x8877665544332211},
	} {
		v, err := ReadUint(b, 0, tc.size, binary.LittleEndian)
		require.NoError(t, err)
		require.Equal(t, tc.want, v)
	}
	v, err := ReadUint(b, 0, 4, binary.BigEndian)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11223344), v)

	_, err = ReadUint(b, 0, 3, binary.LittleEndian)
	require.Error(t, err)
	_, err = ReadUint(b, 6, 4, binary.LittleEndian)
	require.True(t, errors.Is(err, ErrInvalidMemory))
}

func TestReadString(t *testing.T) {
	data := append([]byte("main"), 0)
	data = append(data, []byte("unterminated")...)
	b := NewBuffer(data)

	s, err := ReadString(b, 0, 64)
	require.NoError(t, err)
	require.Equal(t, "main", s)

	_, err = ReadString(b, 5, 64)
	require.Error(t, err)

	_, err = ReadString(b, 0, 2)
	require.Error(t, err)
}

func TestRangeTranslatesAddresses(t *testing.T) {
	b := NewBuffer([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	r := NewRange(b, 4, 4, 0x2000)

	dst := make([]byte, 2)
	_, err := r.Read(0x2001, dst)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6}, dst)

	n, err := r.Read(0x2003, dst)
	require.Equal(t, 1, n)
	require.True(t, errors.Is(err, ErrShortRead))

	_, err = r.Read(0x1fff, dst)
	require.Error(t, err)
}

func TestRanges(t *testing.T) {
	rs := &Ranges{}
	require.True(t, rs.Insert(NewRange(NewBuffer([]byte{1, 2, 3, 4}), 0, 4, 0x100)))
	require.True(t, rs.Insert(NewRange(NewBuffer([]byte{5, 6, 7, 8}), 0, 4, 0x200)))
	require.False(t, rs.Insert(NewRange(NewBuffer([]byte{9}), 0, 4, 0x200)))

	dst := make([]byte, 1)
	require.NoError(t, ReadFully(rs, 0x202, dst))
	require.Equal(t, byte(7), dst[0])
	require.NoError(t, ReadFully(rs, 0x100, dst))
	require.Equal(t, byte(1), dst[0])
	require.Error(t, ReadFully(rs, 0x150, dst))
}

type countingMemory struct {
	mem   Memory
	reads int
}

func (c *countingMemory) Read(addr uint64, dst []byte) (int, error) {
	c.reads++
	return c.mem.Read(addr, dst)
}

func TestCache(t *testing.T) {
	data := make([]byte, 3*cachePageSize)
	for i := range data {
		data[i] = byte(i)
	}
	under := &countingMemory{mem: NewStack(cachePageSize, data)}
	c, err := NewCache(under, 4)
	require.NoError(t, err)

	dst := make([]byte, 8)
	require.NoError(t, ReadFully(c, cachePageSize+16, dst))
	require.Equal(t, data[16:24], dst)
	require.Equal(t, 1, under.reads)

	require.NoError(t, ReadFully(c, cachePageSize+32, dst))
	require.Equal(t, 1, under.reads)

	// straddles two pages
	require.NoError(t, ReadFully(c, 2*cachePageSize-4, dst))
	require.Equal(t, data[cachePageSize-4:cachePageSize+4], dst)
	require.Equal(t, 2, under.reads)

	c.Clear()
	require.NoError(t, ReadFully(c, cachePageSize+16, dst))
	require.Equal(t, 3, under.reads)

	big := make([]byte, cachePageSize+1)
	require.NoError(t, ReadFully(c, cachePageSize, big))
	require.Equal(t, 4, under.reads)
}

func TestCacheUnreadablePage(t *testing.T) {
	under := NewStack(cachePageSize, make([]byte, 100))
	c, err := NewCache(under, 4)
	require.NoError(t, err)
	dst := make([]byte, 4)
	require.NoError(t, ReadFully(c, cachePageSize+10, dst))
	require.Error(t, ReadFully(c, cachePageSize+98, dst))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f, err := OpenFile(path, 2, 0)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, uint64(8), f.Size())

	dst := make([]byte, 3)
	require.NoError(t, ReadFully(f, 0, dst))
	require.Equal(t, "234", string(dst))

	n, err := f.Read(6, dst)
	require.Equal(t, 2, n)
	require.True(t, errors.Is(err, ErrShortRead))

	_, err = OpenFile(path, 20, 0)
	require.Error(t, err)
}

func TestLoadStackSnapshots(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, start uint64, body []byte) string {
		buf := make([]byte, 8, 8+len(body))
		binary.LittleEndian.PutUint64(buf, start)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, append(buf, body...), 0o644))
		return path
	}
	p0 := write("stack0.data", 0x7000, []byte{1, 2, 3, 4})
	p1 := write("stack1.data", 0x9000, []byte{5, 6})

	s, err := LoadStackSnapshot(p0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7000), s.Base)

	rs, err := LoadStackSnapshots(p0, p1)
	require.NoError(t, err)
	v, err := ReadUint(rs, 0x9000, 2, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0605), v)

	short := filepath.Join(dir, "short.data")
	require.NoError(t, os.WriteFile(short, []byte{1, 2}, 0o644))
	_, err = LoadStackSnapshot(short)
	require.Error(t, err)
}
