package memory

import "sort"

// Range exposes length bytes of Mem, starting at Begin, at addresses
// [Offset, Offset+Length).
type Range struct {
	Mem    Memory
	Begin  uint64
	Length uint64
	Offset uint64
}

// NewRange returns a Range over mem.
func NewRange(mem Memory, begin, length, offset uint64) *Range {
	return &Range{Mem: mem, Begin: begin, Length: length, Offset: offset}
}

func (r *Range) end() uint64 {
	return r.Offset + r.Length
}

func (r *Range) Read(addr uint64, dst []byte) (int, error) {
	if err := checkOverflow(addr, len(dst)); err != nil {
		return 0, err
	}
	if addr < r.Offset || addr-r.Offset >= r.Length {
		return 0, &ShortReadError{Addr: addr, Want: len(dst)}
	}
	off := addr - r.Offset
	want := uint64(len(dst))
	if rem := r.Length - off; rem < want {
		want = rem
	}
	if r.Begin+off < r.Begin {
		return 0, &InvalidAddressError{Addr: addr, Size: len(dst)}
	}
	n, err := r.Mem.Read(r.Begin+off, dst[:want])
	if err == nil && n < len(dst) {
		err = &ShortReadError{Addr: addr, Want: len(dst), Got: n}
	}
	return n, err
}

// Ranges is a set of non-overlapping Range values, a read is served by the
// range containing its first byte.
type Ranges struct {
	ranges []*Range // sorted by end
}

// Insert adds r to the set. Ranges whose end collides with an existing
// one are dropped and Insert returns false.
func (rs *Ranges) Insert(r *Range) bool {
	i := sort.Search(len(rs.ranges), func(i int) bool { return rs.ranges[i].end() >= r.end() })
	if i < len(rs.ranges) && rs.ranges[i].end() == r.end() {
		return false
	}
	rs.ranges = append(rs.ranges, nil)
	copy(rs.ranges[i+1:], rs.ranges[i:])
	rs.ranges[i] = r
	return true
}

func (rs *Ranges) Read(addr uint64, dst []byte) (int, error) {
	i := sort.Search(len(rs.ranges), func(i int) bool { return rs.ranges[i].end() > addr })
	if i == len(rs.ranges) || addr < rs.ranges[i].Offset {
		return 0, &ShortReadError{Addr: addr, Want: len(dst)}
	}
	return rs.ranges[i].Read(addr, dst)
}
