// Package maps describes the address space of a process as read from
// /proc/<pid>/maps or from a snapshot of it, and resolves the ELF image
// behind each mapping.
package maps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cinit/libunwindstack/pkg/image"
	"github.com/cinit/libunwindstack/pkg/logflags"
)

// ErrOverlap is the cause of a ParseError for a mapping that starts
// inside the previous one.
var ErrOverlap = errors.New("mapping overlaps the previous one")

// Flags are the permissions of a mapping.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
	FlagShared
	// FlagDevice marks mappings of /dev files other than ashmem, they are
	// never read.
	FlagDevice
)

func (f Flags) String() string {
	perms := []byte("---p")
	if f&FlagRead != 0 {
		perms[0] = 'r'
	}
	if f&FlagWrite != 0 {
		perms[1] = 'w'
	}
	if f&FlagExec != 0 {
		perms[2] = 'x'
	}
	if f&FlagShared != 0 {
		perms[3] = 's'
	}
	return string(perms)
}

// MapEntry is one mapping. Entries are immutable once built, except for
// the image resolved by Image.
type MapEntry struct {
	Start  uint64
	End    uint64
	Offset uint64
	Flags  Flags
	Dev    uint64
	Inode  uint64
	// Path is the file backing the mapping, empty for anonymous and
	// pseudo mappings such as [stack].
	Path string
	// Name is the pathname column of the maps line.
	Name string

	prev, next *MapEntry

	mu             sync.Mutex
	resolved       bool
	img            *image.Image
	imgErr         error
	elfOffset      uint64
	elfStartOffset uint64
	memoryBacked   bool
}

func (m *MapEntry) String() string {
	return fmt.Sprintf("%x-%x %v %x %s", m.Start, m.End, m.Flags, m.Offset, m.Name)
}

// isBlank reports whether m is a reserved gap between two mappings of
// the same file.
func (m *MapEntry) isBlank() bool {
	return m.Offset == 0 && m.Flags == 0 && m.Name == ""
}

// PrevReal returns the previous mapping, skipping one blank map.
func (m *MapEntry) PrevReal() *MapEntry {
	p := m.prev
	if p != nil && p.isBlank() {
		p = p.prev
	}
	return p
}

// NextReal returns the next mapping, skipping one blank map.
func (m *MapEntry) NextReal() *MapEntry {
	n := m.next
	if n != nil && n.isBlank() {
		n = n.next
	}
	return n
}

// Maps is a sorted list of mappings.
type Maps struct {
	entries []*MapEntry
	load    func() ([]*MapEntry, error)
}

// New returns the maps made of entries, which are sorted by start address.
// An entry starting inside the one before it is dropped.
func New(entries []*MapEntry) *Maps {
	m := &Maps{}
	m.set(entries)
	return m
}

func (m *Maps) set(entries []*MapEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
	kept := entries[:0]
	for _, e := range entries {
		e.prev, e.next = nil, nil
		if n := len(kept); n > 0 {
			last := kept[n-1]
			if e.Start < last.End {
				if logflags.Maps() {
					logflags.MapsLogger().Warnf("dropping %v: overlaps %v", e, last)
				}
				continue
			}
			e.prev = last
			last.next = e
		}
		kept = append(kept, e)
	}
	m.entries = kept
}

// Parse rereads the maps from their source, replacing every entry.
func (m *Maps) Parse() error {
	if m.load == nil {
		return nil
	}
	entries, err := m.load()
	if err != nil {
		return err
	}
	m.set(entries)
	if logflags.Maps() {
		logflags.MapsLogger().Debugf("parsed %d maps", len(entries))
	}
	return nil
}

// Entries returns the mappings in address order.
func (m *Maps) Entries() []*MapEntry {
	return m.entries
}

// Len returns the number of mappings.
func (m *Maps) Len() int {
	return len(m.entries)
}

// Find returns the mapping containing pc or nil.
func (m *Maps) Find(pc uint64) *MapEntry {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].End > pc })
	if i == len(m.entries) || pc < m.entries[i].Start {
		return nil
	}
	return m.entries[i]
}

// ParseText parses maps in the /proc/<pid>/maps text format.
func ParseText(r io.Reader) (*Maps, error) {
	var (
		entries []*MapEntry
		lines   []parsedLine
	)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for lineno := 1; s.Scan(); lineno++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{Line: lineno, Text: line, Err: err}
		}
		entries = append(entries, e)
		lines = append(lines, parsedLine{lineno, line, e})
	}
	if err := s.Err(); err != nil {
		return nil, &ParseError{Err: err}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].entry.Start < lines[j].entry.Start })
	for i := 1; i < len(lines); i++ {
		if lines[i].entry.Start < lines[i-1].entry.End {
			return nil, &ParseError{Line: lines[i].num, Text: lines[i].text, Err: ErrOverlap}
		}
	}
	return New(entries), nil
}

type parsedLine struct {
	num   int
	text  string
	entry *MapEntry
}

// ParseError reports a malformed maps line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (err *ParseError) Error() string {
	if err.Line == 0 {
		return fmt.Sprintf("reading maps: %v", err.Err)
	}
	return fmt.Sprintf("maps line %d %q: %v", err.Line, err.Text, err.Err)
}

func (err *ParseError) Unwrap() error {
	return err.Err
}

// mkdev builds a device number from its major and minor parts using the
// glibc encoding.
func mkdev(major, minor uint64) uint64 {
	return (major&0x00000fff)<<8 | (major&0xfffff000)<<32 | (minor&0x000000ff)<<0 | (minor&0xffffff00)<<12
}

// parseLine parses "start-end perms offset major:minor inode [name]".
func parseLine(line string) (*MapEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil, fmt.Errorf("bad address range %q", fields[0])
	}
	e := &MapEntry{}
	var err error
	if e.Start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
		return nil, err
	}
	if e.End, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
		return nil, err
	}
	if e.End < e.Start {
		return nil, fmt.Errorf("end %#x before start %#x", e.End, e.Start)
	}
	perms := fields[1]
	if len(perms) < 4 {
		return nil, fmt.Errorf("bad permissions %q", perms)
	}
	if perms[0] == 'r' {
		e.Flags |= FlagRead
	}
	if perms[1] == 'w' {
		e.Flags |= FlagWrite
	}
	if perms[2] == 'x' {
		e.Flags |= FlagExec
	}
	if perms[3] == 's' {
		e.Flags |= FlagShared
	}
	if e.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return nil, err
	}
	dev := strings.SplitN(fields[3], ":", 2)
	if len(dev) != 2 {
		return nil, fmt.Errorf("bad device %q", fields[3])
	}
	major, err := strconv.ParseUint(dev[0], 16, 32)
	if err != nil {
		return nil, err
	}
	minor, err := strconv.ParseUint(dev[1], 16, 32)
	if err != nil {
		return nil, err
	}
	e.Dev = mkdev(major, minor)
	if e.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return nil, err
	}
	// the name may contain spaces, take the rest of the line
	rest := line
	for i := 0; i < 5; i++ {
		rest = strings.TrimLeft(rest, " \t")
		if j := strings.IndexAny(rest, " \t"); j >= 0 {
			rest = rest[j:]
		} else {
			rest = ""
		}
	}
	setName(e, strings.TrimSpace(rest))
	return e, nil
}

// setName fills in the name derived fields of e.
func setName(e *MapEntry, name string) {
	e.Name = name
	e.Path = ""
	if name != "" && !strings.HasPrefix(name, "[") {
		e.Path = name
	}
	if strings.HasPrefix(name, "/dev/") && !strings.HasPrefix(name, "/dev/ashmem/") {
		e.Flags |= FlagDevice
	}
}
