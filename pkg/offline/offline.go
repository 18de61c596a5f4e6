// Package offline loads unwind snapshots saved to a directory:
//
//	maps.txt     the /proc/<pid>/maps of the process
//	regs.txt     one "name: hex value" line per register
//	stack*.data  stack dumps, see memory.LoadStackSnapshot
//
// plus copies of the mapped files, named as in maps.txt.
package offline

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cinit/libunwindstack/pkg/maps"
	"github.com/cinit/libunwindstack/pkg/memory"
	"github.com/cinit/libunwindstack/pkg/regs"
	"github.com/cinit/libunwindstack/pkg/unwind"
)

const (
	MapsFile  = "maps.txt"
	RegsFile  = "regs.txt"
	StackGlob = "stack*.data"
)

// Snapshot is a thread saved by a crash handler or a test.
type Snapshot struct {
	Dir    string
	Regs   regs.Regs
	Maps   *maps.Maps
	Memory memory.Memory
}

// Load reads the snapshot in dir, whose registers belong to arch.
func Load(dir string, arch regs.Arch) (*Snapshot, error) {
	r, err := LoadRegs(filepath.Join(dir, RegsFile), arch)
	if err != nil {
		return nil, err
	}
	m, err := LoadMaps(dir)
	if err != nil {
		return nil, err
	}
	stacks, err := filepath.Glob(filepath.Join(dir, StackGlob))
	if err != nil {
		return nil, err
	}
	if len(stacks) == 0 {
		return nil, fmt.Errorf("%s: no stack dumps", dir)
	}
	sort.Strings(stacks)
	mem, err := memory.LoadStackSnapshots(stacks...)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Dir: dir, Regs: r, Maps: m, Memory: mem}, nil
}

// Unwinder returns an unwinder for the snapshot.
func (s *Snapshot) Unwinder() *unwind.Unwinder {
	return &unwind.Unwinder{Maps: s.Maps, Regs: s.Regs, ProcessMemory: s.Memory}
}

// LoadMaps parses dir/maps.txt. Relative file names are looked up in dir.
func LoadMaps(dir string) (*maps.Maps, error) {
	fh, err := os.Open(filepath.Join(dir, MapsFile))
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	m, err := maps.ParseText(fh)
	if err != nil {
		return nil, err
	}
	for _, e := range m.Entries() {
		if e.Path != "" && !filepath.IsAbs(e.Path) {
			e.Path = filepath.Join(dir, e.Path)
		}
	}
	return m, nil
}

// LoadRegs parses a register file. Registers it does not mention are zero.
func LoadRegs(path string, arch regs.Arch) (regs.Regs, error) {
	r, err := regs.New(arch)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	s := bufio.NewScanner(fh)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected \"name: value\", got %q", path, n, line)
		}
		name = strings.TrimSpace(name)
		num, ok := regs.Lookup(arch, name)
		if !ok {
			return nil, fmt.Errorf("%s:%d: unknown %v register %q", path, n, arch, name)
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(value), "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		r.Set(num, v)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return r, nil
}
