package maps

import (
	"fmt"

	"github.com/cinit/libunwindstack/pkg/image"
	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/memory"
)

// NoImageError is returned by Image for mappings that hold no readable
// ELF image.
type NoImageError struct {
	Map    string
	Reason string
}

func (err *NoImageError) Error() string {
	return fmt.Sprintf("no ELF image for %s: %s", err.Map, err.Reason)
}

func (err *NoImageError) Is(target error) bool {
	return target == image.ErrInvalidElf
}

// Image returns the ELF image covering m, resolving it on first use.
// File backed images are shared through cache, procMem is read when the
// file is unavailable. The error is cached with the image.
func (m *MapEntry) Image(procMem memory.Memory, cache *image.Cache) (*image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resolved {
		m.resolved = true
		m.img, m.imgErr = m.resolve(procMem, cache)
		if m.imgErr != nil && logflags.Maps() {
			logflags.MapsLogger().Debugf("%v: %v", m, m.imgErr)
		}
	}
	return m.img, m.imgErr
}

// ResolvedImage returns the image found by an earlier call to Image,
// without resolving it.
func (m *MapEntry) ResolvedImage() *image.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.img
}

// FullName returns the map name, followed by "!" and the soname for
// images embedded in a larger file.
func (m *MapEntry) FullName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.elfStartOffset == 0 || m.Name == "" || m.img == nil || m.img.SOName == "" {
		return m.Name
	}
	return m.Name + "!" + m.img.SOName
}

// ElfOffset returns the offset of the mapping start in the image. Valid
// after Image.
func (m *MapEntry) ElfOffset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elfOffset
}

// ElfStartOffset returns the file offset the image starts at. Valid
// after Image.
func (m *MapEntry) ElfStartOffset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elfStartOffset
}

// MemoryBacked reports whether the image is read from process memory.
func (m *MapEntry) MemoryBacked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryBacked
}

// RelPC converts pc, an address in m, to a virtual address of the image.
func (m *MapEntry) RelPC(pc uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bias uint64
	if m.img != nil {
		bias = m.img.LoadBias
	}
	return pc - m.Start + m.elfOffset + bias
}

func (m *MapEntry) noImage(format string, args ...interface{}) error {
	return &NoImageError{Map: m.String(), Reason: fmt.Sprintf(format, args...)}
}

func (m *MapEntry) resolve(procMem memory.Memory, cache *image.Cache) (*image.Image, error) {
	if m.End <= m.Start {
		return nil, m.noImage("empty mapping")
	}
	m.elfOffset = 0
	if m.Flags&FlagDevice != 0 {
		return nil, m.noImage("device mapping")
	}
	if m.Path != "" {
		img, err := m.fileImage(cache)
		if err == nil {
			return img, nil
		}
		if logflags.Maps() {
			logflags.MapsLogger().Debugf("%v: %v, trying process memory", m, err)
		}
		m.elfOffset, m.elfStartOffset = 0, 0
	}
	if procMem == nil {
		return nil, m.noImage("file unavailable and no process memory")
	}
	return m.memoryImage(procMem)
}

// fileImage locates the image inside the backing file. The mapping may
// start the file, hold an image embedded at its offset, or be the
// executable part of a file whose header is in the read-only map before
// it.
func (m *MapEntry) fileImage(cache *image.Cache) (*image.Image, error) {
	f, fileOff, err := m.fileMemory()
	if err != nil {
		return nil, err
	}
	key := image.Key{Dev: m.Dev, Inode: m.Inode, Path: m.Path, Offset: fileOff}
	img, err := cache.Get(key, func() (memory.Memory, error) { return f, nil })
	if img == nil || img.Memory() != memory.Memory(f) {
		f.Close()
	}
	return img, err
}

func (m *MapEntry) prevIsReadOnlyHead() bool {
	prev := m.PrevReal()
	return prev != nil && prev.Offset == 0 && prev.Flags == FlagRead && prev.Name == m.Name
}

func (m *MapEntry) fileMemory() (*memory.File, uint64, error) {
	if m.Offset == 0 {
		f, err := memory.OpenFile(m.Path, 0, 0)
		return f, 0, err
	}

	if f, err := memory.OpenFile(m.Path, m.Offset, 0); err == nil {
		if image.IsValidELF(f) {
			m.elfStartOffset = m.Offset
			return f, m.Offset, nil
		}
		f.Close()
	}

	f, err := memory.OpenFile(m.Path, 0, 0)
	if err != nil {
		return nil, 0, err
	}
	if image.IsValidELF(f) {
		m.elfOffset = m.Offset
		if !m.prevIsReadOnlyHead() {
			m.elfStartOffset = m.Offset
		}
		return f, 0, nil
	}
	f.Close()

	if prev := m.PrevReal(); prev != nil && prev.Flags == FlagRead && prev.Path == m.Path && prev.Offset < m.Offset {
		f, err := memory.OpenFile(m.Path, prev.Offset, 0)
		if err == nil {
			if image.IsValidELF(f) {
				m.elfOffset = m.Offset - prev.Offset
				m.elfStartOffset = prev.Offset
				return f, prev.Offset, nil
			}
			f.Close()
		}
	}
	return nil, 0, m.noImage("no ELF header in %s", m.Path)
}

// memoryImage reads the image from the process. With split mappings the
// header is in the read-only map preceding the executable one, or the
// executable map starting the image is followed by the rest of it.
func (m *MapEntry) memoryImage(procMem memory.Memory) (*image.Image, error) {
	mem := memory.NewRange(procMem, m.Start, m.End-m.Start, 0)
	if image.IsValidELF(mem) {
		m.memoryBacked = true
		m.elfStartOffset = m.Offset
		next := m.NextReal()
		if m.Offset != 0 || next == nil || m.Offset >= next.Offset {
			return image.Parse(mem)
		}
		ranges := &memory.Ranges{}
		ranges.Insert(mem)
		ranges.Insert(memory.NewRange(procMem, next.Start, next.End-next.Start, next.Offset-m.Offset))
		return image.Parse(ranges)
	}

	prev := m.PrevReal()
	if m.Offset == 0 || !m.prevIsReadOnlyHead() {
		return nil, m.noImage("no ELF header in memory")
	}
	m.memoryBacked = true
	m.elfOffset = m.Offset - prev.Offset
	m.elfStartOffset = prev.Offset
	ranges := &memory.Ranges{}
	ranges.Insert(memory.NewRange(procMem, prev.Start, prev.End-prev.Start, 0))
	ranges.Insert(memory.NewRange(procMem, m.Start, m.End-m.Start, m.elfOffset))
	return image.Parse(ranges)
}
