// Package regs holds the register sets of the supported architectures.
//
// A register set is a fixed array of machine words indexed by DWARF
// register number (see package regnum), tagged with its architecture.
// Everything that differs between architectures, from the return address
// convention to the layout of the kernel signal frame, is described by a
// per-architecture table.
package regs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/memory"
)

var (
	// ErrBadArch is returned for architectures without a register set.
	ErrBadArch = errors.New("unsupported architecture")
	// ErrSystemCall is the cause of failures to read registers from a thread.
	ErrSystemCall = errors.New("system call failed")
)

// Regs is the register file of one frame.
type Regs interface {
	Arch() Arch
	PC() uint64
	SP() uint64
	SetPC(v uint64)
	SetSP(v uint64)
	Get(num uint64) uint64
	Set(num uint64, v uint64)
	// Total is the number of registers in the set.
	Total() int
	// ReturnAddressReg is the register holding the return address after
	// a call, or the PC register on architectures that push it.
	ReturnAddressReg() uint64

	// SetPCFromReturnAddress sets the PC to the return address of a
	// function that has not built a frame yet. It returns false if that
	// would not change the PC.
	SetPCFromReturnAddress(mem memory.Memory) bool
	// StepIfSignalHandler checks whether the code at elfOffset of elfMem is
	// a signal return trampoline. If it is, the set is reloaded from the
	// signal frame on the stack in procMem and true is returned.
	StepIfSignalHandler(elfOffset uint64, elfMem, procMem memory.Memory) bool
	// PCAdjustment returns how far relPC, a return address, must be moved
	// back to land inside the call instruction. elfMem is the image memory
	// and may be nil when the image is not valid.
	PCAdjustment(relPC, loadBias uint64, elfMem memory.Memory) uint64

	Clone() Regs
	// Iterate calls fn on every register, in set order.
	Iterate(fn func(name string, v uint64))
	// Raw returns a copy of the register values.
	Raw() []uint64
}

// archDesc describes everything architecture specific about a register set.
type archDesc struct {
	arch  Arch
	names []string
	pc    uint64
	sp    uint64
	ra    uint64
	// pushesRA is true when a call pushes the return address on the
	// stack instead of keeping it in ra.
	pushesRA bool

	pcAdjust  func(relPC, loadBias uint64, elfMem memory.Memory) uint64
	sigreturn func(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool
	ucontext  func(r *regSet, data []byte) error
}

var descs = map[Arch]*archDesc{}

func register(d *archDesc) {
	descs[d.arch] = d
}

func descFor(arch Arch) (*archDesc, error) {
	d := descs[arch]
	if d == nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArch, arch)
	}
	return d, nil
}

type regSet struct {
	desc *archDesc
	mask uint64
	r    []uint64
}

// New returns a zeroed register set for arch.
func New(arch Arch) (Regs, error) {
	d, err := descFor(arch)
	if err != nil {
		return nil, err
	}
	return newSet(d), nil
}

func newSet(d *archDesc) *regSet {
	mask := ^uint64(0)
	if d.arch.PtrSize() == 4 {
		mask = 0xffffffff
	}
	return &regSet{desc: d, mask: mask, r: make([]uint64, len(d.names))}
}

// Lookup returns the number of the register of arch called name. "pc"
// and "sp" name the program counter and stack pointer on every
// architecture.
func Lookup(arch Arch, name string) (uint64, bool) {
	d, err := descFor(arch)
	if err != nil {
		return 0, false
	}
	switch name {
	case "pc":
		return d.pc, true
	case "sp":
		return d.sp, true
	}
	for i, n := range d.names {
		if n == name {
			return uint64(i), true
		}
	}
	return 0, false
}

// FromRaw returns a register set for arch holding values, which must
// have exactly one value per register.
func FromRaw(arch Arch, values []uint64) (Regs, error) {
	d, err := descFor(arch)
	if err != nil {
		return nil, err
	}
	if len(values) != len(d.names) {
		return nil, fmt.Errorf("%v register set needs %d values, got %d", arch, len(d.names), len(values))
	}
	r := newSet(d)
	for i, v := range values {
		r.r[i] = v & r.mask
	}
	return r, nil
}

// FromUcontext builds a register set from the memory image of a kernel
// ucontext_t, as passed to a signal handler.
func FromUcontext(arch Arch, data []byte) (Regs, error) {
	d, err := descFor(arch)
	if err != nil {
		return nil, err
	}
	if d.ucontext == nil {
		return nil, fmt.Errorf("%w: no ucontext layout for %v", ErrBadArch, arch)
	}
	r := newSet(d)
	if err := d.ucontext(r, data); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *regSet) Arch() Arch               { return r.desc.arch }
func (r *regSet) PC() uint64               { return r.r[r.desc.pc] }
func (r *regSet) SP() uint64               { return r.r[r.desc.sp] }
func (r *regSet) SetPC(v uint64)           { r.r[r.desc.pc] = v & r.mask }
func (r *regSet) SetSP(v uint64)           { r.r[r.desc.sp] = v & r.mask }
func (r *regSet) Total() int               { return len(r.r) }
func (r *regSet) ReturnAddressReg() uint64 { return r.desc.ra }

func (r *regSet) Get(num uint64) uint64 {
	if num >= uint64(len(r.r)) {
		return 0
	}
	return r.r[num]
}

func (r *regSet) Set(num uint64, v uint64) {
	if num < uint64(len(r.r)) {
		r.r[num] = v & r.mask
	}
}

func (r *regSet) SetPCFromReturnAddress(mem memory.Memory) bool {
	if r.desc.pushesRA {
		size := r.desc.arch.PtrSize()
		v, err := memory.ReadUint(mem, r.SP(), size, binary.LittleEndian)
		if err != nil || v == r.PC() {
			return false
		}
		r.SetPC(v)
		// pop the return address so the caller frame sees its own sp
		r.SetSP(r.SP() + uint64(size))
		return true
	}
	ra := r.r[r.desc.ra]
	if r.PC() == ra {
		return false
	}
	r.SetPC(ra)
	return true
}

func (r *regSet) StepIfSignalHandler(elfOffset uint64, elfMem, procMem memory.Memory) bool {
	if r.desc.sigreturn == nil || elfMem == nil || procMem == nil {
		return false
	}
	return r.desc.sigreturn(r, elfOffset, elfMem, procMem)
}

func (r *regSet) PCAdjustment(relPC, loadBias uint64, elfMem memory.Memory) uint64 {
	return r.desc.pcAdjust(relPC, loadBias, elfMem)
}

func (r *regSet) Clone() Regs {
	c := *r
	c.r = append([]uint64(nil), r.r...)
	return &c
}

func (r *regSet) Iterate(fn func(name string, v uint64)) {
	for i, v := range r.r {
		fn(r.desc.names[i], v)
	}
}

func (r *regSet) Raw() []uint64 {
	return append([]uint64(nil), r.r...)
}

func (r *regSet) String() string {
	return fmt.Sprintf("%v regs pc=%#x sp=%#x", r.desc.arch, r.PC(), r.SP())
}

// readWords reads n little endian words of size bytes at addr.
func readWords(mem memory.Memory, addr uint64, n, size int) ([]uint64, bool) {
	buf := make([]byte, n*size)
	if err := memory.ReadFully(mem, addr, buf); err != nil {
		return nil, false
	}
	return decodeWords(buf, size), true
}

func decodeWords(buf []byte, size int) []uint64 {
	out := make([]uint64, len(buf)/size)
	for i := range out {
		if size == 4 {
			out[i] = uint64(binary.LittleEndian.Uint32(buf[i*4:]))
		} else {
			out[i] = binary.LittleEndian.Uint64(buf[i*8:])
		}
	}
	return out
}

// wordsAt decodes n words of data starting at off.
func wordsAt(data []byte, off, n, size int) ([]uint64, error) {
	if off+n*size > len(data) {
		return nil, fmt.Errorf("ucontext too short: %d bytes, need %d", len(data), off+n*size)
	}
	return decodeWords(data[off:off+n*size], size), nil
}

// readCode reads n bytes of code at off in the image memory.
func readCode(elfMem memory.Memory, off uint64, n int) ([]byte, bool) {
	buf := make([]byte, n)
	if err := memory.ReadFully(elfMem, off, buf); err != nil {
		return nil, false
	}
	return buf, true
}

func logSignalFrame(r *regSet, addr uint64) {
	if !logflags.Unwinder() {
		return
	}
	logflags.UnwinderLogger().Debugf("%v signal frame at %#x, pc=%#x sp=%#x", r.desc.arch, addr, r.PC(), r.SP())
}
