// Package armexidx interprets the ARM exception handling ABI unwind
// tables, .ARM.exidx and .ARM.extab.
package armexidx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cinit/libunwindstack/pkg/memory"
)

const (
	entrySize = 8

	// cantUnwind marks functions that can not be unwound through.
	cantUnwind = 1

	// maxTableWords is the largest number of extra extab words a compact
	// model entry can announce.
	maxTableWords = 5
)

var (
	// ErrNotCovered is returned when the index has no entry for a PC.
	ErrNotCovered = errors.New("no .ARM.exidx entry for pc")
	// ErrMalformed is the cause of every decoding failure.
	ErrMalformed = errors.New("malformed ARM unwind info")
)

// DecodeError reports a malformed entry.
type DecodeError struct {
	Addr   uint64
	Reason string
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("ARM unwind entry at %#x: %s", err.Addr, err.Reason)
}

func (err *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

// Index is a .ARM.exidx section.
type Index struct {
	mem   memory.Memory
	order binary.ByteOrder
	addr  uint64 // virtual address of the section
	bias  uint64 // virtual address minus file offset
	count uint64
}

// NewIndex describes the .ARM.exidx section stored at offset in the image
// memory mem, size bytes long and loaded at virtual address addr. Entries
// of .ARM.extab are assumed to be mapped with the same bias.
func NewIndex(mem memory.Memory, offset, size, addr uint64, order binary.ByteOrder) *Index {
	return &Index{
		mem:   mem,
		order: order,
		addr:  addr,
		bias:  addr - offset,
		count: size / entrySize,
	}
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return int(idx.count)
}

func prel31(base uint64, v uint32) uint64 {
	off := int64(int32(v<<1) >> 1)
	return (base + uint64(off)) & 0xffffffff
}

func (idx *Index) read32(vaddr uint64) (uint32, error) {
	v, err := memory.ReadUint(idx.mem, vaddr-idx.bias, 4, idx.order)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// Entry is one decoded .ARM.exidx entry.
type Entry struct {
	Addr      uint64 // virtual address of the entry
	FuncStart uint64
	Data      uint32
}

// CantUnwind reports whether the entry is EXIDX_CANTUNWIND.
func (e Entry) CantUnwind() bool {
	return e.Data == cantUnwind
}

// Entry returns entry i.
func (idx *Index) Entry(i int) (Entry, error) {
	addr := idx.addr + uint64(i)*entrySize
	w0, err := idx.read32(addr)
	if err != nil {
		return Entry{}, err
	}
	w1, err := idx.read32(addr + 4)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Addr: addr, FuncStart: prel31(addr, w0), Data: w1}, nil
}

// Find returns the entry covering pc, the last one whose function start
// is not above pc.
func (idx *Index) Find(pc uint64) (Entry, error) {
	var readErr error
	i := sort.Search(int(idx.count), func(i int) bool {
		if readErr != nil {
			return true
		}
		e, err := idx.Entry(i)
		if err != nil {
			readErr = err
			return true
		}
		return e.FuncStart > pc
	})
	if readErr != nil {
		return Entry{}, readErr
	}
	if i == 0 {
		return Entry{}, ErrNotCovered
	}
	return idx.Entry(i - 1)
}

// instructions extracts the unwind opcodes of e, always ending with the
// finish opcode.
func (idx *Index) instructions(e Entry) ([]byte, error) {
	data := e.Data
	if data&(1<<31) != 0 {
		// compact model inlined in the index, personality 0 only
		if (data>>24)&0x7f != 0 {
			return nil, &DecodeError{Addr: e.Addr, Reason: fmt.Sprintf("invalid inline personality %d", (data>>24)&0x7f)}
		}
		return finish([]byte{byte(data >> 16), byte(data >> 8), byte(data)}), nil
	}

	addr := prel31(e.Addr+4, data)
	word, err := idx.read32(addr)
	if err != nil {
		return nil, err
	}
	var (
		ops        []byte
		tableWords uint32
	)
	if word&(1<<31) != 0 {
		switch (word >> 24) & 0xf {
		case 0:
			ops = append(ops, byte(word>>16))
		case 1, 2:
			tableWords = (word >> 16) & 0xff
		default:
			return nil, &DecodeError{Addr: addr, Reason: fmt.Sprintf("invalid personality %d", (word>>24)&0xf)}
		}
		ops = append(ops, byte(word>>8), byte(word))
	} else {
		// generic model, skip the personality routine
		addr += 4
		if word, err = idx.read32(addr); err != nil {
			return nil, err
		}
		tableWords = word >> 24
		ops = append(ops, byte(word>>16), byte(word>>8), byte(word))
	}
	if tableWords > maxTableWords {
		return nil, &DecodeError{Addr: addr, Reason: fmt.Sprintf("%d extra table words", tableWords)}
	}
	for i := uint32(0); i < tableWords; i++ {
		addr += 4
		if word, err = idx.read32(addr); err != nil {
			return nil, err
		}
		ops = append(ops, byte(word>>24), byte(word>>16), byte(word>>8), byte(word))
	}
	return finish(ops), nil
}

func finish(ops []byte) []byte {
	if ops[len(ops)-1] != opFinish {
		ops = append(ops, opFinish)
	}
	return ops
}

// Step unwinds regs by one frame. pc is a virtual address of the image,
// stack is read from mem. finished is true when the function is marked
// as not unwindable or the restored PC is zero.
func (idx *Index) Step(pc uint64, regs Registers, mem memory.Memory) (finished bool, err error) {
	e, err := idx.Find(pc)
	if err != nil {
		return false, err
	}
	if e.CantUnwind() {
		return true, nil
	}
	ops, err := idx.instructions(e)
	if err != nil {
		return false, err
	}
	return Eval(ops, regs, mem, idx.order)
}
