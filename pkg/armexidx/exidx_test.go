package armexidx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

type armRegs [16]uint64

func (r *armRegs) Get(n uint64) uint64 { return r[n] }
func (r *armRegs) Set(n, v uint64)     { r[n] = v }

const (
	exidxOffset = 0x100
	exidxAddr   = 0x1100
	extabAddr   = 0x1200
)

func prel31Word(from, to uint64) uint32 {
	return uint32(to-from) & 0x7fffffff
}

// testIndex lays out four entries:
//
//	0x2000 inline "pop {r4}, finish"
//	0x2100 EXIDX_CANTUNWIND
//	0x2200 extab personality 1 with one extra word
//	0x2300 inline entry with an invalid personality
func testIndex(t *testing.T) *Index {
	image := make([]byte, 0x300)
	le := binary.LittleEndian
	entries := []struct {
		fn   uint64
		data uint32
	}{
		{0x2000, 0x80a0b0b0},
		{0x2100, cantUnwind},
		{0x2200, 0},
		{0x2300, 0x81000000},
	}
	for i, e := range entries {
		addr := uint64(exidxAddr + i*entrySize)
		off := exidxOffset + i*entrySize
		le.PutUint32(image[off:], prel31Word(addr, e.fn))
		data := e.data
		if e.fn == 0x2200 {
			data = prel31Word(addr+4, extabAddr)
		}
		le.PutUint32(image[off+4:], data)
	}
	le.PutUint32(image[0x200:], 0x81018400)
	le.PutUint32(image[0x204:], 0x02b0b0b0)

	idx := NewIndex(memory.NewBuffer(image), exidxOffset, uint64(len(entries)*entrySize), exidxAddr, le)
	require.Equal(t, 4, idx.Len())
	return idx
}

func testStack() memory.Memory {
	data := make([]byte, 0x40)
	binary.LittleEndian.PutUint32(data[0:], 0x44)
	binary.LittleEndian.PutUint32(data[4:], 0x1234)
	return memory.NewStack(0x8000, data)
}

func TestFind(t *testing.T) {
	idx := testIndex(t)
	for _, tc := range []struct {
		pc   uint64
		want uint64
	}{
		{0x2000, 0x2000},
		{0x20ff, 0x2000},
		{0x2100, 0x2100},
		{0x2250, 0x2200},
		{0x9000, 0x2300},
	} {
		e, err := idx.Find(tc.pc)
		require.NoError(t, err)
		require.Equal(t, tc.want, e.FuncStart, "pc %#x", tc.pc)
	}
	_, err := idx.Find(0x1fff)
	require.ErrorIs(t, err, ErrNotCovered)
}

func TestPopR4Finish(t *testing.T) {
	idx := testIndex(t)

	e, err := idx.Find(0x2010)
	require.NoError(t, err)
	ops, err := idx.instructions(e)
	require.NoError(t, err)
	require.Equal(t, []byte{0xa0, 0xb0, 0xb0}, ops)

	var regs armRegs
	prog, err := Run(ops, 0x8000, &regs, testStack(), binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, []Restore{{Reg: 4, Addr: 0x8000}}, prog.Restored)
	require.Equal(t, uint64(0x8004), prog.CFA)
	require.False(t, prog.PCSet)

	// lr is zero so the restored pc ends the unwind
	regs = armRegs{}
	regs[regnum.ARM_SP] = 0x8000
	finished, err := idx.Step(0x2010, &regs, testStack())
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, uint64(0x44), regs[4])
	require.Equal(t, uint64(0x8004), regs[regnum.ARM_SP])
	require.Equal(t, uint64(0), regs[regnum.ARM_PC])

	regs = armRegs{}
	regs[regnum.ARM_SP] = 0x8000
	regs[regnum.ARM_LR] = 0x3000
	finished, err = idx.Step(0x2010, &regs, testStack())
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, uint64(0x3000), regs[regnum.ARM_PC])
}

func TestCantUnwind(t *testing.T) {
	idx := testIndex(t)
	var regs armRegs
	regs[regnum.ARM_SP] = 0x8000
	regs[regnum.ARM_PC] = 0x2104
	finished, err := idx.Step(0x2104, &regs, testStack())
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, uint64(0x2104), regs[regnum.ARM_PC])
}

func TestExtabEntry(t *testing.T) {
	idx := testIndex(t)
	var regs armRegs
	regs[regnum.ARM_SP] = 0x8000
	finished, err := idx.Step(0x2250, &regs, testStack())
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, uint64(0x44), regs[regnum.ARM_LR])
	require.Equal(t, uint64(0x44), regs[regnum.ARM_PC])
	require.Equal(t, uint64(0x8010), regs[regnum.ARM_SP])
}

func TestInvalidPersonality(t *testing.T) {
	idx := testIndex(t)
	var regs armRegs
	regs[regnum.ARM_SP] = 0x8000
	_, err := idx.Step(0x2300, &regs, testStack())
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRun(t *testing.T) {
	for _, tc := range []struct {
		name string
		ops  []byte
		cfa  uint64
	}{
		{"vsp add", []byte{0x3f, 0xb0}, 0x8000 + 0x100},
		{"vsp sub", []byte{0x41, 0xb0}, 0x8000 - 8},
		{"vsp from r7", []byte{0x97, 0xb0}, 0x8020},
		{"pop r0 r1", []byte{0xb1, 0x03, 0xb0}, 0x8008},
		{"vsp add uleb", []byte{0xb2, 0x01, 0xb0}, 0x8000 + 0x208},
		{"fstmfdx", []byte{0xb3, 0x12, 0xb0}, 0x8000 + 28},
		{"fstmfdx d8", []byte{0xb9, 0xb0}, 0x8000 + 20},
		{"vpush d16", []byte{0xc8, 0x01, 0xb0}, 0x8000 + 16},
		{"vpush d8", []byte{0xd1, 0xb0}, 0x8000 + 16},
		{"wcgr", []byte{0xc7, 0x05, 0xb0}, 0x8000 + 8},
		{"pop sp", []byte{0x82, 0x00, 0xb0}, 0x44},
		{"pop r4-r5 lr", []byte{0xa9, 0xb0}, 0x800c},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var regs armRegs
			regs[7] = 0x8020
			prog, err := Run(tc.ops, 0x8000, &regs, testStack(), binary.LittleEndian)
			require.NoError(t, err)
			require.Equal(t, tc.cfa, prog.CFA)
		})
	}
}

func TestRunErrors(t *testing.T) {
	budget := make([]byte, MaxInstructions+1)
	budget[MaxInstructions] = 0xb0
	for _, tc := range []struct {
		name string
		ops  []byte
	}{
		{"reserved sp move", []byte{0x9d}},
		{"reserved pc move", []byte{0x9f}},
		{"spare b4", []byte{0xb4}},
		{"spare b1", []byte{0xb1, 0x10}},
		{"spare b1 zero", []byte{0xb1, 0x00}},
		{"spare c7", []byte{0xc7, 0x00}},
		{"spare cb", []byte{0xcb}},
		{"spare ff", []byte{0xff}},
		{"truncated", []byte{0xb1}},
		{"no finish", []byte{0x00}},
		{"budget", budget},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var regs armRegs
			_, err := Run(tc.ops, 0x8000, &regs, testStack(), binary.LittleEndian)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestPopPC(t *testing.T) {
	var regs armRegs
	regs[regnum.ARM_SP] = 0x8000
	regs[regnum.ARM_LR] = 0x5000
	finished, err := Eval([]byte{0x88, 0x00, 0xb0}, &regs, testStack(), binary.LittleEndian)
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, uint64(0x44), regs[regnum.ARM_PC])
	require.Equal(t, uint64(0x8004), regs[regnum.ARM_SP])
}

func TestRefuseToUnwind(t *testing.T) {
	var regs armRegs
	regs[regnum.ARM_SP] = 0x8000
	finished, err := Eval([]byte{0x80, 0x00}, &regs, testStack(), binary.LittleEndian)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestStackReadFailure(t *testing.T) {
	var regs armRegs
	regs[regnum.ARM_SP] = 0x9000
	_, err := Eval([]byte{0xa0, 0xb0}, &regs, testStack(), binary.LittleEndian)
	require.ErrorIs(t, err, memory.ErrInvalidMemory)
}
