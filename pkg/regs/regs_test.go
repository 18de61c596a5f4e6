package regs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

var allArchs = []Arch{ArchARM, ArchARM64, ArchX86, ArchX86_64, ArchRISCV64, ArchMIPS, ArchMIPS64}

func putWords(buf []byte, off int, size int, values ...uint64) {
	for i, v := range values {
		if size == 4 {
			binary.LittleEndian.PutUint32(buf[off+i*4:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(buf[off+i*8:], v)
		}
	}
}

func seq(n int, base uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = base + uint64(i)
	}
	return out
}

func TestNew(t *testing.T) {
	wantTotal := map[Arch]int{
		ArchARM:     16,
		ArchARM64:   33,
		ArchX86:     16,
		ArchX86_64:  17,
		ArchRISCV64: 32,
		ArchMIPS:    33,
		ArchMIPS64:  33,
	}
	for _, arch := range allArchs {
		r, err := New(arch)
		require.NoError(t, err)
		require.Equal(t, arch, r.Arch())
		require.Equal(t, wantTotal[arch], r.Total(), arch.String())
		r.SetPC(0x1234)
		r.SetSP(0x5678)
		require.Equal(t, uint64(0x1234), r.PC())
		require.Equal(t, uint64(0x5678), r.SP())

		parsed, err := ParseArch(arch.String())
		require.NoError(t, err)
		require.Equal(t, arch, parsed)
	}

	_, err := New(ArchUnknown)
	require.ErrorIs(t, err, ErrBadArch)
	_, err = ParseArch("sparc")
	require.ErrorIs(t, err, ErrBadArch)
}

func TestRegisterWidth(t *testing.T) {
	r, err := New(ArchARM)
	require.NoError(t, err)
	r.Set(regnum.ARM_R0, 0x100000001)
	require.Equal(t, uint64(1), r.Get(regnum.ARM_R0))
	require.Equal(t, uint64(0), r.Get(100))
	r.Set(100, 1)

	r, err = New(ArchARM64)
	require.NoError(t, err)
	r.Set(regnum.ARM64_X0, 0x100000001)
	require.Equal(t, uint64(0x100000001), r.Get(regnum.ARM64_X0))
}

func TestFromRaw(t *testing.T) {
	_, err := FromRaw(ArchARM, make([]uint64, 3))
	require.Error(t, err)

	r, err := FromRaw(ArchARM, seq(16, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(16), r.PC())
	require.Equal(t, uint64(14), r.SP())
	require.Equal(t, uint64(regnum.ARM_LR), r.ReturnAddressReg())
}

func TestLookup(t *testing.T) {
	for _, tc := range []struct {
		arch Arch
		name string
		num  uint64
	}{
		{ArchARM, "pc", regnum.ARM_PC},
		{ArchARM, "lr", regnum.ARM_LR},
		{ArchARM64, "x29", 29},
		{ArchARM64, "sp", regnum.ARM64_SP},
		{ArchX86_64, "pc", regnum.AMD64_Rip},
		{ArchX86_64, "rbp", regnum.AMD64_Rbp},
		{ArchX86, "sp", regnum.I386_Esp},
		{ArchRISCV64, "a0", 10},
	} {
		num, ok := Lookup(tc.arch, tc.name)
		require.True(t, ok, "%v %s", tc.arch, tc.name)
		require.Equal(t, tc.num, num, "%v %s", tc.arch, tc.name)
	}
	_, ok := Lookup(ArchX86_64, "x0")
	require.False(t, ok)
	_, ok = Lookup(ArchUnknown, "pc")
	require.False(t, ok)
}

func TestCloneAndIterate(t *testing.T) {
	for _, arch := range allArchs {
		t.Run(arch.String(), func(t *testing.T) {
			z, err := New(arch)
			require.NoError(t, err)
			r, err := FromRaw(arch, seq(z.Total(), 0x10))
			require.NoError(t, err)

			c := r.Clone()
			pc := r.PC()
			c.SetPC(0)
			require.Equal(t, pc, r.PC())
			require.NotZero(t, pc)

			var (
				names  []string
				values []uint64
			)
			r.Iterate(func(name string, v uint64) {
				names = append(names, name)
				values = append(values, v)
			})
			require.Len(t, names, r.Total())
			require.Equal(t, r.Raw(), values)
			for i, name := range names {
				num, ok := Lookup(arch, name)
				require.True(t, ok, name)
				require.Equal(t, uint64(i), num, name)
			}

			back, err := FromRaw(arch, values)
			require.NoError(t, err)
			require.Equal(t, r.Raw(), back.Raw())
			require.Equal(t, r.PC(), back.PC())
			require.Equal(t, r.SP(), back.SP())
		})
	}

	r, err := FromRaw(ArchARM64, seq(33, 0x10))
	require.NoError(t, err)
	var names []string
	r.Iterate(func(name string, _ uint64) { names = append(names, name) })
	require.Equal(t, regnum.ARM64Names, names)
}

func TestSetPCFromReturnAddress(t *testing.T) {
	r, err := New(ArchARM)
	require.NoError(t, err)
	r.Set(regnum.ARM_LR, 0x4000)
	require.True(t, r.SetPCFromReturnAddress(nil))
	require.Equal(t, uint64(0x4000), r.PC())
	require.False(t, r.SetPCFromReturnAddress(nil))

	stack := make([]byte, 8)
	binary.LittleEndian.PutUint64(stack, 0x7000)
	mem := memory.NewStack(0x1000, stack)

	r, err = New(ArchX86_64)
	require.NoError(t, err)
	r.SetSP(0x1000)
	require.True(t, r.SetPCFromReturnAddress(mem))
	require.Equal(t, uint64(0x7000), r.PC())
	require.Equal(t, uint64(0x1008), r.SP())
	require.False(t, r.SetPCFromReturnAddress(mem))

	// the return address is already the pc
	r.SetSP(0x1000)
	require.False(t, r.SetPCFromReturnAddress(mem))
	require.Equal(t, uint64(0x7000), r.PC())
	require.Equal(t, uint64(0x1000), r.SP())

	r, err = New(ArchX86)
	require.NoError(t, err)
	r.SetSP(0x1000)
	require.True(t, r.SetPCFromReturnAddress(mem))
	require.Equal(t, uint64(0x7000), r.PC())
	require.Equal(t, uint64(0x1004), r.SP())

	r.SetSP(0x1000)
	require.False(t, r.SetPCFromReturnAddress(mem))
	require.Equal(t, uint64(0x7000), r.PC())
	require.Equal(t, uint64(0x1000), r.SP())
}

func TestPCAdjustment(t *testing.T) {
	code := make([]byte, 0x40)
	// 32-bit thumb bl ending at 0x20
	binary.LittleEndian.PutUint32(code[0x1c:], 0xf800f000)
	// 16-bit thumb blx ending at 0x30
	binary.LittleEndian.PutUint32(code[0x2c:], 0x47984798)
	elfMem := memory.NewBuffer(code)

	for _, tc := range []struct {
		arch     Arch
		relPC    uint64
		loadBias uint64
		mem      memory.Memory
		want     uint64
	}{
		{ArchARM, 0x10, 0, nil, 2},
		{ArchARM, 1, 0, elfMem, 0},
		{ArchARM, 3, 0, elfMem, 2},
		{ArchARM, 0x10, 0, elfMem, 4},
		{ArchARM, 0x21, 0, elfMem, 4},
		{ArchARM, 0x31, 0, elfMem, 2},
		{ArchARM, 0x1021, 0x1000, elfMem, 4},
		{ArchARM, 0x10, 0x1000, elfMem, 2},
		{ArchARM64, 3, 0, elfMem, 0},
		{ArchARM64, 0x10, 0, elfMem, 4},
		{ArchRISCV64, 0x10, 0, nil, 4},
		{ArchX86, 0, 0, nil, 0},
		{ArchX86_64, 0x10, 0, nil, 1},
		{ArchMIPS, 7, 0, nil, 0},
		{ArchMIPS64, 8, 0, nil, 8},
	} {
		r, err := New(tc.arch)
		require.NoError(t, err)
		require.Equal(t, tc.want, r.PCAdjustment(tc.relPC, tc.loadBias, tc.mem), "%v relPC %#x", tc.arch, tc.relPC)
	}
}

const (
	trampOffset = 0x100
	stackBase   = 0x10000
)

// signalSetup returns image memory holding code at trampOffset and an
// empty stack of n bytes.
func signalSetup(code []byte, n int) (memory.Memory, []byte) {
	image := make([]byte, trampOffset+len(code)+8)
	copy(image[trampOffset:], code)
	return memory.NewBuffer(image), make([]byte, n)
}

func TestStepIfSignalHandlerARM64(t *testing.T) {
	elfMem, stack := signalSetup([]byte{0x68, 0x11, 0x80, 0xd2, 0x01, 0x00, 0x00, 0xd4}, 0x400)
	putWords(stack, 0x80+0xb0+8, 8, seq(33, 1)...)

	r, err := New(ArchARM64)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.True(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
	require.Equal(t, seq(33, 1), r.Raw())

	r, err = New(ArchARM64)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.False(t, r.StepIfSignalHandler(0, elfMem, memory.NewStack(stackBase, stack)))
	require.False(t, r.StepIfSignalHandler(trampOffset, nil, memory.NewStack(stackBase, stack)))
	require.Equal(t, uint64(stackBase), r.SP())
}

func TestStepIfSignalHandlerRISCV64(t *testing.T) {
	elfMem, stack := signalSetup(riscv64SigreturnCode, 0x400)
	putWords(stack, 0x80+0xb0, 8, seq(32, 0x40)...)

	r, err := New(ArchRISCV64)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.True(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
	require.Equal(t, uint64(0x40), r.PC())
	require.Equal(t, uint64(0x41), r.Get(regnum.RISCV64_LR))
	require.Equal(t, uint64(0x42), r.SP())
}

func TestStepIfSignalHandlerX86_64(t *testing.T) {
	code := []byte{0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00, 0x0f, 0x05, 0x0f}
	elfMem, stack := signalSetup(code, 0x200)
	putWords(stack, 0x28, 8, seq(18, 0x100)...)

	r, err := New(ArchX86_64)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.True(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
	require.Equal(t, uint64(0x100), r.Get(regnum.AMD64_R8))
	require.Equal(t, uint64(0x107), r.Get(regnum.AMD64_R15))
	require.Equal(t, uint64(0x108), r.Get(regnum.AMD64_Rdi))
	require.Equal(t, uint64(0x10d), r.Get(regnum.AMD64_Rax))
	require.Equal(t, uint64(0x10f), r.SP())
	require.Equal(t, uint64(0x110), r.PC())

	// mov rax, 14 is not rt_sigreturn
	code[3] = 0x0e
	elfMem, _ = signalSetup(code, 0)
	r, err = New(ArchX86_64)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.False(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
}

func TestStepIfSignalHandlerX86(t *testing.T) {
	// pop eax; mov eax, 0x77; int 0x80
	elfMem, stack := signalSetup([]byte{0x58, 0xb8, 0x77, 0x00, 0x00, 0x00, 0xcd, 0x80}, 0x200)
	putWords(stack, 4, 4, seq(19, 0x200)...)

	r, err := New(ArchX86)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.True(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
	require.Equal(t, uint64(0x20e), r.PC())
	require.Equal(t, uint64(0x207), r.SP())
	require.Equal(t, uint64(0x20b), r.Get(regnum.I386_Eax))
	require.Equal(t, uint64(0x206), r.Get(regnum.I386_Ebp))

	// mov eax, 0xad; int 0x80 with a pointer to the ucontext_t
	elfMem, stack = signalSetup([]byte{0xb8, 0xad, 0x00, 0x00, 0x00, 0xcd, 0x80, 0x90}, 0x200)
	putWords(stack, 8, 4, stackBase+0x40)
	putWords(stack, 0x40+0x14, 4, seq(19, 0x300)...)

	r, err = New(ArchX86)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.True(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
	require.Equal(t, uint64(0x30e), r.PC())
	require.Equal(t, uint64(0x307), r.SP())
}

func TestStepIfSignalHandlerARM(t *testing.T) {
	for _, tc := range []struct {
		name  string
		word  uint32
		setup func(stack []byte) int // returns the offset of r0
	}{
		{"sigreturn arm", 0xe3a07077, func(stack []byte) int { return 0xc }},
		{"sigreturn ucontext", 0xef900077, func(stack []byte) int {
			putWords(stack, 0, 4, armUcMagic)
			return 0x20
		}},
		{"rt_sigreturn thumb", 0xdf0027ad, func(stack []byte) int { return 0x80 + 0x20 }},
		{"rt_sigreturn pointer", 0xe3a070ad, func(stack []byte) int {
			putWords(stack, 0, 4, stackBase+8)
			return 8 + 0x80 + 0x20
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var code [4]byte
			binary.LittleEndian.PutUint32(code[:], tc.word)
			elfMem, stack := signalSetup(code[:], 0x200)
			putWords(stack, tc.setup(stack), 4, seq(16, 0x500)...)

			r, err := New(ArchARM)
			require.NoError(t, err)
			r.SetSP(stackBase)
			require.True(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
			require.Equal(t, seq(16, 0x500), r.Raw())
		})
	}

	elfMem, stack := signalSetup([]byte{0x00, 0x00, 0xa0, 0xe1}, 0x200)
	r, err := New(ArchARM)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.False(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
}

func TestStepIfSignalHandlerMIPS(t *testing.T) {
	elfMem, stack := signalSetup(mipsRTSigreturnCode, 0x400)
	putWords(stack, 24+128+24+8, 8, seq(33, 0x600)...)

	r, err := New(ArchMIPS)
	require.NoError(t, err)
	r.SetSP(stackBase)
	require.True(t, r.StepIfSignalHandler(trampOffset, elfMem, memory.NewStack(stackBase, stack)))
	require.Equal(t, uint64(0x600), r.PC())
	require.Equal(t, uint64(0x601), r.Get(regnum.MIPS_R0))
	require.Equal(t, uint64(0x600+32), r.Get(regnum.MIPS_RA))
}

func TestFromUcontext(t *testing.T) {
	data := make([]byte, 0x200)
	putWords(data, 0x28, 8, seq(18, 0x100)...)
	r, err := FromUcontext(ArchX86_64, data)
	require.NoError(t, err)
	require.Equal(t, uint64(0x110), r.PC())
	require.Equal(t, uint64(0x10f), r.SP())

	data = make([]byte, 0x200)
	putWords(data, 0xb8, 8, seq(33, 1)...)
	r, err = FromUcontext(ArchARM64, data)
	require.NoError(t, err)
	require.Equal(t, seq(33, 1), r.Raw())

	_, err = FromUcontext(ArchARM64, data[:0x40])
	require.Error(t, err)
}

func TestFromUserRegs(t *testing.T) {
	data := make([]byte, x86_64UserRegsSize)
	putWords(data, 0, 8, seq(27, 0)...)
	r, err := FromUserRegs(data)
	require.NoError(t, err)
	require.Equal(t, ArchX86_64, r.Arch())
	require.Equal(t, uint64(0), r.Get(regnum.AMD64_R15))
	require.Equal(t, uint64(9), r.Get(regnum.AMD64_R8))
	require.Equal(t, uint64(10), r.Get(regnum.AMD64_Rax))
	require.Equal(t, uint64(14), r.Get(regnum.AMD64_Rdi))
	require.Equal(t, uint64(16), r.PC())
	require.Equal(t, uint64(19), r.SP())

	data = make([]byte, armUserRegsSize)
	putWords(data, 0, 4, seq(18, 0x10)...)
	r, err = FromUserRegs(data)
	require.NoError(t, err)
	require.Equal(t, ArchARM, r.Arch())
	require.Equal(t, uint64(0x1f), r.PC())

	_, err = FromUserRegs(make([]byte, 10))
	require.ErrorIs(t, err, ErrBadArch)
}
