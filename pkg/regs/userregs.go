package regs

import (
	"fmt"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
)

// SystemCallError is returned when reading the registers of a thread fails.
type SystemCallError struct {
	Op  string
	Tid int
	Err error
}

func (err *SystemCallError) Error() string {
	return fmt.Sprintf("%s on thread %d: %v", err.Op, err.Tid, err.Err)
}

func (err *SystemCallError) Is(target error) bool {
	return target == ErrSystemCall
}

func (err *SystemCallError) Unwrap() error {
	return err.Err
}

// Sizes of the NT_PRSTATUS register set of each architecture.
const (
	armUserRegsSize     = 18 * 4
	x86UserRegsSize     = 17 * 4
	arm64UserRegsSize   = 34 * 8
	x86_64UserRegsSize  = 27 * 8
	riscv64UserRegsSize = 32 * 8
)

// ArchFromUserRegsSize infers the architecture of a thread from the size
// of its NT_PRSTATUS register set.
func ArchFromUserRegsSize(n int) Arch {
	switch n {
	case armUserRegsSize:
		return ArchARM
	case x86UserRegsSize:
		return ArchX86
	case arm64UserRegsSize:
		return ArchARM64
	case x86_64UserRegsSize:
		return ArchX86_64
	case riscv64UserRegsSize:
		return ArchRISCV64
	}
	return ArchUnknown
}

// FromUserRegs decodes a NT_PRSTATUS register set, the user_regs_struct
// of the kernel. The architecture is inferred from its size.
func FromUserRegs(data []byte) (Regs, error) {
	arch := ArchFromUserRegsSize(len(data))
	d, err := descFor(arch)
	if err != nil {
		return nil, fmt.Errorf("%w: %d byte register set", ErrBadArch, len(data))
	}
	r := newSet(d)
	u := decodeWords(data, arch.PtrSize())
	switch arch {
	case ArchARM, ArchARM64, ArchRISCV64:
		copy(r.r, u)
	case ArchX86:
		// ebx ecx edx esi edi ebp eax ds es fs gs orig_eax eip cs eflags esp ss
		r.r[regnum.I386_Ebx] = u[0]
		r.r[regnum.I386_Ecx] = u[1]
		r.r[regnum.I386_Edx] = u[2]
		r.r[regnum.I386_Esi] = u[3]
		r.r[regnum.I386_Edi] = u[4]
		r.r[regnum.I386_Ebp] = u[5]
		r.r[regnum.I386_Eax] = u[6]
		r.r[regnum.I386_Ds] = u[7]
		r.r[regnum.I386_Es] = u[8]
		r.r[regnum.I386_Fs] = u[9]
		r.r[regnum.I386_Gs] = u[10]
		r.r[regnum.I386_Eip] = u[12]
		r.r[regnum.I386_Cs] = u[13]
		r.r[regnum.I386_Eflags] = u[14]
		r.r[regnum.I386_Esp] = u[15]
		r.r[regnum.I386_Ss] = u[16]
	case ArchX86_64:
		// r15 r14 r13 r12 rbp rbx r11 r10 r9 r8 rax rcx rdx rsi rdi orig_rax rip ...
		for i := 0; i < 4; i++ {
			r.r[regnum.AMD64_R15-i] = u[i]
		}
		r.r[regnum.AMD64_Rbp] = u[4]
		r.r[regnum.AMD64_Rbx] = u[5]
		for i := 0; i < 4; i++ {
			r.r[regnum.AMD64_R8+3-i] = u[6+i]
		}
		r.r[regnum.AMD64_Rax] = u[10]
		r.r[regnum.AMD64_Rcx] = u[11]
		r.r[regnum.AMD64_Rdx] = u[12]
		r.r[regnum.AMD64_Rsi] = u[13]
		r.r[regnum.AMD64_Rdi] = u[14]
		r.r[regnum.AMD64_Rip] = u[16]
		r.r[regnum.AMD64_Rsp] = u[19]
	}
	return r, nil
}
