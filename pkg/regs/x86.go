package regs

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

func init() {
	register(&archDesc{
		arch:      ArchX86,
		names:     regnum.I386Names,
		pc:        regnum.I386_Eip,
		sp:        regnum.I386_Esp,
		ra:        regnum.I386_Eip,
		pushesRA:  true,
		pcAdjust:  fixedPCAdjustment(1),
		sigreturn: x86Sigreturn,
		ucontext:  x86Ucontext,
	})
	register(&archDesc{
		arch:      ArchX86_64,
		names:     regnum.AMD64Names,
		pc:        regnum.AMD64_Rip,
		sp:        regnum.AMD64_Rsp,
		ra:        regnum.AMD64_Rip,
		pushesRA:  true,
		pcAdjust:  fixedPCAdjustment(1),
		sigreturn: x86_64Sigreturn,
		ucontext:  x86_64Ucontext,
	})
}

const (
	x86NRSigreturn       = 0x77
	x86NRRTSigreturn     = 0xad
	x86McontextOffset    = 0x14 // in ucontext_t
	x86_64NRRTSigreturn  = 15
	x86_64McontextOffset = 0x28 // in ucontext_t
)

// decodeAll decodes the instructions of code, stopping at the first
// failure.
func decodeAll(code []byte, mode int) []x86asm.Inst {
	var insts []x86asm.Inst
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			break
		}
		insts = append(insts, inst)
		code = code[inst.Len:]
	}
	return insts
}

func isImm(arg x86asm.Arg, v int64) bool {
	imm, ok := arg.(x86asm.Imm)
	return ok && int64(imm) == v
}

// x86Syscall returns the system call number loaded into eax by the
// trampoline at the start of insts, and whether the trampoline pops the
// signal number first.
func x86Syscall(insts []x86asm.Inst) (nr int64, pops bool) {
	if len(insts) > 0 && insts[0].Op == x86asm.POP && insts[0].Args[0] == x86asm.EAX {
		pops = true
		insts = insts[1:]
	}
	if len(insts) < 2 {
		return 0, false
	}
	mov, trap := insts[0], insts[1]
	if mov.Op != x86asm.MOV || mov.Args[0] != x86asm.EAX {
		return 0, false
	}
	if trap.Op != x86asm.INT || !isImm(trap.Args[0], 0x80) {
		return 0, false
	}
	imm, ok := mov.Args[1].(x86asm.Imm)
	if !ok {
		return 0, false
	}
	return int64(imm), pops
}

// x86Mcontext loads the registers of a 32-bit mcontext_t.
func x86Mcontext(r *regSet, m []uint64) {
	// gs fs es ds edi esi ebp esp ebx edx ecx eax trapno err eip cs efl uesp ss
	r.r[regnum.I386_Gs] = m[0]
	r.r[regnum.I386_Fs] = m[1]
	r.r[regnum.I386_Es] = m[2]
	r.r[regnum.I386_Ds] = m[3]
	r.r[regnum.I386_Edi] = m[4]
	r.r[regnum.I386_Esi] = m[5]
	r.r[regnum.I386_Ebp] = m[6]
	r.r[regnum.I386_Esp] = m[7]
	r.r[regnum.I386_Ebx] = m[8]
	r.r[regnum.I386_Edx] = m[9]
	r.r[regnum.I386_Ecx] = m[10]
	r.r[regnum.I386_Eax] = m[11]
	r.r[regnum.I386_Eip] = m[14]
	r.r[regnum.I386_Cs] = m[15]
	r.r[regnum.I386_Eflags] = m[16]
	r.r[regnum.I386_Ss] = m[18]
}

const x86McontextWords = 19

func x86Sigreturn(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool {
	code, ok := readCode(elfMem, elfOffset, 8)
	if !ok {
		return false
	}
	nr, pops := x86Syscall(decodeAll(code, 32))
	var off uint64
	switch {
	case nr == x86NRSigreturn && pops:
		// the stack holds the signal number followed by a sigcontext
		off = r.SP() + 4
	case nr == x86NRRTSigreturn && !pops:
		// the stack holds the signal number, a siginfo_t pointer and a
		// ucontext_t pointer
		ptr, err := memory.ReadUint(procMem, r.SP()+8, 4, binary.LittleEndian)
		if err != nil {
			return false
		}
		off = ptr + x86McontextOffset
	default:
		return false
	}
	m, ok := readWords(procMem, off, x86McontextWords, 4)
	if !ok {
		return false
	}
	x86Mcontext(r, m)
	logSignalFrame(r, off)
	return true
}

func x86Ucontext(r *regSet, data []byte) error {
	m, err := wordsAt(data, x86McontextOffset, x86McontextWords, 4)
	if err != nil {
		return err
	}
	x86Mcontext(r, m)
	return nil
}

const x86_64McontextWords = 18

// x86_64Mcontext loads the registers of a 64-bit mcontext_t.
func x86_64Mcontext(r *regSet, m []uint64) {
	// r8 to r15 come first
	for i := 0; i < 8; i++ {
		r.r[regnum.AMD64_R8+i] = m[i]
	}
	r.r[regnum.AMD64_Rdi] = m[8]
	r.r[regnum.AMD64_Rsi] = m[9]
	r.r[regnum.AMD64_Rbp] = m[10]
	r.r[regnum.AMD64_Rbx] = m[11]
	r.r[regnum.AMD64_Rdx] = m[12]
	r.r[regnum.AMD64_Rax] = m[13]
	r.r[regnum.AMD64_Rcx] = m[14]
	r.r[regnum.AMD64_Rsp] = m[15]
	r.r[regnum.AMD64_Rip] = m[16]
}

// x86_64IsSigreturn reports whether insts start with
//
//	mov rax, 15
//	syscall
func x86_64IsSigreturn(insts []x86asm.Inst) bool {
	if len(insts) < 2 {
		return false
	}
	mov, sys := insts[0], insts[1]
	return mov.Op == x86asm.MOV && mov.Args[0] == x86asm.RAX && isImm(mov.Args[1], x86_64NRRTSigreturn) &&
		sys.Op == x86asm.SYSCALL
}

func x86_64Sigreturn(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool {
	code, ok := readCode(elfMem, elfOffset, 9)
	if !ok || !x86_64IsSigreturn(decodeAll(code, 64)) {
		return false
	}
	// the stack pointer points at the ucontext_t
	off := r.SP() + x86_64McontextOffset
	m, ok := readWords(procMem, off, x86_64McontextWords, 8)
	if !ok {
		return false
	}
	x86_64Mcontext(r, m)
	logSignalFrame(r, off)
	return true
}

func x86_64Ucontext(r *regSet, data []byte) error {
	m, err := wordsAt(data, x86_64McontextOffset, x86_64McontextWords, 8)
	if err != nil {
		return err
	}
	x86_64Mcontext(r, m)
	return nil
}
