package regs

import (
	"bytes"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

func init() {
	register(&archDesc{
		arch:      ArchRISCV64,
		names:     regnum.RISCV64Names,
		pc:        regnum.RISCV64_PC,
		sp:        regnum.RISCV64_SP,
		ra:        regnum.RISCV64_LR,
		pcAdjust:  fixedPCAdjustment(4),
		sigreturn: riscv64Sigreturn,
		ucontext:  riscv64Ucontext,
	})
}

const (
	riscv64SiginfoSize    = 0x80
	riscv64McontextOffset = 0xb0 // in ucontext_t, gregs[0] is the pc
)

// li a7, 139; ecall
var riscv64SigreturnCode = []byte{0x93, 0x08, 0xb0, 0x08, 0x73, 0x00, 0x00, 0x00}

func riscv64Sigreturn(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool {
	code, ok := readCode(elfMem, elfOffset, len(riscv64SigreturnCode))
	if !ok || !bytes.Equal(code, riscv64SigreturnCode) {
		return false
	}
	off := r.SP() + riscv64SiginfoSize + riscv64McontextOffset
	values, ok := readWords(procMem, off, regnum.RISCV64Regs, 8)
	if !ok {
		return false
	}
	copy(r.r, values)
	logSignalFrame(r, off)
	return true
}

func riscv64Ucontext(r *regSet, data []byte) error {
	values, err := wordsAt(data, riscv64McontextOffset, regnum.RISCV64Regs, 8)
	if err != nil {
		return err
	}
	copy(r.r, values)
	return nil
}
