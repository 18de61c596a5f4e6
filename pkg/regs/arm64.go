package regs

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

func init() {
	register(&archDesc{
		arch:      ArchARM64,
		names:     regnum.ARM64Names,
		pc:        regnum.ARM64_PC,
		sp:        regnum.ARM64_SP,
		ra:        regnum.ARM64_LR,
		pcAdjust:  fixedPCAdjustment(4),
		sigreturn: arm64Sigreturn,
		ucontext:  arm64Ucontext,
	})
}

const (
	arm64SiginfoSize    = 0x80
	arm64McontextOffset = 0xb0 // in ucontext_t
	arm64RegsOffset     = 0x8  // x0 in sigcontext, after fault_address
	arm64NRRTSigreturn  = 139
)

// arm64IsSigreturn reports whether code is
//
//	mov x8, #139
//	svc #0
func arm64IsSigreturn(code []byte) bool {
	mov, err := arm64asm.Decode(code[:4])
	if err != nil || (mov.Op != arm64asm.MOV && mov.Op != arm64asm.MOVZ) || mov.Args[0] != arm64asm.X8 {
		return false
	}
	if binary.LittleEndian.Uint32(code)>>5&0xffff != arm64NRRTSigreturn {
		return false
	}
	svc, err := arm64asm.Decode(code[4:8])
	if err != nil || svc.Op != arm64asm.SVC {
		return false
	}
	return binary.LittleEndian.Uint32(code[4:])>>5&0xffff == 0
}

func arm64Sigreturn(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool {
	code, ok := readCode(elfMem, elfOffset, 8)
	if !ok || !arm64IsSigreturn(code) {
		return false
	}
	off := r.SP() + arm64SiginfoSize + arm64McontextOffset + arm64RegsOffset
	values, ok := readWords(procMem, off, regnum.ARM64Regs, 8)
	if !ok {
		return false
	}
	copy(r.r, values)
	logSignalFrame(r, off)
	return true
}

func arm64Ucontext(r *regSet, data []byte) error {
	values, err := wordsAt(data, arm64McontextOffset+arm64RegsOffset, regnum.ARM64Regs, 8)
	if err != nil {
		return err
	}
	copy(r.r, values)
	return nil
}

// fixedPCAdjustment returns the adjustment of architectures with call
// instructions of a single size.
func fixedPCAdjustment(size uint64) func(relPC, loadBias uint64, elfMem memory.Memory) uint64 {
	return func(relPC, _ uint64, _ memory.Memory) uint64 {
		if relPC < size {
			return 0
		}
		return size
	}
}
