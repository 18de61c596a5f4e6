package regs

import (
	"bytes"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

func init() {
	register(&archDesc{
		arch:      ArchMIPS,
		names:     regnum.MIPSNames,
		pc:        regnum.MIPS_PC,
		sp:        regnum.MIPS_SP,
		ra:        regnum.MIPS_RA,
		pcAdjust:  fixedPCAdjustment(8),
		sigreturn: mipsSigreturn,
		ucontext:  mipsUcontext,
	})
	register(&archDesc{
		arch:      ArchMIPS64,
		names:     regnum.MIPSNames,
		pc:        regnum.MIPS_PC,
		sp:        regnum.MIPS_SP,
		ra:        regnum.MIPS_RA,
		pcAdjust:  fixedPCAdjustment(8),
		sigreturn: mips64Sigreturn,
		ucontext:  mips64Ucontext,
	})
}

// Both variants keep 64-bit registers in the signal frame.
const (
	mipsSigframeHeader   = 24 // rs_ass and rs_pad
	mipsSiginfoSize      = 128
	mipsMcontextOffset   = 24  // in ucontext_t
	mipsPCOffset         = 8   // sc_pc in o32 sigcontext, followed by sc_regs
	mips64McontextOffset = 40  // in ucontext_t
	mips64PCOffset       = 576 // sc_pc in n64 sigcontext, after sc_regs and the FPU state
)

var (
	// li v0, __NR_rt_sigreturn; syscall
	mipsRTSigreturnCode = []byte{0x61, 0x10, 0x02, 0x24, 0x0c, 0x00, 0x00, 0x00}
	// li v0, __NR_sigreturn; syscall
	mipsSigreturnCode = []byte{0x17, 0x10, 0x02, 0x24, 0x0c, 0x00, 0x00, 0x00}
	// li v0, __NR_rt_sigreturn (n64); syscall
	mips64RTSigreturnCode = []byte{0x5b, 0x14, 0x02, 0x24, 0x0c, 0x00, 0x00, 0x00}
)

// mipsContext loads an o32 sigcontext, sc_pc followed by sc_regs[32].
func mipsContext(r *regSet, values []uint64) {
	r.SetPC(values[0])
	for i := 0; i < 32; i++ {
		r.Set(uint64(regnum.MIPS_R0+i), values[1+i])
	}
}

func mipsSigreturn(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool {
	code, ok := readCode(elfMem, elfOffset, 8)
	if !ok {
		return false
	}
	var off uint64
	switch {
	case bytes.Equal(code, mipsRTSigreturnCode):
		off = r.SP() + mipsSigframeHeader + mipsSiginfoSize + mipsMcontextOffset + mipsPCOffset
	case bytes.Equal(code, mipsSigreturnCode):
		// a bare sigcontext follows the header
		off = r.SP() + mipsSigframeHeader + mipsPCOffset
	default:
		return false
	}
	values, ok := readWords(procMem, off, 33, 8)
	if !ok {
		return false
	}
	mipsContext(r, values)
	logSignalFrame(r, off)
	return true
}

func mipsUcontext(r *regSet, data []byte) error {
	values, err := wordsAt(data, mipsMcontextOffset+mipsPCOffset, 33, 8)
	if err != nil {
		return err
	}
	mipsContext(r, values)
	return nil
}

func mips64Context(r *regSet, gregs []uint64, pc uint64) {
	copy(r.r, gregs)
	r.SetPC(pc)
}

func mips64Sigreturn(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool {
	code, ok := readCode(elfMem, elfOffset, 8)
	if !ok || !bytes.Equal(code, mips64RTSigreturnCode) {
		return false
	}
	off := r.SP() + mipsSigframeHeader + mipsSiginfoSize + mips64McontextOffset
	gregs, ok := readWords(procMem, off, 32, 8)
	if !ok {
		return false
	}
	pc, ok := readWords(procMem, off+mips64PCOffset, 1, 8)
	if !ok {
		return false
	}
	mips64Context(r, gregs, pc[0])
	logSignalFrame(r, off)
	return true
}

func mips64Ucontext(r *regSet, data []byte) error {
	gregs, err := wordsAt(data, mips64McontextOffset, 32, 8)
	if err != nil {
		return err
	}
	pc, err := wordsAt(data, mips64McontextOffset+mips64PCOffset, 1, 8)
	if err != nil {
		return err
	}
	mips64Context(r, gregs, pc[0])
	return nil
}
