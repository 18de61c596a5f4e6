package regs

import (
	"encoding/binary"

	"golang.org/x/arch/arm/armasm"

	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

func init() {
	register(&archDesc{
		arch:      ArchARM,
		names:     regnum.ARMNames,
		pc:        regnum.ARM_PC,
		sp:        regnum.ARM_SP,
		ra:        regnum.ARM_LR,
		pcAdjust:  armPCAdjustment,
		sigreturn: armSigreturn,
		ucontext:  armUcontext,
	})
}

// Offsets into the kernel signal frame.
const (
	armSiginfoSize      = 0x80
	armMcontextOffset   = 0x14 // in ucontext_t
	armRegsOffset       = 0xc  // r0 in sigcontext
	armUcMagic          = 0x5ac3c35a
	armNRSigreturn      = 119
	armNRRTSigreturn    = 173
	armThumbSigreturn   = 0xdf002777 // movs r7, #119; svc 0
	armThumbRTSigreturn = 0xdf0027ad // movs r7, #173; svc 0
)

func armPCAdjustment(relPC, loadBias uint64, elfMem memory.Memory) uint64 {
	if elfMem == nil {
		return 2
	}
	if relPC < loadBias {
		if relPC < 2 {
			return 0
		}
		return 2
	}
	adjusted := relPC - loadBias
	if adjusted < 5 {
		if adjusted < 2 {
			return 0
		}
		return 2
	}
	if adjusted&1 != 0 {
		// Thumb, the call is either a 2 or 4 byte instruction.
		v, err := memory.ReadUint(elfMem, adjusted-5, 4, binary.LittleEndian)
		if err != nil || v&0xe000f000 != 0xe000f000 {
			return 2
		}
	}
	return 4
}

// armSyscall decodes the sigreturn system call number invoked by the
// trampoline word w, or returns 0.
func armSyscall(w uint32) int {
	switch w {
	case armThumbSigreturn:
		return armNRSigreturn
	case armThumbRTSigreturn:
		return armNRRTSigreturn
	}
	var code [4]byte
	binary.LittleEndian.PutUint32(code[:], w)
	inst, err := armasm.Decode(code[:], armasm.ModeARM)
	if err != nil {
		return 0
	}
	switch inst.Op {
	case armasm.MOV:
		// mov r7, #nr; svc 0
		if inst.Args[0] != armasm.R7 {
			return 0
		}
		if imm, ok := inst.Args[1].(armasm.Imm); ok {
			return int(imm)
		}
	case armasm.SVC:
		// svc 0x900000+nr, the OABI form
		if imm, ok := inst.Args[0].(armasm.Imm); ok && uint32(imm)&^0xfff == 0x900000 {
			return int(uint32(imm) & 0xfff)
		}
	}
	return 0
}

func armSigreturn(r *regSet, elfOffset uint64, elfMem, procMem memory.Memory) bool {
	w, err := memory.ReadUint(elfMem, elfOffset, 4, binary.LittleEndian)
	if err != nil {
		return false
	}
	sp := r.SP()
	var off uint64
	switch armSyscall(uint32(w)) {
	case armNRSigreturn:
		magic, err := memory.ReadUint(procMem, sp, 4, binary.LittleEndian)
		if err != nil {
			return false
		}
		if magic == armUcMagic {
			// the frame is a ucontext_t
			off = sp + armMcontextOffset + armRegsOffset
		} else {
			off = sp + armRegsOffset
		}
	case armNRRTSigreturn:
		ptr, err := memory.ReadUint(procMem, sp, 4, binary.LittleEndian)
		if err != nil {
			return false
		}
		if ptr == sp+8 {
			sp += 8
		}
		off = sp + armSiginfoSize + armMcontextOffset + armRegsOffset
	default:
		return false
	}
	values, ok := readWords(procMem, off, regnum.ARMRegs, 4)
	if !ok {
		return false
	}
	copy(r.r, values)
	logSignalFrame(r, off)
	return true
}

func armUcontext(r *regSet, data []byte) error {
	values, err := wordsAt(data, armMcontextOffset+armRegsOffset, regnum.ARMRegs, 4)
	if err != nil {
		return err
	}
	copy(r.r, values)
	return nil
}
