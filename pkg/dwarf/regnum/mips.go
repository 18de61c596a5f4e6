package regnum

// MIPS and MIPS64 share the DWARF numbering of the general purpose
// registers, $0 to $31. The program counter has no DWARF number of its
// own and lives in the slot after $ra.

const (
	MIPS_R0 = 0
	MIPS_V0 = 2 // syscall number
	MIPS_A0 = 4
	MIPS_SP = 29
	MIPS_FP = 30
	MIPS_RA = 31
	MIPS_PC = 32

	// MIPSRegs is the number of registers in a MIPS or MIPS64 register set.
	MIPSRegs = 33
)

var MIPSNames = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"r16", "r17", "r18", "r19", "r20", "r21", "r22", "r23",
	"r24", "r25", "r26", "r27", "r28", "sp", "r30", "ra",
	"pc",
}

func MIPSToName(num uint64) string {
	return nameOf(MIPSNames, num)
}
