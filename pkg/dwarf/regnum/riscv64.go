package regnum

// The mapping between hardware registers and DWARF registers, See
// https://github.com/riscv-non-isa/riscv-elf-psabi-doc/blob/master/riscv-dwarf.adoc
//
// x0 is hardwired to zero and never needs restoring, its slot holds the
// program counter instead.

const (
	RISCV64_PC = 0
	// Link Register
	RISCV64_LR = 1
	// Stack Pointer
	RISCV64_SP = 2
	RISCV64_GP = 3
	RISCV64_TP = 4
	RISCV64_T0 = 5
	RISCV64_S0 = 8
	// Frame Pointer
	RISCV64_FP = RISCV64_S0
	RISCV64_A0 = 10 // A1 through A7 follow
	RISCV64_A7 = 17
	RISCV64_T6 = 31

	// RISCV64Regs is the number of registers in a RISCV64 register set.
	RISCV64Regs = 32
)

var RISCV64Names = []string{
	"pc", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func RISCV64ToName(num uint64) string {
	return nameOf(RISCV64Names, num)
}
