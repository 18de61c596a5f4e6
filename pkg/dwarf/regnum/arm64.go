package regnum

// The mapping between hardware registers and DWARF registers is specified
// in the DWARF for the ARM 64-bit Architecture (AArch64)
// https://github.com/ARM-software/abi-aa/blob/main/aadwarf64/aadwarf64.rst

const (
	ARM64_X0 = 0  // X1 through X30 follow
	ARM64_X8 = 8  // syscall number
	ARM64_BP = 29 // also X29
	ARM64_LR = 30 // also X30
	ARM64_SP = 31
	ARM64_PC = 32

	// ARM64Regs is the number of registers in an ARM64 register set.
	ARM64Regs = 33
)

var ARM64Names = []string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "lr", "sp",
	"pc",
}

func ARM64ToName(num uint64) string {
	return nameOf(ARM64Names, num)
}
