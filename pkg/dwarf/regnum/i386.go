package regnum

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI Intel386 Architecture Processor Supplement page 25,
// table 2.14
// https://www.uclibc.org/docs/psABI-i386.pdf
//
// Slots after I386_Eflags are segment registers kept in the register set
// only; their DWARF numbers (40 and up) are not mapped.

const (
	I386_Eax    = 0
	I386_Ecx    = 1
	I386_Edx    = 2
	I386_Ebx    = 3
	I386_Esp    = 4
	I386_Ebp    = 5
	I386_Esi    = 6
	I386_Edi    = 7
	I386_Eip    = 8
	I386_Eflags = 9
	I386_Cs     = 10
	I386_Ss     = 11
	I386_Ds     = 12
	I386_Es     = 13
	I386_Fs     = 14
	I386_Gs     = 15

	// I386Regs is the number of registers in an x86 register set.
	I386Regs = 16
)

var I386Names = []string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"eip", "efl", "cs", "ss", "ds", "es", "fs", "gs",
}

func I386ToName(num uint64) string {
	return nameOf(I386Names, num)
}
