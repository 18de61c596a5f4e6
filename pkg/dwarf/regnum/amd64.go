package regnum

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI AMD64 Architecture Processor Supplement v. 1.0 page 61,
// figure 3.36
// https://gitlab.com/x86-psABIs/x86-64-ABI/-/tree/master

const (
	AMD64_Rax = 0
	AMD64_Rdx = 1
	AMD64_Rcx = 2
	AMD64_Rbx = 3
	AMD64_Rsi = 4
	AMD64_Rdi = 5
	AMD64_Rbp = 6
	AMD64_Rsp = 7
	AMD64_R8  = 8 // R9 through R15 follow
	AMD64_R15 = 15
	AMD64_Rip = 16

	// AMD64Regs is the number of registers in an x86_64 register set.
	AMD64Regs = 17
)

var AMD64Names = []string{
	"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip",
}

func AMD64ToName(num uint64) string {
	return nameOf(AMD64Names, num)
}
