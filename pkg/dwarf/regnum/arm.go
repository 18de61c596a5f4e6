package regnum

// The mapping between hardware registers and DWARF registers is specified
// in the DWARF for the ARM Architecture, Table 1
// http://infocenter.arm.com/help/topic/com.arm.doc.ihi0040b/IHI0040B_aadwarf.pdf

const (
	ARM_R0  = 0 // R1 through R12 follow
	ARM_R4  = 4
	ARM_R7  = 7
	ARM_R11 = 11 // frame pointer in ARM mode
	ARM_R12 = 12
	ARM_SP  = 13
	ARM_LR  = 14
	ARM_PC  = 15

	// ARMRegs is the number of registers in an ARM register set.
	ARMRegs = 16
)

// ARMNames holds the printable names of the ARM registers, in register
// set order.
var ARMNames = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "ip", "sp", "lr", "pc",
}

func ARMToName(num uint64) string {
	return nameOf(ARMNames, num)
}
