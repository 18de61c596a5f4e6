package regs

import "fmt"

// Arch identifies the machine a register set belongs to.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchARM
	ArchARM64
	ArchX86
	ArchX86_64
	ArchRISCV64
	ArchMIPS
	ArchMIPS64
)

var archNames = [...]string{
	ArchUnknown: "unknown",
	ArchARM:     "arm",
	ArchARM64:   "arm64",
	ArchX86:     "x86",
	ArchX86_64:  "x86_64",
	ArchRISCV64: "riscv64",
	ArchMIPS:    "mips",
	ArchMIPS64:  "mips64",
}

func (a Arch) String() string {
	if int(a) < len(archNames) {
		return archNames[a]
	}
	return fmt.Sprintf("Arch(%d)", uint8(a))
}

// ParseArch returns the architecture called name, as printed by String.
func ParseArch(name string) (Arch, error) {
	for i, n := range archNames {
		if i != int(ArchUnknown) && n == name {
			return Arch(i), nil
		}
	}
	return ArchUnknown, fmt.Errorf("%w: %q", ErrBadArch, name)
}

// PtrSize returns the size of a pointer on this architecture.
func (a Arch) PtrSize() int {
	switch a {
	case ArchARM, ArchX86, ArchMIPS:
		return 4
	case ArchUnknown:
		return 0
	}
	return 8
}

// Is64Bit reports whether registers of a are 64 bits wide.
func (a Arch) Is64Bit() bool {
	return a.PtrSize() == 8
}
