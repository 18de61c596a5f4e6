// Package regnum maps DWARF register numbers to machine registers for
// every architecture the unwinder supports. For all of them the DWARF
// number of a general purpose register is also its index in the register
// set, so the constants here double as register slots.
package regnum

import "fmt"

func nameOf(names []string, num uint64) string {
	if num < uint64(len(names)) {
		return names[num]
	}
	return fmt.Sprintf("unknown%d", num)
}
