// Package leb128 reads and writes the variable length integers of DWARF
// (DWARF 4, section 7.6), ULEB128 and SLEB128.
package leb128
