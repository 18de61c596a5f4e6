package unwind

import (
	"fmt"
	"strings"

	"github.com/cinit/libunwindstack/pkg/regs"
)

// FormatFrame renders f the way tombstones print backtraces:
//
//	#00 pc 0000000000001234  /system/lib64/libc.so (abort+8)
func FormatFrame(arch regs.Arch, f FrameData) string {
	return formatFrame(arch, f, false)
}

// FormatFrame renders frame i of the last unwind.
func (u *Unwinder) FormatFrame(i int) string {
	if i < 0 || i >= len(u.frames) || u.Regs == nil {
		return ""
	}
	return formatFrame(u.Regs.Arch(), u.frames[i], u.DisplayBuildID)
}

func formatFrame(arch regs.Arch, f FrameData, buildID bool) string {
	var b strings.Builder
	if arch.Is64Bit() {
		fmt.Fprintf(&b, "  #%02d pc %016x", f.Num, f.RelPC)
	} else {
		fmt.Fprintf(&b, "  #%02d pc %08x", f.Num, f.RelPC)
	}
	m := f.MapEntry
	if m == nil {
		b.WriteString("  <unknown>")
		return b.String()
	}
	if name := m.FullName(); name != "" {
		b.WriteString("  ")
		b.WriteString(name)
	} else {
		fmt.Fprintf(&b, "  <anonymous:%x>", m.Start)
	}
	if off := m.ElfStartOffset(); off != 0 {
		fmt.Fprintf(&b, " (offset 0x%x)", off)
	}
	if f.FunctionName != "" {
		b.WriteString(" (")
		b.WriteString(f.FunctionName)
		if f.FunctionOffset != 0 {
			fmt.Fprintf(&b, "+%d", f.FunctionOffset)
		}
		b.WriteByte(')')
	}
	if buildID {
		if img := m.ResolvedImage(); img != nil {
			if id := img.BuildIDString(); id != "" {
				fmt.Fprintf(&b, " (BuildId: %s)", id)
			}
		}
	}
	return b.String()
}
