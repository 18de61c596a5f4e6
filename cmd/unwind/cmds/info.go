package cmds

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cinit/libunwindstack/pkg/image"
	"github.com/cinit/libunwindstack/pkg/memory"
)

func infoCmd(cmd *cobra.Command, args []string) error {
	f, err := memory.OpenFile(args[0], 0, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	img, err := image.Parse(f)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "class\t%v\n", img.Class)
	fmt.Fprintf(w, "machine\t%v (%v)\n", img.Machine, img.Arch())
	fmt.Fprintf(w, "type\t%v\n", img.Type)
	fmt.Fprintf(w, "entry\t%#x\n", img.Entry)
	fmt.Fprintf(w, "load bias\t%#x\n", img.LoadBias)
	if img.SOName != "" {
		fmt.Fprintf(w, "soname\t%s\n", img.SOName)
	}
	if len(img.BuildID) > 0 {
		fmt.Fprintf(w, "build id\t%s\n", img.BuildIDString())
	}
	if img.DebugLink != "" {
		fmt.Fprintf(w, "debug link\t%s\n", img.DebugLink)
	}
	fmt.Fprintf(w, "unwind info\t%v\n", img.HasUnwindInfo())
	if err := w.Flush(); err != nil {
		return err
	}

	if len(img.Sections) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "section\ttype\taddr\toffset\tsize")
		for _, s := range img.Sections {
			if s.Name == "" {
				continue
			}
			fmt.Fprintf(w, "%s\t%v\t%#x\t%#x\t%#x\n", s.Name, s.Type, s.Addr, s.Offset, s.Size)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(args) > 1 {
		fmt.Fprintln(out)
	}
	for _, arg := range args[1:] {
		addr, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q", arg)
		}
		name, off, ok := img.FunctionName(addr)
		if !ok {
			fmt.Fprintf(out, "%#x\t<unknown>\n", addr)
			continue
		}
		fmt.Fprintf(out, "%#x\t%s+%d\n", addr, name, off)
	}

	if infoGlobals != "" {
		fmt.Fprintln(out)
		for _, syms := range img.Symbols() {
			for _, name := range syms.GlobalNames(infoGlobals) {
				addr, _ := img.GlobalVariable(name)
				fmt.Fprintf(out, "%#x\t%s\n", addr, name)
			}
		}
	}
	return nil
}
