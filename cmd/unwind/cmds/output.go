package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	ansiBlue   = "\x1b[34m"
	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

// output writes to stdout, with colors when it is a terminal.
type output struct {
	w     io.Writer
	color bool
}

func newOutput(f *os.File) *output {
	if isatty.IsTerminal(f.Fd()) && strings.ToLower(os.Getenv("TERM")) != "dumb" {
		return &output{w: colorable.NewColorable(f), color: true}
	}
	return &output{w: colorable.NewNonColorable(f)}
}

func (o *output) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

// frame prints a formatted frame, the frame number and the function are
// highlighted.
func (o *output) frame(s string) {
	if o.color {
		if i := strings.Index(s, " pc "); i > 0 {
			s = ansiBlue + s[:i] + ansiReset + s[i:]
		}
		if i := strings.LastIndex(s, " ("); i > 0 && strings.HasSuffix(s, ")") && !strings.Contains(s[i:], "BuildId") {
			s = s[:i+2] + ansiYellow + s[i+2:len(s)-1] + ansiReset + ")"
		}
	}
	fmt.Fprintln(o, s)
}

func (o *output) warn(s string) {
	fmt.Fprintln(o, s)
}
