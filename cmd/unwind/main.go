package main

import (
	"os"

	"github.com/cinit/libunwindstack/cmd/unwind/cmds"
	"github.com/cinit/libunwindstack/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.UnwindVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
