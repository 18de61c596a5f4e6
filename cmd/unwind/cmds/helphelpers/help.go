package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The unwinder flags live on the root command so that they can be given
// before the subcommand name, they mean nothing to the subcommands that
// do not unwind.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "unwind", "help", "log", "version":
		hideAllFlags(cmd)
	case "offline", "remote":
		// All flags apply
	case "info", "config":
		hideFlag(cmd, "max-frames")
		hideFlag(cmd, "skip-maps")
		hideFlag(cmd, "ignore-suffixes")
		hideFlag(cmd, "elf-cache")
		hideFlag(cmd, "build-id")
		hideFlag(cmd, "memory-cache-pages")
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
