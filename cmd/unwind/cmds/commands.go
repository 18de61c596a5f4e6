package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cinit/libunwindstack/cmd/unwind/cmds/helphelpers"
	"github.com/cinit/libunwindstack/pkg/config"
	"github.com/cinit/libunwindstack/pkg/image"
	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/maps"
	"github.com/cinit/libunwindstack/pkg/memory"
	"github.com/cinit/libunwindstack/pkg/offline"
	"github.com/cinit/libunwindstack/pkg/regs"
	"github.com/cinit/libunwindstack/pkg/unwind"
	"github.com/cinit/libunwindstack/pkg/version"
	"github.com/spf13/cobra"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath replaces the default configuration file.
	configPath string

	// unwinder settings, they override the configuration file when given
	maxFrames        int
	skipMaps         []string
	ignoreSuffixes   []string
	elfCache         bool
	displayBuildID   bool
	memoryCachePages int

	// offlineArch is the architecture of the registers of a snapshot.
	offlineArch string
	// infoGlobals is the prefix of the data symbols listed by info.
	infoGlobals string
	// verbose adds build details to the version.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
	out  *output
)

const unwindCommandLongDesc = `unwind prints the call stack of a suspended thread.

The stack is rebuilt from the registers and the memory of the thread, using
the unwind tables (.eh_frame, .debug_frame and .ARM.exidx) and the symbol
tables of the ELF files it has mapped. Threads can be read live, by thread
id, or from a snapshot directory.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	out = newOutput(os.Stdout)

	// Main unwind root command.
	rootCommand = &cobra.Command{
		Use:               "unwind",
		Short:             "unwind prints the call stack of a thread.",
		Long:              unwindCommandLongDesc,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'unwind help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'unwind help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file to use instead of ~/.unwind/config.yml.")

	rootCommand.PersistentFlags().IntVar(&maxFrames, "max-frames", unwind.DefaultMaxFrames, "Maximum number of frames to unwind.")
	rootCommand.PersistentFlags().StringSliceVar(&skipMaps, "skip-maps", nil, "Drop the innermost frames in maps with these base names.")
	rootCommand.PersistentFlags().StringSliceVar(&ignoreSuffixes, "ignore-suffixes", nil, "Stop at the first frame in a map with one of these extensions.")
	rootCommand.PersistentFlags().BoolVar(&elfCache, "elf-cache", false, "Share parsed ELF files between unwinds.")
	rootCommand.PersistentFlags().BoolVar(&displayBuildID, "build-id", false, "Print the build id of every frame's ELF file.")
	rootCommand.PersistentFlags().IntVar(&memoryCachePages, "memory-cache-pages", 64, "Pages of remote memory to cache, 0 disables the cache.")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if !docCall {
			helphelpers.Prepare(cmd)
		}
		defaultHelp(cmd, args)
	})

	// 'offline' subcommand.
	offlineCommand := &cobra.Command{
		Use:   "offline <dir>",
		Short: "Unwind a thread saved to a snapshot directory.",
		Long: `Unwind a thread saved to a snapshot directory.

The directory holds the registers of the thread in regs.txt, one
"name: value" line per register with the value in hexadecimal, its maps in
maps.txt, in the /proc/<pid>/maps format, and one or more stack dumps named
stack*.data, each starting with the 64-bit little endian address of the dump.
Files named in maps.txt by a relative path are read from the directory.`,
		Args: cobra.ExactArgs(1),
		RunE: offlineCmd,
	}
	offlineCommand.Flags().StringVar(&offlineArch, "arch", "arm64", "Architecture of the snapshot (arm, arm64, x86, x86_64, riscv64, mips, mips64).")
	rootCommand.AddCommand(offlineCommand)

	// 'remote' subcommand.
	remoteCommand := &cobra.Command{
		Use:   "remote <tid>",
		Short: "Unwind a thread of another process.",
		Long: `Unwind a thread of another process.

The thread must already be stopped by a ptrace attachment of the caller,
unwind does not attach to it. Registers are read with PTRACE_GETREGSET,
memory with process_vm_readv and the maps from /proc/<tid>/maps.`,
		Args: cobra.ExactArgs(1),
		RunE: remoteCmd,
	}
	rootCommand.AddCommand(remoteCommand)

	// 'info' subcommand.
	infoCommand := &cobra.Command{
		Use:   "info <elf> [address...]",
		Short: "Print the unwinding information of an ELF file.",
		Long: `Print the header, the sections and the unwind tables of an ELF file.

Every address given after the file, a virtual address in hexadecimal, is
resolved to the function containing it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: infoCmd,
	}
	infoCommand.Flags().StringVar(&infoGlobals, "globals", "", "List the data symbols starting with this prefix.")
	rootCommand.AddCommand(infoCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config [set <name> <value>]",
		Short: "Print or change the configuration.",
		Long: `Print the configuration, or change one option and save the file.

List options take their items separated by spaces, items holding spaces can
be double quoted.`,
		RunE: configCmd,
	}
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "unwind\n%s\n", version.UnwindVersion)
			if verbose {
				fmt.Fprintf(out, "Build Details: %s\n", version.BuildInfo())
			}
		},
		PersistentPreRunE:  func(cmd *cobra.Command, args []string) error { return nil },
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	unwinder	Log every frame of the unwind loop
	elf		Log ELF parsing
	maps		Log maps parsing
	memory		Log remote memory reads
	dwarf		Log CFI and ARM exception table evaluation

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// setup enables logging and loads the configuration, flags given on the
// command line win over the file.
func setup(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	if configPath != "" {
		c, err := config.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		conf = c
	} else {
		conf = config.LoadConfig()
	}

	flags := cmd.Flags()
	if flags.Changed("max-frames") {
		conf.MaxFrames = &maxFrames
	}
	if flags.Changed("skip-maps") {
		conf.SkipMaps = skipMaps
	}
	if flags.Changed("ignore-suffixes") {
		conf.IgnoreSuffixes = ignoreSuffixes
	}
	if flags.Changed("elf-cache") {
		conf.ElfCache = elfCache
	}
	if flags.Changed("build-id") {
		conf.DisplayBuildID = displayBuildID
	}
	if flags.Changed("memory-cache-pages") {
		conf.MemoryCachePages = &memoryCachePages
	}
	return nil
}

func newUnwinder(r regs.Regs, m *maps.Maps, mem memory.Memory) *unwind.Unwinder {
	return &unwind.Unwinder{
		MaxFrames:      conf.GetMaxFrames(),
		Maps:           m,
		Regs:           r,
		ProcessMemory:  mem,
		Cache:          image.NewCache(conf.ElfCache),
		DisplayBuildID: conf.DisplayBuildID,
	}
}

var errNoFrames = errors.New("no frames")

// printBacktrace unwinds u and prints its frames. A failed unwind is
// only an error when it found no frame at all.
func printBacktrace(u *unwind.Unwinder) error {
	frames := u.Unwind(unwind.Options{
		InitialMapNamesToSkip: conf.SkipMaps,
		MapSuffixesToIgnore:   conf.IgnoreSuffixes,
	})
	for i := range frames {
		out.frame(u.FormatFrame(i))
	}
	last := u.LastError()
	if last.Code == unwind.ErrNone {
		return nil
	}
	if len(frames) == 0 {
		return fmt.Errorf("%w: %s", errNoFrames, last)
	}
	out.warn("unwind stopped: " + last.String())
	return nil
}

func offlineCmd(cmd *cobra.Command, args []string) error {
	arch, err := regs.ParseArch(offlineArch)
	if err != nil {
		return err
	}
	s, err := offline.Load(args[0], arch)
	if err != nil {
		return err
	}
	return printBacktrace(newUnwinder(s.Regs, s.Maps, s.Memory))
}

func remoteCmd(cmd *cobra.Command, args []string) error {
	tid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid tid %q", args[0])
	}
	r, err := regs.RemoteGet(tid)
	if err != nil {
		return err
	}
	m := maps.RemoteMaps(tid)
	if err := m.Parse(); err != nil {
		return err
	}
	var mem memory.Memory = memory.NewRemote(tid)
	if n := conf.GetMemoryCachePages(); n > 0 {
		cached, err := memory.NewCache(mem, n)
		if err != nil {
			return err
		}
		mem = cached
	}
	return printBacktrace(newUnwinder(r, m, mem))
}

func configCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return config.List(out, conf)
	}
	if args[0] != "set" || len(args) < 2 {
		return fmt.Errorf("usage: %s", cmd.Use)
	}
	if err := config.Set(conf, args[1], strings.Join(args[2:], " ")); err != nil {
		return err
	}
	if configPath != "" {
		return config.SaveConfigFile(conf, configPath)
	}
	return config.SaveConfig(conf)
}
