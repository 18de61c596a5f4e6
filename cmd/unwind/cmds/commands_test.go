package cmds

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/cinit/libunwindstack/cmd/unwind/cmds/helphelpers"
	"github.com/cinit/libunwindstack/pkg/image/elfbuilder"
)

func testELF() []byte {
	b := elfbuilder.New(elf.ELFCLASS64, elf.EM_X86_64)
	b.Progs = []elf.Prog64{elfbuilder.Prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, 0, 0x3000)}
	b.Sections = []elfbuilder.Section{
		{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Off: 0x1000, Data: make([]byte, 0x100)},
		{Name: ".eh_frame", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: 0x2000, Off: 0x2000, Data: elfbuilder.AMD64Frame(0x2000, 0x1000, 0x100)},
	}
	b.AddSymbols(0x2800, 0x2c00,
		elfbuilder.Func("crash", 0x1000, 0x80),
		elfbuilder.Func("main", 0x1080, 0x80),
		elfbuilder.Object("g_state", elf.STB_GLOBAL, 0x3000))
	return b.Build()
}

func writeFile(t *testing.T, path string, data []byte) {
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func snapshot(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "libcrash.so"), testELF())
	writeFile(t, filepath.Join(dir, "maps.txt"), []byte("00400000-00403000 r-xp 00000000 fd:01 10 libcrash.so\n"))
	writeFile(t, filepath.Join(dir, "regs.txt"), []byte("rip: 401010\nrsp: 7ff00000\n"))
	stack := make([]byte, 24)
	binary.LittleEndian.PutUint64(stack, 0x7ff00000)
	binary.LittleEndian.PutUint64(stack[8:], 0x401090)
	writeFile(t, filepath.Join(dir, "stack.data"), stack)
	return dir
}

// run executes the command line args with an empty configuration file and
// returns what was printed.
func run(t *testing.T, args ...string) (string, error) {
	cfg := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, cfg, nil)
	root := New(false)
	var buf bytes.Buffer
	out = &output{w: &buf}
	root.SetArgs(append([]string{"--config", cfg}, args...))
	root.SetOut(&buf)
	root.SetErr(&buf)
	err := root.Execute()
	return buf.String(), err
}

func TestOffline(t *testing.T) {
	dir := snapshot(t)
	got, err := run(t, "offline", "--arch", "x86_64", dir)
	require.NoError(t, err)
	require.Equal(t, "  #00 pc 0000000000001010  libcrash.so (crash+16)\n"+
		"  #01 pc 000000000000108f  libcrash.so (main+15)\n", got)

	got, err = run(t, "--max-frames", "1", "offline", "--arch", "x86_64", dir)
	require.NoError(t, err)
	require.Equal(t, "  #00 pc 0000000000001010  libcrash.so (crash+16)\n"+
		"unwind stopped: Maximum Frames Exceeded\n", got)

	_, err = run(t, "offline", "--arch", "vax", dir)
	require.Error(t, err)
	_, err = run(t, "offline", "--arch", "x86_64", t.TempDir())
	require.Error(t, err)
}

func TestInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libcrash.so")
	writeFile(t, path, testELF())
	got, err := run(t, "info", "--globals", "g_", path, "1010", "0x1090", "0x5000")
	require.NoError(t, err)
	require.Contains(t, got, "machine     EM_X86_64 (x86_64)\n")
	require.Contains(t, got, "unwind info true\n")
	require.Contains(t, got, ".eh_frame")
	require.Contains(t, got, "0x1010\tcrash+16\n0x1090\tmain+16\n0x5000\t<unknown>\n")
	require.Contains(t, got, "0x3000\tg_state\n")

	_, err = run(t, "info", path, "zz")
	require.Error(t, err)
	_, err = run(t, "info", filepath.Join(t.TempDir(), "missing.so"))
	require.Error(t, err)
}

func TestConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, cfg, []byte("max-frames: 16\n"))

	exec := func(args ...string) string {
		root := New(false)
		var buf bytes.Buffer
		out = &output{w: &buf}
		root.SetArgs(append([]string{"--config", cfg}, args...))
		require.NoError(t, root.Execute())
		return buf.String()
	}
	require.True(t, strings.HasPrefix(exec("config"), "max-frames         16\n"))
	exec("config", "set", "skip-maps", "libc.so", `"my lib.so"`)
	require.Contains(t, exec("config"), "skip-maps          [libc.so my lib.so]\n")
}

func TestPrepare(t *testing.T) {
	root := New(true)
	var info *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "info" {
			info = c
		}
	}
	require.NotNil(t, info)
	helphelpers.Prepare(info)
	require.True(t, root.PersistentFlags().Lookup("max-frames").Hidden)
	require.False(t, root.PersistentFlags().Lookup("log").Hidden)
}
