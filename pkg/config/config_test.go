package config

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureSet(t *testing.T) {
	var c Config
	require.Equal(t, 512, c.GetMaxFrames())
	require.Equal(t, 64, c.GetMemoryCachePages())

	require.NoError(t, Set(&c, "max-frames", "32"))
	require.Equal(t, 32, c.GetMaxFrames())
	require.NoError(t, Set(&c, "memory-cache-pages", "0"))
	require.Equal(t, 0, c.GetMemoryCachePages())
	require.NoError(t, Set(&c, "elf-cache", "true"))
	require.True(t, c.ElfCache)
	require.NoError(t, Set(&c, "skip-maps", `libunwindstack.so "lib with space.so"`))
	require.Equal(t, []string{"libunwindstack.so", "lib with space.so"}, c.SkipMaps)

	require.Error(t, Set(&c, "max-frames", "many"))
	require.Error(t, Set(&c, "max-frames", "-1"))
	require.Error(t, Set(&c, "nonexistent", "1"))
}

func TestConfigureList(t *testing.T) {
	c := Config{IgnoreSuffixes: []string{"oat"}}
	var buf bytes.Buffer
	require.NoError(t, List(&buf, &c))
	require.Equal(t, "max-frames         <not defined>\n"+
		"skip-maps          []\n"+
		"ignore-suffixes    [oat]\n"+
		"elf-cache          false\n"+
		"memory-cache-pages <not defined>\n"+
		"display-build-id   false\n", buf.String())
}

func TestSaveLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	n := 100
	c := &Config{MaxFrames: &n, SkipMaps: []string{"libc.so"}, IgnoreSuffixes: []string{"oat"}, ElfCache: true}
	require.NoError(t, SaveConfigFile(c, path))

	got, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, c, got)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}
