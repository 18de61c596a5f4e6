package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".unwind"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MaxFrames is the number of frames after which an unwind stops.
	MaxFrames *int `yaml:"max-frames,omitempty"`

	// SkipMaps lists map base names whose frames are dropped from the top
	// of the stack, e.g. the unwinder's own library.
	SkipMaps []string `yaml:"skip-maps"`
	// IgnoreSuffixes lists map name extensions at which an unwind stops.
	IgnoreSuffixes []string `yaml:"ignore-suffixes"`

	// ElfCache shares parsed ELF images between unwinds.
	ElfCache bool `yaml:"elf-cache"`
	// MemoryCachePages is the number of pages of remote memory kept in
	// the remote memory cache, 0 disables it.
	MemoryCachePages *int `yaml:"memory-cache-pages,omitempty"`

	// DisplayBuildID adds the build id of the image to every frame.
	DisplayBuildID bool `yaml:"display-build-id"`
}

const (
	defaultMaxFrames        = 512
	defaultMemoryCachePages = 64
)

// GetMaxFrames returns MaxFrames or its default.
func (c *Config) GetMaxFrames() int {
	if c.MaxFrames == nil {
		return defaultMaxFrames
	}
	return *c.MaxFrames
}

// GetMemoryCachePages returns MemoryCachePages or its default.
func (c *Config) GetMemoryCachePages() int {
	if c.MemoryCachePages == nil {
		return defaultMemoryCachePages
	}
	return *c.MemoryCachePages
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := decode(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(f *os.File) (*Config, error) {
	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %w", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigFile(conf, fullConfigFile)
}

// SaveConfigFile writes conf to path.
func SaveConfigFile(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the unwind tool.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Maximum number of frames of a backtrace.
# max-frames: 512

# Frames at the top of the stack in these maps are not shown.
skip-maps:
  # - libunwindstack.so

# The backtrace stops at the first frame in a map with one of these extensions.
ignore-suffixes:
  # - oat
  # - odex

# Uncomment the following line to share parsed ELF files between unwinds.
# elf-cache: true

# Number of pages of remote memory to cache, 0 disables the cache.
# memory-cache-pages: 64

# Uncomment the following line to print build ids in backtraces.
# display-build-id: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
