/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/blacktop/go-guestmem/jit"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

const defaultLogLevel = "info"

// Config is the on-disk configuration. Command line flags override it.
type Config struct {
	LogLevel string      `toml:"log_level"`
	JIT      JITConfig   `toml:"jit"`
	Guest    GuestConfig `toml:"guest"`
}

// JITConfig configures the code cache used by the jit, stress and selftest
// commands.
type JITConfig struct {
	ArenaSize         uint64 `toml:"arena_size"`
	CommitGranularity uint64 `toml:"commit_granularity"`
	Alignment         uint64 `toml:"alignment"`
	ForceWX           bool   `toml:"force_wx"`
}

// GuestConfig configures the guest address space used by selftest.
type GuestConfig struct {
	AddressSpaceSize uint64 `toml:"address_space_size"`
	BackingSize      uint64 `toml:"backing_size"`
	HostMapped       bool   `toml:"host_mapped"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: defaultLogLevel,
		JIT: JITConfig{
			ArenaSize:         64 << 20,
			CommitGranularity: jit.DefaultCommitGranularity,
			Alignment:         jit.DefaultAlignment,
		},
		Guest: GuestConfig{
			AddressSpaceSize: 16 << 20,
			BackingSize:      4 << 20,
		},
	}
}

// loadConfig returns the defaults overlaid with the file at path, if any.
// Keys the file does not set keep their default.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := parseConfig(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return c, nil
}

func parseConfig(data []byte, c *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

// jitOptions overlays the JIT flags registered by addJITFlags onto the
// configuration.
func jitOptions(fs *pflag.FlagSet, c JITConfig) jit.Options {
	if fs.Changed("arena-size") {
		c.ArenaSize, _ = fs.GetUint64("arena-size")
	}
	if fs.Changed("force-wx") {
		c.ForceWX, _ = fs.GetBool("force-wx")
	}
	return jit.Options{
		ArenaSize:         c.ArenaSize,
		CommitGranularity: c.CommitGranularity,
		Alignment:         c.Alignment,
		ForceWX:           c.ForceWX,
	}
}

func addJITFlags(fs *pflag.FlagSet) {
	fs.Uint64("arena-size", 0, "Code arena size in bytes (overrides config)")
	fs.Bool("force-wx", false, "Flip pages between RW and RX even where RWX is allowed")
}
