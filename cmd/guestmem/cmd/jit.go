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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/blacktop/go-guestmem/cmd/guestmem/cmd/utils"
	"github.com/blacktop/go-guestmem/jit"
	"github.com/blacktop/go-macho"
	"github.com/spf13/cobra"
)

type jitResult struct {
	Source  string      `json:"source"`
	Address string      `json:"address"`
	Size    int         `json:"size"`
	Entries []jit.Entry `json:"entries"`
	Stats   jit.Stats   `json:"stats"`
}

func init() {
	rootCmd.AddCommand(jitCmd)
	jitCmd.Flags().Bool("raw", false, "Treat the input as raw machine code instead of a Mach-O")
	jitCmd.Flags().Uint64P("addr", "a", 0, "Function address in the Mach-O (0 = use entry point)")
	jitCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	addJITFlags(jitCmd.Flags())
}

var jitCmd = &cobra.Command{
	Use:   "jit [FILE]",
	Short: "Place code from a file into a JIT code cache and show where it landed",
	Long: `Place machine code into a JIT code cache and print the entry table.

Code can be provided as:
  - A function from a Mach-O binary (default, entry point unless --addr)
  - A raw code file, or stdin, with --raw

The code is copied into the executable arena; it is not run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJIT,
}

func runJIT(cmd *cobra.Command, args []string) error {
	raw, err := cmd.Flags().GetBool("raw")
	if err != nil {
		return err
	}
	addr, err := cmd.Flags().GetUint64("addr")
	if err != nil {
		return err
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	var code []byte
	var source string
	switch {
	case raw && len(args) == 0:
		code, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		source = "stdin"
	case raw:
		code, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
		source = args[0]
	case len(args) == 0:
		return fmt.Errorf("a Mach-O file is required unless --raw is set")
	default:
		code, source, err = machoFunction(args[0], addr)
		if err != nil {
			return err
		}
	}
	if len(code) == 0 {
		return fmt.Errorf("no code provided")
	}

	cache, err := jit.New(jitOptions(cmd.Flags(), cfg.JIT))
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := cache.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize code cache: %w", err)
	}

	ptr, err := cache.Map(code)
	if err != nil {
		return fmt.Errorf("failed to map code: %w", err)
	}

	res := jitResult{
		Source:  source,
		Address: fmt.Sprintf("0x%x", ptr),
		Size:    len(code),
		Entries: cache.Entries(),
		Stats:   cache.Stats(),
	}
	if asJSON {
		out, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Mapped %d bytes from %s at %s (mode %s)\n", res.Size, source, res.Address, res.Stats.Mode)
	fmt.Printf("Arena: base 0x%x, %d of %d bytes committed, %d used\n",
		cache.Base(), res.Stats.Committed, res.Stats.ArenaSize, res.Stats.Used)
	for _, e := range res.Entries {
		fmt.Printf("  entry offset 0x%x size %d\n", e.Offset, e.Size)
	}

	// Read the bytes back out of the arena.
	mapped := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), len(code))
	fmt.Printf("\n%s", utils.HexDump(mapped[:min(len(mapped), 256)], uint64(ptr-cache.Base())))
	return nil
}

// machoFunction extracts the bytes of the function containing addr, or of
// the entry point function when addr is 0.
func machoFunction(path string, addr uint64) ([]byte, string, error) {
	m, err := macho.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open Mach-O file: %w", err)
	}
	defer m.Close()

	if addr == 0 {
		main := m.GetLoadsByName("LC_MAIN")
		if len(main) == 0 {
			return nil, "", fmt.Errorf("failed to find LC_MAIN in target - use --addr to specify function address")
		}
		addr = main[0].(*macho.EntryPoint).EntryOffset + m.GetBaseAddress()
	}

	fn, err := m.GetFunctionForVMAddr(addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find function at address 0x%x: %w", addr, err)
	}
	code := make([]byte, fn.EndAddr-fn.StartAddr)
	if _, err := m.ReadAtAddr(code, fn.StartAddr); err != nil {
		return nil, "", fmt.Errorf("failed to read function bytes: %w", err)
	}
	name := fn.Name
	if name == "" {
		name = fmt.Sprintf("func_%x", fn.StartAddr)
	}
	return code, fmt.Sprintf("%s:%s", path, name), nil
}
