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

	"github.com/blacktop/go-guestmem"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Supported    bool                  `json:"supported"`
	Capabilities guestmem.Capabilities `json:"capabilities"`
	Flags        map[string]bool       `json:"flags"`
	Metrics      guestmem.Metrics      `json:"metrics"`
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report the memory backend and what it supports on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			return err
		}

		res := checkResult{
			Supported:    guestmem.Supported(),
			Capabilities: guestmem.DefaultBackend().Capabilities(),
			Flags:        make(map[string]bool),
		}
		for _, f := range []guestmem.Flags{
			guestmem.FlagReserve,
			guestmem.FlagMirrorable,
			guestmem.FlagReserve | guestmem.FlagViewCompatible,
			guestmem.FlagReserve | guestmem.FlagExecutable,
		} {
			res.Flags[f.String()] = guestmem.Supports(f)
		}
		res.Metrics = guestmem.GetMetrics()

		if asJSON {
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		caps := res.Capabilities
		fmt.Printf("backend:    %s (supported=%v)\n", caps.Name, res.Supported)
		fmt.Printf("page size:  %d\n", caps.PageSize)
		fmt.Printf("mirroring:  %v\n", caps.Mirroring)
		fmt.Printf("views:      %v\n", caps.Views)
		fmt.Printf("rwx pages:  %v\n", caps.AllowsRWX)
		fmt.Printf("jit pages:  %v\n", caps.RequiresJitPages)
		for _, name := range []string{"reserve", "mirrorable", "reserve|view-compatible", "reserve|executable"} {
			fmt.Printf("  %-24s %v\n", name, res.Flags[name])
		}
		return nil
	},
}
