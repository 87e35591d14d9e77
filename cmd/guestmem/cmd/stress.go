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
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/blacktop/go-guestmem"
	"github.com/blacktop/go-guestmem/jit"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(stressCmd)
	stressCmd.Flags().IntP("workers", "w", 8, "Concurrent workers")
	stressCmd.Flags().IntP("iterations", "n", 1000, "Map operations per worker")
	stressCmd.Flags().Int("max-size", 4096, "Largest routine in bytes")
	addJITFlags(stressCmd.Flags())
}

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Map and unmap routines concurrently and verify the cache stays consistent",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, err := cmd.Flags().GetInt("workers")
		if err != nil {
			return err
		}
		iterations, err := cmd.Flags().GetInt("iterations")
		if err != nil {
			return err
		}
		maxSize, err := cmd.Flags().GetInt("max-size")
		if err != nil {
			return err
		}
		if workers <= 0 || iterations <= 0 || maxSize <= 0 {
			return fmt.Errorf("workers, iterations and max-size must be positive")
		}

		cache, err := jit.New(jitOptions(cmd.Flags(), cfg.JIT))
		if err != nil {
			return err
		}
		defer cache.Close()
		if err := cache.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize code cache: %w", err)
		}

		guestmem.ResetMetrics()
		start := time.Now()
		live, err := runStress(cmd.Context(), cache, workers, iterations, maxSize)
		if err != nil {
			return err
		}
		if err := verifyCache(cache, live); err != nil {
			return err
		}

		m := guestmem.GetMetrics()
		s := cache.Stats()
		logrus.WithFields(logrus.Fields{
			"elapsed": time.Since(start).Round(time.Millisecond),
			"maps":    m.JITMapOps,
			"unmaps":  m.JITUnmapOps,
		}).Info("stress run complete")
		fmt.Printf("%d live entries, %d bytes used, %d committed, mode %s\n", s.Entries, s.Used, s.Committed, s.Mode)
		return nil
	},
}

type routine struct {
	ptr  uintptr
	code []byte
}

// runStress has every worker map random routines and unmap about half of
// them again. It returns the routines still mapped.
func runStress(ctx context.Context, cache *jit.Cache, workers, iterations, maxSize int) ([]routine, error) {
	var (
		mu   sync.Mutex
		live []routine
	)
	g, ctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			var mine []routine
			for i := range iterations {
				if err := ctx.Err(); err != nil {
					return err
				}
				code := make([]byte, 1+rng.IntN(maxSize))
				for j := range code {
					code[j] = byte(w*31 + i + j)
				}
				ptr, err := cache.Map(code)
				if err != nil {
					return fmt.Errorf("worker %d: map %d bytes: %w", w, len(code), err)
				}
				mine = append(mine, routine{ptr, code})
				if rng.IntN(2) == 0 {
					k := rng.IntN(len(mine))
					if err := cache.Unmap(mine[k].ptr); err != nil {
						return fmt.Errorf("worker %d: unmap 0x%x: %w", w, mine[k].ptr, err)
					}
					mine = slices.Delete(mine, k, k+1)
				}
			}
			mu.Lock()
			live = append(live, mine...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return live, nil
}

// verifyCache checks that entries do not overlap and that every live
// routine still holds the bytes it was mapped with.
func verifyCache(cache *jit.Cache, live []routine) error {
	entries := cache.Entries()
	if len(entries) != len(live) {
		return fmt.Errorf("cache holds %d entries, expected %d", len(entries), len(live))
	}
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if prev.Offset+prev.Size > cur.Offset {
			return fmt.Errorf("entries overlap: [0x%x,+%d) and [0x%x,+%d)", prev.Offset, prev.Size, cur.Offset, cur.Size)
		}
	}
	for _, r := range live {
		got := unsafe.Slice((*byte)(unsafe.Pointer(r.ptr)), len(r.code))
		if !bytes.Equal(got, r.code) {
			return fmt.Errorf("routine at 0x%x was overwritten", r.ptr)
		}
	}
	return nil
}
