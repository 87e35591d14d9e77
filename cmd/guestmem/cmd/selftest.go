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
	"errors"
	"fmt"

	"github.com/blacktop/go-guestmem"
	"github.com/blacktop/go-guestmem/addrspace"
	"github.com/blacktop/go-guestmem/jit"
	"github.com/blacktop/go-guestmem/tracking"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// errSkipped marks a check the host cannot run.
var errSkipped = errors.New("skipped")

type selfCheck struct {
	name string
	run  func() error
}

func init() {
	rootCmd.AddCommand(selftestCmd)
	addJITFlags(selftestCmd.Flags())
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Exercise blocks, mirrors, address spaces and the code cache on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !guestmem.Supported() {
			return guestmem.ErrPlatformNotSupported
		}
		jitOpts := jitOptions(cmd.Flags(), cfg.JIT)

		checks := []selfCheck{
			{"mirror coherence", checkMirror},
			{"reserve, commit, decommit", checkDecommit},
			{"address space map/unmap", func() error { return checkAddressSpace(cfg.Guest) }},
			{"write tracking", func() error { return checkTracking(cfg.Guest) }},
			{"jit map and lookup", func() error { return checkJIT(jitOpts) }},
		}

		var failed int
		for _, c := range checks {
			err := c.run()
			switch {
			case err == nil:
				fmt.Printf("PASS  %s\n", c.name)
			case errors.Is(err, errSkipped), errors.Is(err, guestmem.ErrPlatformNotSupported):
				fmt.Printf("SKIP  %s: %v\n", c.name, err)
			default:
				failed++
				fmt.Printf("FAIL  %s: %v\n", c.name, err)
				logrus.WithError(err).WithField("check", c.name).Debug("selftest failure")
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d checks failed", failed, len(checks))
		}
		return nil
	},
}

func checkMirror() error {
	if !guestmem.Supports(guestmem.FlagMirrorable) {
		return fmt.Errorf("%w: no mirroring", errSkipped)
	}
	orig, err := guestmem.New(64<<10, guestmem.FlagMirrorable)
	if err != nil {
		return err
	}
	defer orig.Close()
	mirror, err := orig.Mirror()
	if err != nil {
		return err
	}
	defer mirror.Close()

	want := []byte{1, 2, 3, 4}
	if err := orig.Write(100, want); err != nil {
		return err
	}
	got := make([]byte, len(want))
	if err := mirror.Read(100, got); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("mirror read %x, want %x", got, want)
	}
	return nil
}

func checkDecommit() error {
	b, err := guestmem.New(1<<20, guestmem.FlagReserve)
	if err != nil {
		return err
	}
	defer b.Close()

	page := guestmem.PageSize()
	if err := b.Commit(0, page); err != nil {
		return err
	}
	if err := b.Fill(0, page, 0xcc); err != nil {
		return err
	}
	for range 2 {
		if err := b.Decommit(0, page); err != nil {
			return err
		}
	}
	if err := b.Commit(0, page); err != nil {
		return err
	}
	got := make([]byte, page)
	if err := b.Read(0, got); err != nil {
		return err
	}
	if !bytes.Equal(got, make([]byte, page)) {
		return errors.New("recommitted page is not zero")
	}
	return nil
}

func newGuest(g GuestConfig, tracker addrspace.Tracker) (*guestmem.Block, *addrspace.Manager, error) {
	flags := guestmem.Flags(0)
	if g.HostMapped {
		flags = guestmem.FlagMirrorable
	}
	backing, err := guestmem.New(g.BackingSize, flags)
	if err != nil {
		return nil, nil, err
	}
	m, err := addrspace.New(backing, addrspace.Config{
		AddressSpaceSize: g.AddressSpaceSize,
		HostMapped:       g.HostMapped,
		Tracker:          tracker,
	})
	if err != nil {
		backing.Close()
		return nil, nil, err
	}
	return backing, m, nil
}

func checkAddressSpace(g GuestConfig) error {
	backing, m, err := newGuest(g, nil)
	if err != nil {
		return err
	}
	defer backing.Close()
	defer m.Close()

	page := m.MapAlignment()
	va, pa := 4*page, page
	if err := m.Map(va, pa, 2*page, 0); err != nil {
		return err
	}
	if err := m.WriteUint64(va+page-4, 0x1122334455667788); err != nil {
		return err
	}
	raw, err := backing.ReadUint64(pa + page - 4)
	if err != nil {
		return err
	}
	if raw != 0x1122334455667788 {
		return fmt.Errorf("backing holds 0x%x", raw)
	}
	if err := m.Unmap(va, 2*page); err != nil {
		return err
	}
	if m.IsMapped(va) {
		return errors.New("page still mapped after unmap")
	}
	if _, err := m.ReadUint64(va); !errors.Is(err, guestmem.ErrInvalidAccess) {
		return fmt.Errorf("read of unmapped page returned %v", err)
	}
	return nil
}

func checkTracking(g GuestConfig) error {
	eng := tracking.New(tracking.Options{Guest: g.HostMapped})
	backing, m, err := newGuest(g, eng)
	if err != nil {
		return err
	}
	defer backing.Close()
	defer m.Close()
	eng.SetReprotector(m)

	page := m.MapAlignment()
	if err := m.Map(0, 0, 4*page, 0); err != nil {
		return err
	}
	region, err := m.BeginTracking(page, page)
	if err != nil {
		return err
	}
	defer region.Close()
	region.Reprotect()

	if err := m.Write(0, []byte{1}); err != nil {
		return err
	}
	if region.Dirty() {
		return errors.New("untracked write dirtied the region")
	}
	if err := m.Write(page+1, []byte{1}); err != nil {
		return err
	}
	if !region.Dirty() {
		return errors.New("tracked write was not observed")
	}
	return nil
}

func checkJIT(opts jit.Options) error {
	cache, err := jit.New(opts)
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := cache.Initialize(); err != nil {
		return err
	}

	a, err := cache.Map(make([]byte, 10))
	if err != nil {
		return err
	}
	b, err := cache.Map(make([]byte, 20))
	if err != nil {
		return err
	}
	base := cache.Base()
	ea, ok := cache.TryFind(uint64(a-base) + 5)
	if !ok || ea.Offset != uint64(a-base) {
		return fmt.Errorf("lookup inside the first entry returned %+v, %v", ea, ok)
	}
	eb, ok := cache.TryFind(uint64(b - base))
	if !ok || eb.Offset != uint64(b-base) {
		return fmt.Errorf("lookup of the second entry returned %+v, %v", eb, ok)
	}
	if ea.Offset+ea.Size > eb.Offset && eb.Offset+eb.Size > ea.Offset {
		return fmt.Errorf("entries overlap: %+v %+v", ea, eb)
	}
	if err := cache.Unmap(a); err != nil {
		return err
	}
	return cache.Unmap(b)
}
