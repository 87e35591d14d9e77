package rangealloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func freeSpans(f *FreeList) []span {
	var out []span
	f.offsets.Ascend(func(s span) bool {
		out = append(out, s)
		return true
	})
	return out
}

func TestAllocateSequential(t *testing.T) {
	f := New(100)
	for i, want := range []uint64{0, 12, 32} {
		size := []uint64{12, 20, 8}[i]
		got, ok := f.Allocate(size)
		if !ok {
			t.Fatalf("Allocate(%d) failed", size)
		}
		if got != want {
			t.Errorf("Allocate(%d) = %d, want %d", size, got, want)
		}
	}
	if got := f.Available(); got != 60 {
		t.Errorf("Available() = %d, want 60", got)
	}
}

func TestAllocateBestFit(t *testing.T) {
	f := New(100)
	a, _ := f.Allocate(12)
	f.Allocate(20)
	c, _ := f.Allocate(40)
	f.Allocate(8)
	// Free ranges: [0,12) [32,72) [80,100)
	if err := f.Free(a, 12); err != nil {
		t.Fatal(err)
	}
	if err := f.Free(c, 40); err != nil {
		t.Fatal(err)
	}

	got, ok := f.Allocate(12)
	if !ok || got != 0 {
		t.Errorf("Allocate(12) = %d, %v; want the freed first slot", got, ok)
	}
	got, ok = f.Allocate(16)
	if !ok || got != 80 {
		t.Errorf("Allocate(16) = %d, %v; want the 20 byte tail", got, ok)
	}
}

func TestFreeCoalesces(t *testing.T) {
	f := New(64)
	a, _ := f.Allocate(16)
	b, _ := f.Allocate(16)
	c, _ := f.Allocate(16)

	f.Free(a, 16)
	f.Free(c, 16)
	if diff := cmp.Diff([]span{{0, 16}, {32, 32}}, freeSpans(f), cmp.AllowUnexported(span{})); diff != "" {
		t.Errorf("free spans mismatch (-want +got):\n%s", diff)
	}

	f.Free(b, 16)
	if diff := cmp.Diff([]span{{0, 64}}, freeSpans(f), cmp.AllowUnexported(span{})); diff != "" {
		t.Errorf("free spans mismatch after full free (-want +got):\n%s", diff)
	}
	if f.Fragments() != 1 {
		t.Errorf("Fragments() = %d, want 1", f.Fragments())
	}
	if f.sizes.Len() != 1 {
		t.Errorf("size index has %d entries, want 1", f.sizes.Len())
	}
}

func TestAllocateExhausted(t *testing.T) {
	f := New(32)
	if _, ok := f.Allocate(33); ok {
		t.Error("Allocate larger than arena succeeded")
	}
	if _, ok := f.Allocate(0); ok {
		t.Error("Allocate(0) succeeded")
	}
	if _, ok := f.Allocate(32); !ok {
		t.Fatal("Allocate of whole arena failed")
	}
	if _, ok := f.Allocate(1); ok {
		t.Error("Allocate on full arena succeeded")
	}
}

func TestFreeRejectsBadRanges(t *testing.T) {
	f := New(64)
	off, _ := f.Allocate(16)

	tests := []struct {
		name   string
		offset uint64
		size   uint64
	}{
		{"zero size", off, 0},
		{"past end", 60, 8},
		{"overflow", ^uint64(0) - 2, 8},
		{"already free", 32, 8},
		{"straddles free", 8, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.Free(tt.offset, tt.size); !errors.Is(err, ErrBadFree) {
				t.Errorf("Free(%d, %d) = %v, want ErrBadFree", tt.offset, tt.size, err)
			}
		})
	}
	if err := f.Free(off, 16); err != nil {
		t.Errorf("valid Free failed: %v", err)
	}
	if err := f.Free(off, 16); !errors.Is(err, ErrBadFree) {
		t.Errorf("double Free = %v, want ErrBadFree", err)
	}
}
