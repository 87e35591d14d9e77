package guestmem

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSupportedMatchesBackend(t *testing.T) {
	caps := DefaultBackend().Capabilities()
	if Supported() == (caps.Name == "unsupported") {
		t.Errorf("Supported() = %v with backend %q", Supported(), caps.Name)
	}
	if Supported() && !Supports(0) {
		t.Error("a supported backend must allow plain blocks")
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	full := Capabilities{Mirroring: true, Views: true, AllowsRWX: true}
	hardened := Capabilities{Mirroring: true, Views: true, RequiresJitPages: true}
	bare := Capabilities{}

	tests := []struct {
		name  string
		caps  Capabilities
		flags Flags
		want  bool
	}{
		{"plain", bare, 0, true},
		{"reserve", bare, FlagReserve, true},
		{"mirror without support", bare, FlagMirrorable, false},
		{"views without support", bare, FlagReserve | FlagViewCompatible, false},
		{"mirror", full, FlagMirrorable, true},
		{"executable mirror", full, FlagMirrorable | FlagExecutable, true},
		{"executable mirror on hardened runtime", hardened, FlagMirrorable | FlagExecutable, false},
		{"executable reserve on hardened runtime", hardened, FlagReserve | FlagExecutable, true},
		{"unknown flag", full, Flags(1 << 9), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.caps.Supports(tt.flags); got != tt.want {
				t.Errorf("Supports(%s) = %v, want %v", tt.flags, got, tt.want)
			}
		})
	}
}

func TestSetLogger(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	SetLogger(l)
	if Logger() != logrus.FieldLogger(l) {
		t.Fatal("Logger() did not return the installed logger")
	}

	newBlock(t, 4096, 0)
	if !strings.Contains(buf.String(), "created block") {
		t.Errorf("expected a debug entry for block creation, got %q", buf.String())
	}

	SetLogger(nil)
	if Logger() == nil {
		t.Error("SetLogger(nil) left a nil logger")
	}
}

func TestPermString(t *testing.T) {
	tests := []struct {
		perm MemPerm
		want string
	}{
		{MemNone, "---"},
		{MemRead, "r--"},
		{MemReadWrite, "rw-"},
		{MemReadExec, "r-x"},
		{MemReadWriteExec, "rwx"},
		{MemRead | MemPerm(0x10), "r--+0x10"},
	}
	for _, tt := range tests {
		if got := tt.perm.String(); got != tt.want {
			t.Errorf("MemPerm(%d).String() = %q, want %q", uint(tt.perm), got, tt.want)
		}
	}
}
