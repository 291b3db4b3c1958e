package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	s := info.String()
	if !strings.HasPrefix(s, "finetune "+Version) || !strings.Contains(s, info.Platform) {
		t.Errorf("unexpected version string %q", s)
	}
	t.Logf("%s", s)
}
