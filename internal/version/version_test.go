package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit = "1.2.3", "abc123"
	defer func() { Version, Commit = "dev", "unknown" }()

	if got := String(); !strings.Contains(got, "version: 1.2.3") || !strings.Contains(got, "commit: abc123") {
		t.Fatalf("String() = %q", got)
	}
	if UserAgent() != "fairwatch/1.2.3" {
		t.Fatalf("UserAgent() = %q", UserAgent())
	}
}
