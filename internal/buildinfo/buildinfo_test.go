package buildinfo

import (
	"strings"
	"testing"
)

func TestInfo_Keys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "legion/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "legion/"+Version)
	}
}
