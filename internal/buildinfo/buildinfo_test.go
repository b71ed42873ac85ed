package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgentCarriesVersion(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "sillage/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "sillage/"+Version)
	}
}

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
}
