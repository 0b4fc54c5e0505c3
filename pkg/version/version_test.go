package version

import (
	"strings"
	"testing"
)

func TestGetReflectsBuildVariables(t *testing.T) {
	Version = "1.2.3"
	GitCommit = "abcdef"
	BuildTime = "now"

	info := Get()
	if info.Version != "1.2.3" || info.GitCommit != "abcdef" || info.BuildTime != "now" {
		t.Fatalf("build info did not pick up variables: %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatalf("go version must be populated")
	}

	rendered := info.String()
	for _, part := range []string{"1.2.3", "abcdef", "now"} {
		if !strings.Contains(rendered, part) {
			t.Fatalf("rendered info missing %q: %s", part, rendered)
		}
	}

	if ua := UserAgent(); ua != "unleash-edge/1.2.3" {
		t.Fatalf("unexpected user agent %s", ua)
	}
}
