package util

import (
	"strings"
	"testing"
)

func TestRenderRegion(t *testing.T) {
	cases := []struct {
		template, region, want string
	}{
		{"https://q.{{region}}.amazonaws.com", "us-east-1", "https://q.us-east-1.amazonaws.com"},
		{"https://oidc.{{region}}.amazonaws.com/token", "us-west-2", "https://oidc.us-west-2.amazonaws.com/token"},
		{"{{region}}/{{region}}", "r", "r/r"},
		{"no placeholder", "us-east-1", "no placeholder"},
	}
	for _, tc := range cases {
		got := RenderRegion(tc.template, tc.region)
		if got != tc.want {
			t.Errorf("RenderRegion(%q, %q) = %q, want %q", tc.template, tc.region, got, tc.want)
		}
		if strings.Contains(got, "{{region}}") {
			t.Errorf("placeholder survived in %q", got)
		}
	}
}
