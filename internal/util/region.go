package util

import "strings"

// RenderRegion substitutes every {{region}} placeholder in an endpoint
// template.
func RenderRegion(template, region string) string {
	return strings.ReplaceAll(template, "{{region}}", region)
}
