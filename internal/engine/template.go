package engine

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// RenderPrompt replaces each literal "{key}" in template with the string form
// of data[key]. Placeholders with no matching key are left as they are.
// Keys are applied in sorted order so output does not depend on map iteration.
func RenderPrompt(template string, data map[string]any) string {
	out := template
	for _, k := range slices.Sorted(maps.Keys(data)) {
		out = strings.ReplaceAll(out, "{"+k+"}", stringify(data[k]))
	}
	return out
}

// stringify formats floats in plain decimal notation; fmt would print
// 2100000.0 as 2.1e+06.
func stringify(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
