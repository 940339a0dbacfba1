package cli

import "strings"

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func joinModels(models []string) string {
	if len(models) == 0 {
		return "-"
	}
	return strings.Join(models, ",")
}
