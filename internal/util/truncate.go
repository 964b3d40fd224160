package util

// Truncate caps error and payload text before it is stored or logged so a
// pathological upstream response cannot bloat the usage table.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
