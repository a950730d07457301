package logging

import "strconv"

// MaxLogFieldLength is the default cap applied by Truncate
const MaxLogFieldLength = 512

// Truncate shortens s to MaxLogFieldLength characters
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes and appends "..." when anything was cut
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and replaces the rest with a
// single "... and N more" marker
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems]...)
	return append(out, "... and "+strconv.Itoa(len(items)-maxItems)+" more")
}
