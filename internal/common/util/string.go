package util

// Truncate returns s if it is at most maxLen bytes long and s cut down to
// maxLen bytes otherwise. Used to cap raw CSV lines before they are stored.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
