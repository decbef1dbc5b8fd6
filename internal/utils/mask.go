package utils

import "strings"

// MaskSecret keeps a short prefix of long secrets so operators can tell
// tokens apart in logs. Short secrets are fully hidden.
func MaskSecret(s string) string {
	const shown = 4
	if len(s) < 2*shown {
		return strings.Repeat("*", 5)
	}
	return s[:shown] + strings.Repeat("*", 5)
}
