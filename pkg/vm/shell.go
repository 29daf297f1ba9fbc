package vm

import "strings"

// Quote returns value unchanged when it only holds shell-safe characters and
// single-quotes it otherwise (POSIX sh-compatible).
func Quote(value string) string {
	if value == "" {
		return "''"
	}
	if strings.IndexFunc(value, unsafeShellRune) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	switch r {
	case '-', '_', '.', '/', ':', ',', '+', '@', '%', '=':
		return false
	}
	return true
}
