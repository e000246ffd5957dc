package export

import (
	"strings"
	"unicode"
)

// SanitizeBase makes s safe as the leading part of an export name. Control
// characters are dropped, each run of other disallowed characters becomes a
// single '_', and repeated separators collapse. Leading and trailing spaces,
// dots and underscores are trimmed so the base joins cleanly with Suffix.
// maxLen counts runes; zero means no limit.
func SanitizeBase(s string, maxLen int) string {
	var b strings.Builder
	var last rune
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if !isAllowedNameRune(r) {
			r = '_'
		}
		if (r == '_' || r == ' ') && r == last {
			continue
		}
		b.WriteRune(r)
		last = r
	}

	cleaned := trimBase(b.String())
	if maxLen > 0 {
		if runes := []rune(cleaned); len(runes) > maxLen {
			cleaned = trimBase(string(runes[:maxLen]))
		}
	}
	return cleaned
}

func trimBase(s string) string {
	return strings.Trim(s, " ._")
}

// plainExt reports whether ext is a bare lowercase extension such as "mp4".
func plainExt(ext string) bool {
	if ext == "" {
		return false
	}
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}
