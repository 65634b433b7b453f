package security

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(access[_-]?token|client[_-]?secret|api[_-]?key|password|bearer)(["']?\s*[=:]\s*["']?)([^\s"',}]+)`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), // JWT access tokens
}

// MaskSecret masks a credential value for logging, keeping a short prefix and suffix.
func MaskSecret(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskSensitive masks tokens and passwords embedded in free text such as
// error messages or response bodies.
func MaskSensitive(input string) string {
	out := secretPatterns[0].ReplaceAllStringFunc(input, func(m string) string {
		parts := secretPatterns[0].FindStringSubmatch(m)
		return parts[1] + parts[2] + MaskSecret(parts[3])
	})
	return secretPatterns[1].ReplaceAllStringFunc(out, MaskSecret)
}
