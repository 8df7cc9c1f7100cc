package domain

import "strings"

const (
	MaxDisplayNameLen = 36
	DefaultName       = "Anonymous"
)

// SanitizeDisplayName normalizes a client-supplied display name: surrounding
// whitespace goes, overlong names are truncated and an empty name falls back
// to DefaultName. Names are announced to every other participant, so they are
// never rejected outright, only tamed.
func SanitizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName
	}
	runes := []rune(name)
	if len(runes) > MaxDisplayNameLen {
		return string(runes[:MaxDisplayNameLen])
	}
	return name
}
