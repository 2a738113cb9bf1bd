package utils

import "strings"

// CanonicalDNSName returns name lowercased, trimmed of surrounding whitespace and
// terminated by exactly one dot. The root name stays "." and blank input stays "".
func CanonicalDNSName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	name = strings.TrimRight(name, ".")
	if name == "" {
		return "."
	}
	return name + "."
}
