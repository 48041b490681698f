package process

import (
	"regexp"
	"strings"
)

// CSI and OSC sequences, plus two-byte escapes such as ESC c
var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes terminal escape sequences and raw control characters
// from a line. Tabs are kept.
func StripANSI(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, line)
}
