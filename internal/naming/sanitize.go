package naming

import (
	"regexp"
	"strings"
)

// illegalChars are characters not allowed in filenames on common filesystems.
var illegalChars = regexp.MustCompile(`[<>:"/\\|?*\x00]`)

var (
	multiSpace = regexp.MustCompile(`\s+`)
	multiDot   = regexp.MustCompile(`\.{2,}`)
)

// SanitizeFilename replaces characters that are unsafe in a single path element.
func SanitizeFilename(name string) string {
	name = illegalChars.ReplaceAllString(name, " ")
	name = multiDot.ReplaceAllString(name, ".")
	name = multiSpace.ReplaceAllString(name, " ")
	return strings.Trim(name, " .")
}
