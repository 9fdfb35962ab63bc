package cmdb

import (
	"regexp"
	"strings"
)

// compileGlob turns a pattern where * matches any run of characters (and
// nothing else is special) into an anchored regexp. An empty pattern matches
// everything.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = "*"
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
