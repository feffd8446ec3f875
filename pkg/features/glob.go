package features

import (
	"regexp"
	"strings"
)

// globToRegexp translates a glob into an anchored regexp: metacharacters
// escaped, `*` to `.*`, `?` to `.`.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return regexp.Compile("^" + escaped + "$")
}

// GlobMatch reports whether value matches the glob pattern. A pattern that
// fails to compile matches nothing.
func GlobMatch(pattern, value string) bool {
	re, err := globToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
