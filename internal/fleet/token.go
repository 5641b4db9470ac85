package fleet

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`^[0-9]{9}:[A-Za-z0-9_-]{35}$`)

// ValidTokenFormat reports whether token has the shape of a provider bot
// credential: nine digits, a colon, and 35 URL-safe characters.
func ValidTokenFormat(token string) bool {
	return tokenPattern.MatchString(strings.TrimSpace(token))
}
