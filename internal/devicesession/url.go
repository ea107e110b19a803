package devicesession

import (
	"net/url"
	"regexp"
	"strings"

	"kioskqueue/pkg/types"
)

const accessPathPrefix = "/kiosk/s/"

var accessPathRegex = regexp.MustCompile(`(?i)/kiosk/s/([a-z0-9]{8})$`)

// BuildAccessURL returns {base}/kiosk/s/{CODE}
func BuildAccessURL(baseURL, code string) string {
	return strings.TrimRight(baseURL, "/") + accessPathPrefix + types.NormalizeSessionCode(code)
}

// ParseAccessURL extracts the session code from an access URL or bare path.
// Codes are case-insensitive and returned upper-cased.
func ParseAccessURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", types.ErrInvalidSessionCode
	}
	m := accessPathRegex.FindStringSubmatch(strings.TrimRight(u.Path, "/"))
	if m == nil {
		return "", types.ErrInvalidSessionCode
	}
	return strings.ToUpper(m[1]), nil
}
