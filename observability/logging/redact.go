package logging

import (
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// MaskDSN hides the password of a database DSN and keeps the rest, so
// operators can still see which host or file failed. URL DSNs
// (postgres://user:pw@host/db) and key/value DSNs (host=db password=pw) are
// understood; sqlite paths carry no credentials and are returned unchanged.
func MaskDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return RedactedValue
		}
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "redacted")
		}
		return u.String()
	}
	if !strings.Contains(dsn, "=") {
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, field := range fields {
		key, _, found := strings.Cut(field, "=")
		if found && strings.EqualFold(key, "password") {
			fields[i] = key + "=" + RedactedValue
		}
	}
	return strings.Join(fields, " ")
}
