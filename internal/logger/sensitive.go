package logger

import (
	"net/url"
	"regexp"
)

// sensitiveDataPatterns match credentials that must not reach log output
var sensitiveDataPatterns = []*regexp.Regexp{
	// Auth tokens (Bearer, JWT)
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9-._~+/]+=*)`),
	// API keys, tokens, secrets and passwords in key=value form
	regexp.MustCompile(`(?i)((api|access|auth|token|secret|key|passw(or)?d)[0-9a-z\-_\.]*[\s:=]+)([^;,\s]{5,})`),
	// user:password@ in DSNs
	regexp.MustCompile(`([A-Za-z0-9_.\-]+:)([^@/\s]+)(@)`),
}

// RedactSensitiveData replaces credentials in input with "[REDACTED]".
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}

	for i, pattern := range sensitiveDataPatterns {
		if i == len(sensitiveDataPatterns)-1 {
			input = pattern.ReplaceAllString(input, "$1[REDACTED]$3")
			continue
		}
		input = pattern.ReplaceAllString(input, "$1[REDACTED]")
	}

	return input
}

// RedactURL strips the password from a URL such as a broker or Sentry DSN.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}
