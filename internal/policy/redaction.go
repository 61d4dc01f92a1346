// Package policy scrubs text that leaves the process: error details sent
// to clients and upstream response bodies quoted in errors.
package policy

import "regexp"

var (
	bearerPattern    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	queryKeyPattern  = regexp.MustCompile(`(?i)([?&](?:key|api_key|apikey|token|access_token)=)[^&\s"']+`)
	googleKeyPattern = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern      = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Redact masks credentials and common high-risk PII.
func Redact(input string) (redacted string, changed bool) {
	out := input
	replace := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	// Credentials first, so a key inside a URL is not half-matched as PII.
	replace(bearerPattern, "Bearer [REDACTED]")
	replace(queryKeyPattern, "${1}[REDACTED]")
	replace(googleKeyPattern, "[REDACTED_KEY]")
	replace(emailPattern, "[REDACTED_EMAIL]")
	replace(cardPattern, "[REDACTED_CARD]")
	return out, changed
}

// RedactString is Redact without the changed flag.
func RedactString(input string) string {
	out, _ := Redact(input)
	return out
}
