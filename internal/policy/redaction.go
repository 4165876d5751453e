package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{3,}`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]+`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactCredentials masks API keys and bearer tokens.
func RedactCredentials(input string) string {
	out := bearerPattern.ReplaceAllString(input, "Bearer [REDACTED_TOKEN]")
	return apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
}

// ForLog prepares user, page, or upstream text for a log line: credentials and
// PII are masked and the result is capped at max runes (0 means no cap).
func ForLog(input string, max int) string {
	out, _ := RedactPII(RedactCredentials(input))
	if max > 0 {
		if r := []rune(out); len(r) > max {
			return string(r[:max]) + "..."
		}
	}
	return out
}
