package redact

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
)

// Redactor masks PII in transcript text before it reaches logs.
type Redactor struct {
	enabled bool
}

func New(enabled bool) Redactor {
	return Redactor{enabled: enabled}
}

// Enabled returns true when redaction is active.
func (r Redactor) Enabled() bool {
	return r.enabled
}

// Text redacts emails, card-like digit runs and phone numbers when enabled.
func (r Redactor) Text(in string) string {
	if !r.enabled || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_CARD]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}
