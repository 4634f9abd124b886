package forwarder

import (
	"regexp"
	"sort"
	"strings"
)

// Redacted replaces sensitive field names in error text.
const Redacted = "[REDACTED]"

// Redactor masks configured sensitive field names in error messages.
// Only the names are replaced; values next to them are left as they are.
type Redactor struct {
	pattern *regexp.Regexp
}

// NewRedactor compiles a case-insensitive matcher for the given names.
// Longer names are tried first so "api_secret" wins over "secret".
func NewRedactor(fields []string) *Redactor {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			names = append(names, regexp.QuoteMeta(f))
		}
	}
	if len(names) == 0 {
		return &Redactor{}
	}
	sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return &Redactor{pattern: regexp.MustCompile("(?i)(" + strings.Join(names, "|") + ")")}
}

// FilterSensitiveErrorMessage replaces every sensitive field name in text.
func (r *Redactor) FilterSensitiveErrorMessage(text string) string {
	if r == nil || r.pattern == nil || text == "" {
		return text
	}
	return r.pattern.ReplaceAllLiteralString(text, Redacted)
}
