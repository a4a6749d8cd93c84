package sentinel

import "golang.org/x/text/unicode/norm"

// Redact replaces credential and PII matches with a labeled placeholder.
// Ledger payloads built from caller-supplied text must pass through here
// before they are canonicalized, so no committed entry ever carries secret
// or personal material.
func Redact(s string) string {
	text := norm.NFKC.String(s)
	for _, r := range credentialRules {
		text = r.re.ReplaceAllString(text, "[REDACTED:"+r.label+"]")
	}
	for _, r := range piiRules {
		text = r.re.ReplaceAllString(text, "[REDACTED:"+r.label+"]")
	}
	return text
}

// RedactValue walks a decoded JSON document and redacts every string leaf.
func RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RedactValue(val)
		}
		return out
	default:
		return v
	}
}
