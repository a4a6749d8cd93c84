package sentinel

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

type scanRule struct {
	code     string
	severity contracts.Severity
	label    string
	re       *regexp.Regexp
}

// Findings never echo matched secret or PII material, only what was found
// and where.
var credentialRules = []scanRule{
	{
		code: "CREDENTIAL_MATERIAL", severity: contracts.SeverityError, label: "api key assignment",
		re: regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|client[_-]?secret|access[_-]?token|auth[_-]?token)\s*[:=]\s*["'][A-Za-z0-9_\-/+=]{8,}["']`),
	},
	{
		code: "CREDENTIAL_MATERIAL", severity: contracts.SeverityError, label: "password assignment",
		re: regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*["'][^"']{4,}["']`),
	},
	{
		code: "CREDENTIAL_MATERIAL", severity: contracts.SeverityError, label: "private key block",
		re: regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )*PRIVATE KEY-----`),
	},
	{
		code: "CREDENTIAL_MATERIAL", severity: contracts.SeverityWarn, label: "certificate block",
		re: regexp.MustCompile(`-----BEGIN CERTIFICATE-----`),
	},
}

var piiRules = []scanRule{
	{
		code: "PII_PRESENT", severity: contracts.SeverityError, label: "national id",
		re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		code: "PII_PRESENT", severity: contracts.SeverityError, label: "payment card number",
		re: regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`),
	},
	{
		code: "PII_PRESENT", severity: contracts.SeverityWarn, label: "email address",
		re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
}

// Complexity thresholds per function.
const (
	ComplexityWarnAt = 10
	ComplexityFailAt = 20
)

// ScanTier1 runs the static tier: credential and PII detection over the
// NFKC-normalized content, plus cyclomatic complexity.
//
// Normalization happens before matching so that fullwidth or composed
// look-alike characters cannot slip a literal past the patterns.
func ScanTier1(path, content string) []contracts.Finding {
	text := norm.NFKC.String(content)

	var findings []contracts.Finding
	for _, r := range credentialRules {
		findings = appendScan(findings, r, text)
	}
	for _, r := range piiRules {
		findings = appendScan(findings, r, text)
	}

	fn, cc, ok := MaxComplexity(path, text)
	switch {
	case !ok:
	case cc > ComplexityFailAt:
		findings = append(findings, contracts.Finding{
			Tier:     1,
			Code:     "COMPLEXITY_EXCESSIVE",
			Severity: contracts.SeverityError,
			Message:  fmt.Sprintf("%s: cyclomatic complexity %d exceeds %d", fn, cc, ComplexityFailAt),
		})
	case cc > ComplexityWarnAt:
		findings = append(findings, contracts.Finding{
			Tier:     1,
			Code:     "COMPLEXITY_HIGH",
			Severity: contracts.SeverityWarn,
			Message:  fmt.Sprintf("%s: cyclomatic complexity %d exceeds %d", fn, cc, ComplexityWarnAt),
		})
	}
	return findings
}

func appendScan(findings []contracts.Finding, r scanRule, text string) []contracts.Finding {
	loc := r.re.FindStringIndex(text)
	if loc == nil {
		return findings
	}
	return append(findings, contracts.Finding{
		Tier:     1,
		Code:     r.code,
		Severity: r.severity,
		Message:  r.label,
		Line:     1 + strings.Count(text[:loc[0]], "\n"),
	})
}

// failed reports whether any finding carries error severity.
func failed(findings []contracts.Finding) bool {
	for _, f := range findings {
		if f.Severity == contracts.SeverityError {
			return true
		}
	}
	return false
}
