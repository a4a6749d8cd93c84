package sentinel

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Citation policy limits. A citation may sit at most two hops from the
// claim it supports, and must carry enough surrounding context to judge the
// quote: two sentences on each side of it, or 200 characters.
const (
	CitationMaxDepth     = 2
	CitationMinContext   = 200
	citationMinSentences = 5
)

// Citation is one source reference attached to a claim.
type Citation struct {
	URL     string `json:"url"`
	Depth   int    `json:"depth"`
	Context string `json:"context"`
}

var sentenceEnd = regexp.MustCompile(`[.!?](?:\s|$)`)

// CheckCitations enforces the citation policy over every reference.
func CheckCitations(cites []Citation) []contracts.Finding {
	var findings []contracts.Finding
	for i, c := range cites {
		if strings.TrimSpace(c.URL) == "" {
			findings = append(findings, contracts.Finding{
				Tier:     2,
				Code:     "CITATION_SOURCE_MISSING",
				Severity: contracts.SeverityError,
				Message:  fmt.Sprintf("citation %d has no source url", i),
			})
			continue
		}
		if c.Depth > CitationMaxDepth {
			findings = append(findings, contracts.Finding{
				Tier:     2,
				Code:     string(contracts.KindCitationDepthExceeded),
				Severity: contracts.SeverityError,
				Message:  fmt.Sprintf("citation %d is %d hops from the claim, limit is %d", i, c.Depth, CitationMaxDepth),
			})
		}
		if !contextAdequate(c.Context) {
			findings = append(findings, contracts.Finding{
				Tier:     2,
				Code:     "CITATION_CONTEXT_THIN",
				Severity: contracts.SeverityError,
				Message:  fmt.Sprintf("citation %d needs %d sentences or %d characters of context", i, citationMinSentences, CitationMinContext),
			})
		}
	}
	return findings
}

func contextAdequate(ctx string) bool {
	ctx = strings.TrimSpace(ctx)
	if len(ctx) >= CitationMinContext {
		return true
	}
	return len(sentenceEnd.FindAllStringIndex(ctx, -1)) >= citationMinSentences
}
