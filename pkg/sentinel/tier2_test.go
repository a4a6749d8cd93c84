package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

func newChecker(t *testing.T) *Tier2Checker {
	t.Helper()
	c, err := NewTier2Checker()
	require.NoError(t, err)
	return c
}

func specWith(name string, pre, post []string) FunctionSpec {
	return FunctionSpec{Name: name, Contract: Contract{Pre: pre, Post: post}}
}

func TestContractsSatisfiablePass(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("transfer", []string{"args.amount > 0", "args.amount <= 1000"}, []string{"result >= 0"}),
	})
	assert.Empty(t, findings)
}

func TestContractInvalidExpression(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("broken", []string{"args.x >"}, nil),
	})
	f := findByCode(findings, "CONTRACT_INVALID")
	require.NotNil(t, f)
	assert.Equal(t, 2, f.Tier)
	assert.Contains(t, f.Message, "broken")
}

func TestContractClockAccessRejected(t *testing.T) {
	c := newChecker(t)

	// now() is not declared in the contract environment, so clock access
	// cannot even compile.
	findings := c.CheckContracts([]FunctionSpec{
		specWith("timed", []string{"now() < meta.deadline"}, nil),
	})
	require.NotNil(t, findByCode(findings, "CONTRACT_INVALID"))
}

func TestContractFloatLiteralNondeterministic(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("ratio", []string{"args.ratio > 0.5"}, nil),
	})
	f := findByCode(findings, "CONTRACT_NONDETERMINISTIC")
	require.NotNil(t, f)
	assert.Contains(t, f.Message, "floating-point")
}

func TestContradictionAcrossPreAndPost(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("window", []string{"args.x > 5"}, []string{"args.x < 3"}),
	})
	f := findByCode(findings, "LOGICAL_CONTRADICTION")
	require.NotNil(t, f)
	assert.Contains(t, f.Message, "args.x")
}

func TestContradictionWithinOnePredicate(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("conj", []string{"args.x > 5 && args.x < 3"}, nil),
	})
	require.NotNil(t, findByCode(findings, "LOGICAL_CONTRADICTION"))
}

func TestContradictionStrictBoundary(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("edge", []string{"args.n >= 10"}, []string{"args.n < 10"}),
	})
	require.NotNil(t, findByCode(findings, "LOGICAL_CONTRADICTION"))

	// Closed on both sides at the same point is satisfiable.
	findings = c.CheckContracts([]FunctionSpec{
		specWith("pin", []string{"args.n >= 10"}, []string{"args.n <= 10"}),
	})
	assert.Empty(t, findings)
}

func TestContradictionEqualityPin(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("pinned", []string{"args.n == 4"}, []string{"args.n > 7"}),
	})
	require.NotNil(t, findByCode(findings, "LOGICAL_CONTRADICTION"))
}

func TestContradictionReversedOperands(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("mirror", []string{"10 < args.n"}, []string{"args.n < 5"}),
	})
	require.NotNil(t, findByCode(findings, "LOGICAL_CONTRADICTION"))
}

func TestContradictionNegativeLiterals(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("subzero", []string{"args.t > -5"}, []string{"args.t < -10"}),
	})
	require.NotNil(t, findByCode(findings, "LOGICAL_CONTRADICTION"))
}

func TestDisjunctionIsNotAsserted(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("either", []string{"args.x > 5 || args.x < 3"}, nil),
	})
	assert.Empty(t, findings)
}

func TestVariablesTrackedSeparately(t *testing.T) {
	c := newChecker(t)

	findings := c.CheckContracts([]FunctionSpec{
		specWith("pair", []string{"args.a > 5", "args.b < 3"}, nil),
	})
	assert.Empty(t, findings)
}

func TestEvaluatePredicate(t *testing.T) {
	c := newChecker(t)

	ok, err := c.Evaluate("args.x > 0", map[string]any{
		"args": map[string]any{"x": 5},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Evaluate("args.x > 0", map[string]any{
		"args": map[string]any{"x": -1},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateRequiresBoolean(t *testing.T) {
	c := newChecker(t)

	_, err := c.Evaluate("args.x", map[string]any{
		"args": map[string]any{"x": 5},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}

func TestCitationDepthLimit(t *testing.T) {
	longCtx := "Before context sentence one. Before two. The quoted claim itself. After one. After two."

	findings := CheckCitations([]Citation{
		{URL: "https://example.com/paper", Depth: 2, Context: longCtx},
	})
	assert.Empty(t, findings)

	findings = CheckCitations([]Citation{
		{URL: "https://example.com/paper", Depth: 3, Context: longCtx},
	})
	f := findByCode(findings, string(contracts.KindCitationDepthExceeded))
	require.NotNil(t, f)
	assert.Equal(t, contracts.SeverityError, f.Severity)
}

func TestCitationContextWindow(t *testing.T) {
	findings := CheckCitations([]Citation{
		{URL: "https://example.com", Depth: 1, Context: "Too thin."},
	})
	require.NotNil(t, findByCode(findings, "CITATION_CONTEXT_THIN"))

	// Five sentences satisfy the window even under 200 characters.
	findings = CheckCitations([]Citation{
		{URL: "https://example.com", Depth: 1, Context: "One. Two. Three. Four. Five."},
	})
	assert.Empty(t, findings)

	// So does a long single passage.
	findings = CheckCitations([]Citation{
		{URL: "https://example.com", Depth: 1, Context: strings200()},
	})
	assert.Empty(t, findings)
}

func TestCitationRequiresURL(t *testing.T) {
	findings := CheckCitations([]Citation{{Depth: 0, Context: "Anything."}})
	require.NotNil(t, findByCode(findings, "CITATION_SOURCE_MISSING"))
}

func strings200() string {
	out := make([]byte, 200)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}
