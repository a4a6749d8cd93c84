// Package sentinel classifies the risk of proposed changes and runs the
// tiered verification pipeline over them: static scanning, declared-contract
// checking, and orchestration of an external bounded model checker.
package sentinel

import (
	"fmt"
	"os"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// SupportedRules is the semver constraint the engine accepts for rule packs.
const SupportedRules = "^1.x"

// Rule is one ordered classification rule. Path and Content are regular
// expressions; an empty pattern matches nothing. First match wins.
type Rule struct {
	Name    string              `yaml:"name" json:"name"`
	Grade   contracts.RiskGrade `yaml:"grade" json:"grade"`
	Path    string              `yaml:"path,omitempty" json:"path,omitempty"`
	Content string              `yaml:"content,omitempty" json:"content,omitempty"`
}

// RulePack is a versioned, externally replaceable rule set.
type RulePack struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// LoadPack reads a rule pack from a YAML file. Version and rule validity are
// checked by NewClassifier, not here.
func LoadPack(path string) (RulePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RulePack{}, fmt.Errorf("sentinel: read rule pack %s: %w", path, err)
	}
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return RulePack{}, fmt.Errorf("sentinel: parse rule pack %s: %w", path, err)
	}
	return pack, nil
}

// DefaultPack is the built-in classification rule set.
func DefaultPack() RulePack {
	return RulePack{
		Version: "1.0.0",
		Rules: []Rule{
			{
				Name:  "sensitive-path",
				Grade: contracts.RiskL3,
				Path:  `(?i)auth|login|password|payment|encrypt|migration`,
			},
			{
				Name:    "dynamic-eval",
				Grade:   contracts.RiskL3,
				Content: `\b(?:eval|exec)\(|os\.system\(`,
			},
			{
				Name:  "sql-concat",
				Grade: contracts.RiskL3,
				// Quoted SQL verb adjacent to string concatenation or an
				// interpolating f-string.
				Content: `(?i)["'][^"']*\b(?:select|insert|update|delete)\b[^"']*["']\s*[+%]|(?i)\bf["']\s*(?:select|insert|update|delete)\b`,
			},
			{
				Name:    "crypto-primitives",
				Grade:   contracts.RiskL3,
				Content: `(?i)crypto/(?:aes|cipher|rsa|ecdsa|ed25519)|javax\.crypto|Crypto\.(?:Cipher|PublicKey)|from\s+cryptography|hazmat\.primitives|\bimport\s+(?:hashlib|hmac|secrets)\b`,
			},
			{
				Name:    "external-api",
				Grade:   contracts.RiskL2,
				Content: `(?i)\bhttp\.(?:Get|Post|Client)\b|\brequests\.(?:get|post|put|delete)\(|\bfetch\(|\baxios\.|\burllib\b`,
			},
			{
				Name:    "file-network-io",
				Grade:   contracts.RiskL2,
				Content: `\bos\.(?:Open|Create|Remove|WriteFile|ReadFile)\b|\bopen\(|\bnet\.(?:Dial|Listen)\b|\bsocket\.`,
			},
			{
				Name:  "functional-change",
				Grade: contracts.RiskL2,
				// Definition and control-flow shapes mark the content as
				// code; bare keywords alone would misfile prose.
				Content: `\bfunc\s+\w|\bdef\s+\w+\s*\(|\bfunction\s+\w+\s*\(|\bclass\s+\w+\s*[:(]|=>|:=|\b(?:if|for|while)\s*\(`,
			},
		},
	}
}

type compiledRule struct {
	name    string
	grade   contracts.RiskGrade
	path    *regexp.Regexp
	content *regexp.Regexp
}

// Classifier assigns risk grades by ordered first-match rules.
type Classifier struct {
	version string
	rules   []compiledRule
}

// NewClassifier validates the pack version against SupportedRules and
// compiles its rules.
func NewClassifier(pack RulePack) (*Classifier, error) {
	constraint, err := semver.NewConstraint(SupportedRules)
	if err != nil {
		return nil, fmt.Errorf("sentinel: parse rules constraint: %w", err)
	}
	v, err := semver.NewVersion(pack.Version)
	if err != nil {
		return nil, fmt.Errorf("sentinel: rule pack version %q: %w", pack.Version, err)
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("sentinel: rule pack %s outside supported range %s", pack.Version, SupportedRules)
	}

	c := &Classifier{version: pack.Version}
	for _, r := range pack.Rules {
		if !r.Grade.Valid() {
			return nil, fmt.Errorf("sentinel: rule %q has unknown grade %q", r.Name, r.Grade)
		}
		cr := compiledRule{name: r.Name, grade: r.Grade}
		if r.Path != "" {
			if cr.path, err = regexp.Compile(r.Path); err != nil {
				return nil, fmt.Errorf("sentinel: rule %q path pattern: %w", r.Name, err)
			}
		}
		if r.Content != "" {
			if cr.content, err = regexp.Compile(r.Content); err != nil {
				return nil, fmt.Errorf("sentinel: rule %q content pattern: %w", r.Name, err)
			}
		}
		if cr.path == nil && cr.content == nil {
			return nil, fmt.Errorf("sentinel: rule %q matches nothing", r.Name)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// Version reports the loaded rule pack version.
func (c *Classifier) Version() string { return c.version }

// Classification is the classifier verdict.
type Classification struct {
	Grade contracts.RiskGrade `json:"grade"`
	// Rule names the first matching rule, or "default" / "hint".
	Rule string `json:"rule"`
}

// Classify grades a change by path and content. The caller hint may only
// raise the grade, never lower it.
func (c *Classifier) Classify(path, content string, hint contracts.RiskGrade) Classification {
	out := Classification{Grade: contracts.RiskL1, Rule: "default"}
	for _, r := range c.rules {
		if r.path != nil && r.path.MatchString(path) {
			out = Classification{Grade: r.grade, Rule: r.name}
			break
		}
		if r.content != nil && r.content.MatchString(content) {
			out = Classification{Grade: r.grade, Rule: r.name}
			break
		}
	}
	if hint.Valid() && hint.Rank() > out.Grade.Rank() {
		out = Classification{Grade: hint, Rule: "hint"}
	}
	return out
}
