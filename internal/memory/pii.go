package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// PIIFinding describes one detected PII occurrence.
type PIIFinding struct {
	Kind  string `json:"kind"`
	Match string `json:"match"` // Truncated; never the full value
}

// PIIValidator is a custom detector plugged into the scanner alongside the
// built-in regex set.
type PIIValidator func(content string) []PIIFinding

// piiScanner detects PII shapes in content: emails, credit-card-like numbers,
// bearer tokens, and API key prefixes.
type piiScanner struct {
	patterns   map[string]*regexp.Regexp
	validators []PIIValidator
}

var builtinPatterns = map[string]string{
	"email":       `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
	"credit_card": `\b(?:\d[ \-]?){13,16}\b`,
	"bearer":      `(?i)bearer\s+[a-zA-Z0-9_\-.~+/]{16,}`,
	"api_key":     `\b(?:sk|pk|rk|ak)[-_](?:live|test|prod)?[-_]?[a-zA-Z0-9]{16,}\b`,
}

func newPIIScanner(validators ...PIIValidator) *piiScanner {
	s := &piiScanner{
		patterns:   make(map[string]*regexp.Regexp, len(builtinPatterns)),
		validators: validators,
	}
	for kind, pat := range builtinPatterns {
		s.patterns[kind] = regexp.MustCompile(pat)
	}
	return s
}

// Scan returns every finding in content. Credit-card candidates must also
// pass a Luhn check to keep false positives down.
func (s *piiScanner) Scan(content string) []PIIFinding {
	var findings []PIIFinding
	for kind, re := range s.patterns {
		for _, match := range re.FindAllString(content, -1) {
			if kind == "credit_card" && !luhnValid(match) {
				continue
			}
			findings = append(findings, PIIFinding{Kind: kind, Match: truncate(match, 12)})
		}
	}
	for _, v := range s.validators {
		findings = append(findings, v(content)...)
	}
	return findings
}

// Redact replaces every finding with a kind-tagged placeholder. The original
// content is the caller's to preserve.
func (s *piiScanner) Redact(content string) string {
	for kind, re := range s.patterns {
		kind := kind
		content = re.ReplaceAllStringFunc(content, func(match string) string {
			if kind == "credit_card" && !luhnValid(match) {
				return match
			}
			return fmt.Sprintf("[REDACTED:%s]", kind)
		})
	}
	return content
}

// luhnValid runs the Luhn checksum over the digits of a candidate number.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
