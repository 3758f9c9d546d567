// Package analysis routes a finalized recording through the post-call
// pipeline (storage upload, then backend transcription + scam scoring) and
// extracts a structured verdict from the backend's free-text analysis.
package analysis

import (
	"regexp"
	"strconv"
)

// Severity of a verdict.
type Severity string

const (
	SeveritySafe    Severity = "safe"
	SeverityWarning Severity = "warning"
)

const (
	warningMessage = "Warning: This call has a high likelihood of being a scam!"
	safeMessage    = "This call appears safe."
)

// Verdict is the user-facing outcome of one call's scam analysis.
type Verdict struct {
	Severity   Severity
	Message    string
	Likelihood int // parsed percentage, 0..100
}

// likelihoodRe matches the backend's "**Scam Likelihood**: NN%" line.
// The label match is case-insensitive; the first integer match wins.
var likelihoodRe = regexp.MustCompile(`(?i)\*\*Scam Likelihood\*\*:\s*([0-9]+)%`)

// ParseVerdict extracts a verdict from unstructured scam-analysis text.
// Returns (nil, false) when the text contains no likelihood line; the caller
// surfaces nothing in that case.
func ParseVerdict(text string) (*Verdict, bool) {
	m := likelihoodRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	likelihood, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}
	v := &Verdict{Likelihood: likelihood}
	if likelihood >= 50 {
		v.Severity = SeverityWarning
		v.Message = warningMessage
	} else {
		v.Severity = SeveritySafe
		v.Message = safeMessage
	}
	return v, true
}
