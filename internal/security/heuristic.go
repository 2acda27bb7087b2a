package security

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/imld/daemon/internal/iml"
	"github.com/imld/daemon/internal/sanitize"
)

// injectionMotifs reuses the output sanitiser's seed set so the two stages
// can't drift apart on what counts as a recognised prompt-injection motif.
var injectionMotifs = sanitize.Motifs

// suspiciousPathPrefixes flags common privilege-escalation / system-file
// targets. Also a seed set, not exhaustive.
var suspiciousPathPrefixes = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/root/.ssh",
	"c:\\windows\\system32",
}

// commandInjectionMotifs are shell metacharacter sequences frequently used
// to chain or substitute commands.
var commandInjectionMotifs = []string{
	"; rm -rf",
	"&& rm -rf",
	"| sh",
	"$(",
	"`",
}

// HeuristicScanner is a pure function over the plan's JSON document: no
// I/O, target latency well under a millisecond for ordinary plans.
type HeuristicScanner struct{}

func (HeuristicScanner) Name() string { return "heuristic" }

func (h HeuristicScanner) Scan(_ context.Context, plan *iml.Plan) (Result, error) {
	res := Result{Verdict: Pass}

	for _, a := range plan.Actions {
		walkStrings(a.Params, func(s string) {
			normalised := norm.NFKC.String(s)
			lower := strings.ToLower(normalised)

			for _, motif := range injectionMotifs {
				if strings.Contains(lower, motif) {
					res = escalate(res, Reject, 0.9, Finding{
						Scanner: h.Name(), Description: "prompt-injection motif: " + motif, ThreatType: "prompt_injection",
					})
				}
			}
			for _, motif := range commandInjectionMotifs {
				if strings.Contains(lower, motif) {
					res = escalate(res, Reject, 0.85, Finding{
						Scanner: h.Name(), Description: "command-injection motif: " + motif, ThreatType: "command_injection",
					})
				}
			}
			for _, prefix := range suspiciousPathPrefixes {
				if strings.HasPrefix(lower, prefix) {
					res = escalate(res, Warn, 0.6, Finding{
						Scanner: h.Name(), Description: "suspicious path prefix: " + prefix, ThreatType: "sensitive_path",
					})
				}
			}
			if hasHomoglyphOrZeroWidth(normalised) {
				res = escalate(res, Warn, 0.4, Finding{
					Scanner: h.Name(), Description: "homoglyph or zero-width characters detected", ThreatType: "obfuscation",
				})
			}
			if looksBase64Encoded(s) {
				res = escalate(res, Warn, 0.3, Finding{
					Scanner: h.Name(), Description: "encoded payload motif detected", ThreatType: "obfuscation",
				})
			}
		})
	}

	return res, nil
}

func escalate(res Result, v Verdict, score float64, f Finding) Result {
	if v.severity() > res.Verdict.severity() {
		res.Verdict = v
	}
	if score > res.RiskScore {
		res.RiskScore = score
	}
	res.Findings = append(res.Findings, f)
	return res
}

// walkStrings visits every string leaf in a decoded params tree.
func walkStrings(v interface{}, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]interface{}:
		for _, vv := range t {
			walkStrings(vv, fn)
		}
	case []interface{}:
		for _, vv := range t {
			walkStrings(vv, fn)
		}
	}
}

var zeroWidthRunes = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\ufeff': true, // byte order mark / zero width no-break space
}

func hasHomoglyphOrZeroWidth(s string) bool {
	for _, r := range s {
		if zeroWidthRunes[r] {
			return true
		}
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}

// looksBase64Encoded is a loose heuristic: a long run of base64 alphabet
// characters with no whitespace is worth a WARN, not a REJECT.
func looksBase64Encoded(s string) bool {
	if len(s) < 40 {
		return false
	}
	count := 0
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '/' || r == '=' {
			count++
		} else {
			return false
		}
	}
	return count >= 40
}
