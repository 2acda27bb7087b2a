// Package intent implements the LLM-backed semantic plan reviewer: the
// last, slowest scanner tier. Timeouts and non-parseable responses map to
// WARN, never silent PASS, matching the other scanners' fail-open policy.
package intent

import (
	"context"
	"time"

	"github.com/imld/daemon/internal/iml"
)

// Verdict is the intent verifier's four-valued outcome.
type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
	Warn    Verdict = "warn"
	Clarify Verdict = "clarify"
)

// ThreatType is one of the eight enumerated semantic threat categories the
// verifier classifies against.
type ThreatType string

const (
	ThreatDataExfiltration   ThreatType = "data_exfiltration"
	ThreatDestructiveAction  ThreatType = "destructive_action"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatSocialEngineering  ThreatType = "social_engineering"
	ThreatResourceAbuse      ThreatType = "resource_abuse"
	ThreatScopeCreep         ThreatType = "scope_creep"
	ThreatAmbiguousIntent    ThreatType = "ambiguous_intent"
	ThreatNone               ThreatType = "none"
)

// Response is the verifier's structured JSON response.
type Response struct {
	Verdict         Verdict    `json:"verdict"`
	ThreatType      ThreatType `json:"threat_type"`
	Rationale       string     `json:"rationale"`
	Recommendations []string   `json:"recommendations,omitempty"`
}

// Provider is an LLM backend the intent verifier can dispatch to. Exactly
// one is selected by configuration (security.intent_verifier.provider).
type Provider interface {
	Review(ctx context.Context, prompt string) (*Response, error)
}

// Strictness controls how `clarify` is handled.
type Strictness string

const (
	Strict  Strictness = "strict"
	Lenient Strictness = "lenient"
)

// Verifier composes the review prompt and dispatches to the configured
// provider.
type Verifier struct {
	Provider   Provider
	Strictness Strictness
	Timeout    time.Duration
}

// Review inspects plan and returns a verdict, never erroring on a timeout
// or unparseable provider response — those map to Warn.
func (v *Verifier) Review(ctx context.Context, plan *iml.Plan) *Response {
	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	prompt := BuildPrompt(plan)
	resp, err := v.Provider.Review(ctx, prompt)
	if err != nil || resp == nil {
		return &Response{
			Verdict:    Warn,
			ThreatType: ThreatAmbiguousIntent,
			Rationale:  "intent verifier unavailable or returned an unparseable response",
		}
	}

	if resp.Verdict == Clarify {
		if v.Strictness == Strict {
			resp.Verdict = Reject
		} else {
			resp.Verdict = Warn
		}
	}
	return resp
}

// BuildPrompt composes a prompt describing the plan's actions, target
// paths, and any params that look like sensitive resources, for the
// configured LLM provider to review.
func BuildPrompt(plan *iml.Plan) string {
	b := "Review the following action plan for unsafe intent.\n\n"
	for _, a := range plan.Actions {
		b += "- " + a.Module + "." + a.Action
		if target, ok := a.Params["path"]; ok {
			b += " (target: " + toString(target) + ")"
		}
		b += "\n"
	}
	b += "\nRespond with JSON: {\"verdict\": \"approve|reject|warn|clarify\", \"threat_type\": \"...\", \"rationale\": \"...\", \"recommendations\": [...] }"
	return b
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
