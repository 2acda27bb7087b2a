package security

import (
	"context"

	"github.com/imld/daemon/internal/iml"
	"github.com/imld/daemon/internal/intent"
)

// IntentVerifierScanner adapts the LLM-backed intent verifier into the
// scanner pipeline's uniform contract, so it composes with the heuristic
// and ML-adapter tiers as the pipeline's final, slowest stage.
type IntentVerifierScanner struct {
	Verifier *intent.Verifier
}

func (IntentVerifierScanner) Name() string { return "intent_verifier" }

func (s IntentVerifierScanner) Scan(ctx context.Context, plan *iml.Plan) (Result, error) {
	resp := s.Verifier.Review(ctx, plan)

	var v Verdict
	switch resp.Verdict {
	case intent.Approve:
		v = Pass
	case intent.Warn:
		v = Warn
	case intent.Reject:
		v = Reject
	default:
		v = Warn
	}

	res := Result{Verdict: v}
	if resp.ThreatType != intent.ThreatNone && resp.Rationale != "" {
		res.Findings = append(res.Findings, Finding{
			Scanner:     s.Name(),
			Description: resp.Rationale,
			ThreatType:  string(resp.ThreatType),
		})
	}
	switch v {
	case Reject:
		res.RiskScore = 0.95
	case Warn:
		res.RiskScore = 0.5
	}
	return res, nil
}
