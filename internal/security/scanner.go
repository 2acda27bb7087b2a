// Package security implements the ordered admission-control pipeline: a
// fold over a list of scanners sharing one small contract, modelled on the
// teacher's swappable CapabilityProvider backend pattern.
package security

import (
	"context"
	"encoding/json"

	"github.com/imld/daemon/internal/iml"
)

// Verdict is a scanner (or the pipeline's aggregate) outcome.
type Verdict string

const (
	Pass   Verdict = "PASS"
	Warn   Verdict = "WARN"
	Reject Verdict = "REJECT"
)

// severity orders verdicts for the pipeline's max-severity aggregation.
func (v Verdict) severity() int {
	switch v {
	case Reject:
		return 2
	case Warn:
		return 1
	default:
		return 0
	}
}

// Finding is one concrete observation a scanner attaches to its result.
type Finding struct {
	Scanner     string `json:"scanner"`
	Description string `json:"description"`
	ThreatType  string `json:"threat_type,omitempty"`
}

// Result is a single scanner's verdict.
type Result struct {
	Verdict   Verdict
	RiskScore float64
	Findings  []Finding
}

// Scanner is the pipeline's uniform contract.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, plan *iml.Plan) (Result, error)
}

// Pipeline is an ordered, idempotent fold over its scanners: the same plan
// scanned twice in the same configuration produces the same aggregate.
type Pipeline struct {
	scanners []Scanner
}

func NewPipeline(scanners ...Scanner) *Pipeline {
	return &Pipeline{scanners: scanners}
}

// AggregateResult is the pipeline's combined verdict: max severity, max
// risk score, concatenated findings — across every configured scanner.
type AggregateResult struct {
	Verdict   Verdict
	RiskScore float64
	Findings  []Finding
}

// Run executes every scanner in configured order. REJECT from any scanner
// does not short-circuit the remaining scanners — all findings are
// collected so the rejection surfaced to the LLM is as informative as
// possible — but the aggregate verdict is REJECT regardless of order.
func (p *Pipeline) Run(ctx context.Context, plan *iml.Plan) (AggregateResult, error) {
	agg := AggregateResult{Verdict: Pass}
	for _, s := range p.scanners {
		res, err := s.Scan(ctx, plan)
		if err != nil {
			// A scanner erroring is itself fail-open-with-visibility: treat as
			// WARN with a synthetic finding, never silent PASS.
			res = Result{
				Verdict:   Warn,
				RiskScore: 0.5,
				Findings:  []Finding{{Scanner: s.Name(), Description: "scanner error: " + err.Error()}},
			}
		}
		if res.Verdict.severity() > agg.Verdict.severity() {
			agg.Verdict = res.Verdict
		}
		if res.RiskScore > agg.RiskScore {
			agg.RiskScore = res.RiskScore
		}
		agg.Findings = append(agg.Findings, res.Findings...)
	}
	return agg, nil
}

// planJSON renders the plan back to JSON for scanners that send the raw
// document rather than the typed struct (the ML adapter's request body).
func planJSON(plan *iml.Plan) ([]byte, error) {
	return json.Marshal(plan)
}
