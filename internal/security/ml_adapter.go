package security

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/imld/daemon/internal/iml"
)

// MLAdapterScanner wraps an external classifier HTTP call behind a circuit
// breaker, the same three-layer resilience shape the teacher's
// CapabilityProvider uses for its external capability calls: try the call,
// trip the breaker on sustained failure, and on timeout/error/open-breaker
// return WARN with a visible finding rather than failing silently.
type MLAdapterScanner struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewMLAdapterScanner(url string, timeout time.Duration) *MLAdapterScanner {
	settings := gobreaker.Settings{
		Name:        "ml-adapter",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
	return &MLAdapterScanner{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (MLAdapterScanner) Name() string { return "ml_adapter" }

type mlClassifyResponse struct {
	Verdict    string   `json:"verdict"`
	RiskScore  float64  `json:"risk_score"`
	ThreatType string   `json:"threat_type,omitempty"`
	Findings   []string `json:"findings,omitempty"`
}

func (m *MLAdapterScanner) Scan(ctx context.Context, plan *iml.Plan) (Result, error) {
	body, err := planJSON(plan)
	if err != nil {
		return Result{}, err
	}

	raw, err := m.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var out mlClassifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	})

	if err != nil {
		// Fail-open with visibility: timeout, transport error, or an open
		// breaker all become a WARN finding, never a silent PASS.
		return Result{
			Verdict:   Warn,
			RiskScore: 0.5,
			Findings: []Finding{{
				Scanner:     m.Name(),
				Description: "ml adapter unavailable: " + err.Error(),
				ThreatType:  "ml_adapter_unavailable",
			}},
		}, nil
	}

	resp := raw.(mlClassifyResponse)
	res := Result{Verdict: Verdict(resp.Verdict), RiskScore: resp.RiskScore}
	for _, f := range resp.Findings {
		res.Findings = append(res.Findings, Finding{Scanner: m.Name(), Description: f, ThreatType: resp.ThreatType})
	}
	return res, nil
}
