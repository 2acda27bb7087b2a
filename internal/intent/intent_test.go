package intent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/imld/daemon/internal/iml"
)

type fakeProvider struct {
	resp  *Response
	err   error
	delay time.Duration
}

func (p *fakeProvider) Review(ctx context.Context, _ string) (*Response, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.resp, p.err
}

func samplePlan() *iml.Plan {
	return &iml.Plan{
		PlanID: "p1",
		Actions: []*iml.Action{
			{ID: "a1", Module: "fs", Action: "delete_file", Params: map[string]interface{}{"path": "/etc/passwd"}},
		},
	}
}

func TestReviewPassesThroughApprove(t *testing.T) {
	v := &Verifier{Provider: &fakeProvider{resp: &Response{Verdict: Approve}}, Timeout: time.Second}
	resp := v.Review(context.Background(), samplePlan())
	if resp.Verdict != Approve {
		t.Errorf("Verdict = %q, want approve", resp.Verdict)
	}
}

func TestReviewMapsProviderErrorToWarn(t *testing.T) {
	v := &Verifier{Provider: &fakeProvider{err: context.DeadlineExceeded}, Timeout: time.Second}
	resp := v.Review(context.Background(), samplePlan())
	if resp.Verdict != Warn {
		t.Errorf("Verdict = %q, want warn on provider error", resp.Verdict)
	}
}

func TestReviewMapsTimeoutToWarn(t *testing.T) {
	v := &Verifier{Provider: &fakeProvider{resp: &Response{Verdict: Approve}, delay: 100 * time.Millisecond}, Timeout: 10 * time.Millisecond}
	resp := v.Review(context.Background(), samplePlan())
	if resp.Verdict != Warn {
		t.Errorf("Verdict = %q, want warn on timeout", resp.Verdict)
	}
}

func TestReviewClarifyResolvesToRejectWhenStrict(t *testing.T) {
	v := &Verifier{Provider: &fakeProvider{resp: &Response{Verdict: Clarify}}, Strictness: Strict, Timeout: time.Second}
	resp := v.Review(context.Background(), samplePlan())
	if resp.Verdict != Reject {
		t.Errorf("Verdict = %q, want reject (strict clarify resolution)", resp.Verdict)
	}
}

func TestReviewClarifyResolvesToWarnWhenLenient(t *testing.T) {
	v := &Verifier{Provider: &fakeProvider{resp: &Response{Verdict: Clarify}}, Strictness: Lenient, Timeout: time.Second}
	resp := v.Review(context.Background(), samplePlan())
	if resp.Verdict != Warn {
		t.Errorf("Verdict = %q, want warn (lenient clarify resolution)", resp.Verdict)
	}
}

func TestBuildPromptIncludesActionAndTargetPath(t *testing.T) {
	prompt := BuildPrompt(samplePlan())
	if !strings.Contains(prompt, "fs.delete_file") || !strings.Contains(prompt, "/etc/passwd") {
		t.Errorf("prompt = %q, want it to mention the action and target path", prompt)
	}
}
