package executor

import "testing"

func TestApprovalGateOpenRejectsDuplicatePending(t *testing.T) {
	g := NewApprovalGate()
	if _, err := g.Open("p1", "a1"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := g.Open("p1", "a1"); err == nil {
		t.Fatal("expected an error opening a second approval for the same action")
	}
}

func TestApprovalGateResolveDeliversDecision(t *testing.T) {
	g := NewApprovalGate()
	ch, err := g.Open("p1", "a1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := g.Resolve("p1", "a1", ApprovalDecision{Kind: ApprovalApprove}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case d := <-ch:
		if d.Kind != ApprovalApprove {
			t.Errorf("decision kind = %q, want approve", d.Kind)
		}
	default:
		t.Fatal("expected the decision to be immediately available on the buffered channel")
	}
}

func TestApprovalGateResolveWithoutOpenErrors(t *testing.T) {
	g := NewApprovalGate()
	if err := g.Resolve("p1", "a1", ApprovalDecision{Kind: ApprovalApprove}); err == nil {
		t.Fatal("expected an error resolving a non-existent approval")
	}
}

func TestApprovalGateResolveAllowsReopenAfterward(t *testing.T) {
	g := NewApprovalGate()
	g.Open("p1", "a1")
	g.Resolve("p1", "a1", ApprovalDecision{Kind: ApprovalReject})

	if _, err := g.Open("p1", "a1"); err != nil {
		t.Fatalf("expected re-opening after resolution to succeed, got %v", err)
	}
}

func TestApprovalGateCancelDropsPendingWithoutDelivering(t *testing.T) {
	g := NewApprovalGate()
	g.Open("p1", "a1")
	g.Cancel("p1", "a1")

	if err := g.Resolve("p1", "a1", ApprovalDecision{Kind: ApprovalApprove}); err == nil {
		t.Fatal("expected Resolve to fail after Cancel removed the pending entry")
	}
}
