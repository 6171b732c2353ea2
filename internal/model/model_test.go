package model

import "testing"

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusAccepted, StatusFailed, StatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s: expected terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusBlocked, StatusReady, StatusCompiling,
		StatusRunning, StatusVerifying, StatusNeedsReview, StatusRejected}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("%s: expected non-terminal", s)
		}
	}
}

func TestStatus_Transient(t *testing.T) {
	for _, s := range []Status{StatusCompiling, StatusRunning, StatusVerifying, StatusNeedsReview} {
		if !s.Transient() {
			t.Fatalf("%s: expected transient", s)
		}
	}
	if StatusReady.Transient() {
		t.Fatalf("ready must not be transient")
	}
}

func TestRiskRank_OrdersLowMediumHigh(t *testing.T) {
	if RiskRank("low") != 0 || RiskRank("medium") != 1 || RiskRank("high") != 2 {
		t.Fatalf("unexpected ranks: low=%d medium=%d high=%d",
			RiskRank("low"), RiskRank("medium"), RiskRank("high"))
	}
	// Unknown risk ranks as medium.
	if RiskRank("bogus") != 1 {
		t.Fatalf("unknown risk: got %d want 1", RiskRank("bogus"))
	}
}

func TestNewWorkItem_Defaults(t *testing.T) {
	wi := NewWorkItem("add-auth")
	if wi.ID != "add-auth" {
		t.Fatalf("id: got %q", wi.ID)
	}
	if wi.Risk != "medium" {
		t.Fatalf("risk: got %q want medium", wi.Risk)
	}
	if wi.Status != StatusPending {
		t.Fatalf("status: got %q want pending", wi.Status)
	}
	if wi.MaxRetries != 3 {
		t.Fatalf("max retries: got %d want 3", wi.MaxRetries)
	}
	if wi.MaxDurationSec != 600 {
		t.Fatalf("max duration: got %d want 600", wi.MaxDurationSec)
	}
}
