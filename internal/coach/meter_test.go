package coach

import (
	"math"
	"strings"
	"testing"
)

func TestEstimateTurnCost(t *testing.T) {
	// 4M input chars = 1M input tokens, 4M output chars = 1M output tokens
	input := strings.Repeat("a", 4_000_000)
	output := strings.Repeat("b", 4_000_000)
	got := EstimateTurnCost(input, output)
	want := 0.075 + 0.30
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestEstimateTurnCost_PositiveForAnyText(t *testing.T) {
	if c := EstimateTurnCost("hi", "hello there"); c <= 0 {
		t.Fatalf("expected positive cost, got %v", c)
	}
	if c := EstimateTurnCost("", ""); c != 0 {
		t.Fatalf("expected zero cost for empty turn, got %v", c)
	}
}

func TestBudgetExceeded_InclusiveCeiling(t *testing.T) {
	if BudgetExceeded(49.99, 50.00) {
		t.Fatalf("49.99 must be under a 50.00 ceiling")
	}
	if !BudgetExceeded(50.00, 50.00) {
		t.Fatalf("comparison must be >=")
	}
	if !BudgetExceeded(50.01, 50.00) {
		t.Fatalf("50.01 must exceed a 50.00 ceiling")
	}
}

func TestLockStateTransitions(t *testing.T) {
	allowed := []struct{ from, to LockState }{
		{LockAuth, LockUnlocked},
		{LockUnlocked, LockSafety},
		{LockUnlocked, LockBudget},
		{LockSafety, LockUnlocked},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Fatalf("%s -> %s must be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to LockState }{
		{LockAuth, LockSafety},
		{LockAuth, LockBudget},
		{LockSafety, LockBudget},
		{LockBudget, LockUnlocked},
		{LockBudget, LockSafety},
		{LockUnlocked, LockAuth},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransition(tr.to) {
			t.Fatalf("%s -> %s must be forbidden", tr.from, tr.to)
		}
	}
}
