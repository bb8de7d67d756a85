package stage_test

import (
	"testing"

	"flowline/internal/stage"
)

func TestTableIsTotal(t *testing.T) {
	for _, s := range stage.All() {
		if !stage.Valid(s) {
			t.Fatalf("stage %s missing from transition table", s)
		}
		for _, next := range stage.NextStages(s) {
			if !stage.Valid(next) {
				t.Fatalf("stage %s transitions to unknown stage %s", s, next)
			}
		}
	}
}

func TestTerminalHasNoExits(t *testing.T) {
	if !stage.Terminal(stage.Done) {
		t.Fatalf("done must be terminal")
	}
	for _, s := range stage.All() {
		if stage.IsValidTransition(stage.Done, s) {
			t.Fatalf("done -> %s must not be allowed", s)
		}
	}
}

func TestDiamondShape(t *testing.T) {
	cases := []struct {
		from, to stage.Stage
		allowed  bool
	}{
		{stage.Testing, stage.Review, true},
		{stage.Implementing, stage.Review, true},
		{stage.Review, stage.Testing, true},
		{stage.Review, stage.Implementing, true},
		{stage.Review, stage.Verification, true},
		{stage.Verification, stage.Done, true},
		{stage.Verification, stage.Ready, true},
		// verification cannot be skipped
		{stage.Review, stage.Done, false},
		{stage.Testing, stage.Done, false},
		{stage.Implementing, stage.Done, false},
		{stage.Ready, stage.Done, false},
		// only verification routes back to ready among working stages
		{stage.Testing, stage.Ready, false},
		{stage.Implementing, stage.Ready, false},
		{stage.Review, stage.Ready, false},
	}
	for _, c := range cases {
		if got := stage.IsValidTransition(c.from, c.to); got != c.allowed {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.allowed)
		}
	}
}

func TestNextStagesAgreesWithIsValidTransition(t *testing.T) {
	for _, from := range stage.All() {
		next := map[stage.Stage]bool{}
		for _, to := range stage.NextStages(from) {
			next[to] = true
		}
		for _, to := range stage.All() {
			if stage.IsValidTransition(from, to) != next[to] {
				t.Errorf("table disagreement for %s -> %s", from, to)
			}
		}
	}
}

func TestOrderIsDense(t *testing.T) {
	seen := map[int]stage.Stage{}
	for i, s := range stage.All() {
		ord := stage.Order(s)
		if ord != i {
			t.Errorf("Order(%s) = %d, want %d", s, ord, i)
		}
		if prev, dup := seen[ord]; dup {
			t.Errorf("stages %s and %s share order %d", prev, s, ord)
		}
		seen[ord] = s
	}
	if stage.Order("bogus") != -1 {
		t.Errorf("unknown stage must have order -1")
	}
}

func TestParse(t *testing.T) {
	if _, err := stage.Parse("review"); err != nil {
		t.Fatalf("parse review: %v", err)
	}
	if _, err := stage.Parse("shipped"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}
