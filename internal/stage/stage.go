package stage

import "fmt"

// Stage is one fixed position in the pipeline. The set is closed; adding a
// value requires extending the transition table below.
type Stage string

const (
	Backlog      Stage = "backlog"
	Ready        Stage = "ready"
	Testing      Stage = "testing"
	Implementing Stage = "implementing"
	Review       Stage = "review"
	Verification Stage = "verification"
	Done         Stage = "done"
	Blocked      Stage = "blocked"
)

// All returns every stage in pipeline order.
func All() []Stage {
	return []Stage{Backlog, Ready, Testing, Implementing, Review, Verification, Done, Blocked}
}

// Order returns the fixed order index of a stage, or -1 for unknown values.
func Order(s Stage) int {
	switch s {
	case Backlog:
		return 0
	case Ready:
		return 1
	case Testing:
		return 2
	case Implementing:
		return 3
	case Review:
		return 4
	case Verification:
		return 5
	case Done:
		return 6
	case Blocked:
		return 7
	}
	return -1
}

// transitions is the total transition table. The six working stages form a
// diamond: testing and implementing both funnel into review; review can send
// work back to either or forward to verification; verification is the only
// gate to done and the only non-terminal stage that routes back to ready.
// done is terminal and maps to the empty set.
var transitions = map[Stage][]Stage{
	Backlog:      {Ready, Blocked},
	Ready:        {Testing, Implementing, Blocked},
	Testing:      {Review, Blocked},
	Implementing: {Review, Blocked},
	Review:       {Testing, Implementing, Verification, Blocked},
	Verification: {Done, Ready, Blocked},
	Done:         {},
	Blocked:      {Ready},
}

// defaultWIPLimits holds the built-in per-stage capacity. A nil entry means
// the stage is unlimited.
var defaultWIPLimits = map[Stage]int{
	Testing:      3,
	Implementing: 3,
	Review:       2,
	Verification: 2,
}

// DefaultWIPLimit returns the built-in WIP limit for a stage; ok is false
// when the stage is unlimited.
func DefaultWIPLimit(s Stage) (int, bool) {
	limit, ok := defaultWIPLimits[s]
	return limit, ok
}

// Parse validates a raw string against the closed enumeration.
func Parse(raw string) (Stage, error) {
	s := Stage(raw)
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

// Valid reports whether s is a member of the enumeration.
func Valid(s Stage) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func Terminal(s Stage) bool {
	return len(transitions[s]) == 0 && Valid(s)
}

// Working reports whether s is an entry-producing working stage, the gate at
// which dependency readiness is enforced.
func Working(s Stage) bool {
	return s == Testing || s == Implementing
}

// IsValidTransition reports whether the table allows from -> to.
func IsValidTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStages returns the set of stages reachable from s in one transition.
// The returned slice is a copy.
func NextStages(s Stage) []Stage {
	next := transitions[s]
	out := make([]Stage, len(next))
	copy(out, next)
	return out
}
