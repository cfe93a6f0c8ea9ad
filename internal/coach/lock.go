package coach

// LockState gates whether a session accepts new turns.
type LockState string

const (
	// LockAuth is the initial state: no access code entered yet.
	LockAuth LockState = "locked_auth"
	// LockUnlocked is normal operation.
	LockUnlocked LockState = "unlocked"
	// LockSafety means a safeguarding breach was detected; a teacher
	// override is required to resume.
	LockSafety LockState = "locked_safety"
	// LockBudget means the usage ledger crossed the tenant ceiling.
	// Terminal for the session.
	LockBudget LockState = "budget_exceeded"
)

var lockTransitions = map[LockState][]LockState{
	LockAuth:     {LockUnlocked},
	LockUnlocked: {LockSafety, LockBudget},
	LockSafety:   {LockUnlocked},
	LockBudget:   {},
}

// CanTransition reports whether the state machine permits s -> to.
func (s LockState) CanTransition(to LockState) bool {
	for _, t := range lockTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
