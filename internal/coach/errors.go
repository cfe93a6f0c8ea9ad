package coach

import "errors"

var (
	// ErrAuthLocked means no access code has been accepted yet.
	ErrAuthLocked = errors.New("coach: session awaiting access code")

	// ErrSafetyLocked means a safeguarding breach is awaiting teacher override.
	ErrSafetyLocked = errors.New("coach: session is safety locked")

	// ErrBudgetExceeded means the usage ledger reached the tenant ceiling.
	ErrBudgetExceeded = errors.New("coach: ai budget exceeded")

	// ErrTurnInFlight rejects an overlapping turn; the attempt is dropped,
	// never queued.
	ErrTurnInFlight = errors.New("coach: a turn is already in flight")

	// ErrBlankMessage rejects input that is empty after trimming.
	ErrBlankMessage = errors.New("coach: message is blank")

	// ErrBadCode is an access or override code mismatch. Surfaced to the UI
	// as a transient error; no state transition, no attempt limit.
	ErrBadCode = errors.New("coach: incorrect code")

	// ErrWrongState means the requested unlock/override does not apply to
	// the session's current lock state.
	ErrWrongState = errors.New("coach: operation not valid in current lock state")
)
