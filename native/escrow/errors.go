package escrow

import "errors"

// Error kinds. Every error returned by the ledger and engine matches exactly one
// of these with errors.Is; the more specific sentinels below wrap their kind.
var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrInvalidState      = errors.New("escrow: invalid state")
	ErrValidation        = errors.New("escrow: validation failed")
	ErrAlreadyReleased   = errors.New("escrow: milestone already released")
	ErrNotYetCompleted   = errors.New("escrow: milestone not yet completed by seller")
	ErrSettlementFailure = errors.New("escrow: settlement failure")
)

var (
	ErrNotBuyer      = kindError(ErrUnauthorized, "caller is not the buyer")
	ErrNotSeller     = kindError(ErrUnauthorized, "caller is not the seller")
	ErrNotParty      = kindError(ErrUnauthorized, "caller is neither buyer nor seller")
	ErrNotArbitrator = kindError(ErrUnauthorized, "caller is not the arbitrator")

	ErrNoMilestonesRemaining = kindError(ErrInvalidState, "no milestones remaining")
	ErrAlreadyCompleted      = kindError(ErrInvalidState, "milestone already marked complete")

	ErrInvalidIdentity       = kindError(ErrValidation, "malformed identity")
	ErrInvalidBuyer          = kindError(ErrValidation, "invalid buyer")
	ErrInvalidSeller         = kindError(ErrValidation, "invalid seller")
	ErrInsufficientDeposit   = kindError(ErrValidation, "deposit below minimum")
	ErrInvalidMilestoneCount = kindError(ErrValidation, "milestone count must be at least 1")
	ErrValueMismatch         = kindError(ErrValidation, "submitted value does not match amount")
	ErrIndexOutOfRange       = kindError(ErrValidation, "milestone index out of range")
)

type classifiedError struct {
	kind error
	msg  string
}

func kindError(kind error, msg string) error {
	return &classifiedError{kind: kind, msg: msg}
}

func (e *classifiedError) Error() string { return "escrow: " + e.msg }

func (e *classifiedError) Unwrap() error { return e.kind }

// IsTransient reports whether err may succeed on retry with identical inputs.
// Only settlement failures qualify; everything else is permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSettlementFailure)
}

// ErrorKind returns a stable label for the kind of err: "ok" for nil, one of
// not_found, unauthorized, invalid_state, validation, already_released,
// not_yet_completed or settlement for ledger errors, and "internal" otherwise.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSettlementFailure):
		return "settlement"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, ErrNotYetCompleted):
		return "not_yet_completed"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
