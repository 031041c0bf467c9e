package fault

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes callers are expected to branch on.
type Kind string

const (
	UnknownPrincipal    Kind = "UNKNOWN_PRINCIPAL"
	AccessDenied        Kind = "ACCESS_DENIED"
	RiskBlocked         Kind = "RISK_BLOCKED"
	BudgetExceeded      Kind = "BUDGET_EXCEEDED"
	ReplayedCommitment  Kind = "REPLAYED_COMMITMENT"
	CommitmentMismatch  Kind = "COMMITMENT_MISMATCH"
	VerificationTimeout Kind = "VERIFICATION_TIMEOUT"
	SettlementConflict  Kind = "SETTLEMENT_CONFLICT"
)

// Error carries a taxonomy kind plus a human-readable reason. Raw internal
// errors never cross the API boundary; they get wrapped here first.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the taxonomy kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }
