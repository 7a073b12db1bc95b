package pledge

import (
	"errors"
)

// Kind groups failures by how a caller should react to them.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
	KindResource     Kind = "resource"
	KindNotFound     Kind = "not_found"
	KindSystem       Kind = "system"
)

// Error is a classified failure with a stable reason code. Sentinel values
// below are wrapped with fmt.Errorf("%w: ...") to add detail; errors.Is
// matches on Code so an Error decoded from the wire still matches its sentinel.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the same request may succeed later unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindSystem }

var (
	ErrInvalidDescription = &Error{Kind: KindValidation, Code: "InvalidDescription"}
	ErrInvalidStake       = &Error{Kind: KindValidation, Code: "InvalidStake"}
	ErrInvalidDeadline    = &Error{Kind: KindValidation, Code: "InvalidDeadline"}
	ErrInvalidAddress     = &Error{Kind: KindValidation, Code: "InvalidAddress"}
	ErrInvalidID          = &Error{Kind: KindValidation, Code: "InvalidPledgeId"}
	ErrInvalidStatus      = &Error{Kind: KindValidation, Code: "InvalidStatus"}
	ErrInvalidAmount      = &Error{Kind: KindValidation, Code: "InvalidAmount"}

	ErrDuplicateActivePledge = &Error{Kind: KindPrecondition, Code: "DuplicateActivePledge"}
	ErrNoActivePledge        = &Error{Kind: KindPrecondition, Code: "NoActivePledge"}
	ErrAlreadyTerminal       = &Error{Kind: KindPrecondition, Code: "AlreadyTerminal"}
	ErrDeadlinePassed        = &Error{Kind: KindPrecondition, Code: "DeadlinePassed"}
	ErrDeadlineNotReached    = &Error{Kind: KindPrecondition, Code: "DeadlineNotReached"}
	ErrUnauthorized          = &Error{Kind: KindPrecondition, Code: "Unauthorized"}

	ErrInsufficientFunds = &Error{Kind: KindResource, Code: "InsufficientFunds"}
	ErrBalanceOverflow   = &Error{Kind: KindResource, Code: "BalanceOverflow"}

	ErrNotFound = &Error{Kind: KindNotFound, Code: "NotFound"}

	ErrStoreUnavailable = &Error{Kind: KindSystem, Code: "StoreUnavailable"}
)

var sentinels = []*Error{
	ErrInvalidDescription, ErrInvalidStake, ErrInvalidDeadline, ErrInvalidAddress,
	ErrInvalidID, ErrInvalidStatus, ErrInvalidAmount,
	ErrDuplicateActivePledge, ErrNoActivePledge, ErrAlreadyTerminal, ErrDeadlinePassed,
	ErrDeadlineNotReached, ErrUnauthorized,
	ErrInsufficientFunds, ErrBalanceOverflow,
	ErrNotFound,
	ErrStoreUnavailable,
}

// Lookup returns the sentinel registered for code.
func Lookup(code string) (*Error, bool) {
	for _, s := range sentinels {
		if s.Code == code {
			return s, true
		}
	}
	return nil, false
}

// AsError extracts the classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Unclassified errors are system errors.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindSystem
}

// CodeOf returns the reason code for err, or "Internal" when unclassified.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return "Internal"
}

// Retryable reports whether err is worth retrying unchanged.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindSystem
}
