package types

import "errors"

// ARCHITECTURAL DISCOVERY: One taxonomy shared by every workflow so the
// transport layer can map any failure to a client string without leaking detail
var (
	ErrValidation    = errors.New("invalid argument")
	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotLoggedIn   = errors.New("login before request")
	ErrAlreadyDone   = errors.New("already done")
	ErrAlreadyAcked  = errors.New("already acked")
	ErrInconsistent  = errors.New("internal inconsistency")

	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNotMutualContact   = errors.New("users are not mutual contacts")
)

// ClientMessage returns the errorMsg sent to clients for err.
// FUNCTIONAL DISCOVERY: Database and internal errors collapse to "server error"
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ErrValidation.Error()
	case errors.Is(err, ErrNotLoggedIn):
		return ErrNotLoggedIn.Error()
	case errors.Is(err, ErrInvalidCredentials):
		return ErrInvalidCredentials.Error()
	case errors.Is(err, ErrEmailTaken):
		return ErrEmailTaken.Error()
	case errors.Is(err, ErrNotMutualContact):
		return ErrNotMutualContact.Error()
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotFound):
		return ErrNotAuthorized.Error()
	default:
		return "server error"
	}
}

// IsAlreadyDone reports errors that are surfaced to clients as success
func IsAlreadyDone(err error) bool {
	return errors.Is(err, ErrAlreadyDone) || errors.Is(err, ErrAlreadyAcked)
}
