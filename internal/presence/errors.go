package presence

import "errors"

// Join failures. Each one maps to a stable wire code through Code.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNameTaken     = errors.New("name is already in use")
	ErrWeakPassword  = errors.New("private rooms need a password of at least 4 characters")
	ErrNeedsPassword = errors.New("room is private; a password is required")
	ErrBadPassword   = errors.New("wrong password")
	ErrInternal      = errors.New("internal server error")
)

// InputError describes which join field failed validation. It matches
// ErrInvalidInput under errors.Is.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return e.Field + " " + e.Reason
}

// Is makes errors.Is(err, ErrInvalidInput) hold.
func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Code returns the wire code for a join error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNameTaken):
		return "name_taken"
	case errors.Is(err, ErrWeakPassword):
		return "weak_password"
	case errors.Is(err, ErrNeedsPassword):
		return "needs_password"
	case errors.Is(err, ErrBadPassword):
		return "bad_password"
	default:
		return "internal"
	}
}

// Message returns the text shown to the user for a join error. Internal
// details never leak.
func Message(err error) string {
	var inputErr *InputError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &inputErr):
		return inputErr.Error()
	case Code(err) == "internal":
		return ErrInternal.Error()
	default:
		for _, sentinel := range []error{ErrNameTaken, ErrWeakPassword, ErrNeedsPassword, ErrBadPassword} {
			if errors.Is(err, sentinel) {
				return sentinel.Error()
			}
		}
		return err.Error()
	}
}
