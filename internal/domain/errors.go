package domain

import "errors"

// Store-level sentinel errors. Repository implementations return these so
// the engine can branch on outcome without string matching.
var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("duron: job not found")

	// ErrStepNotFound indicates the requested step does not exist.
	ErrStepNotFound = errors.New("duron: step not found")

	// ErrJobOwnershipLost indicates a mutation was attempted against a job
	// no longer owned by the caller's clientId (lease expired or reclaimed).
	ErrJobOwnershipLost = errors.New("duron: job ownership lost")

	// ErrInvalidTransition indicates a requested status transition is not
	// permitted from the job's or step's current status. Most call sites
	// treat this as a silent no-op (bool-returning API) rather than
	// surfacing it; it exists for callers that need to distinguish
	// "no-op because already terminal" from "no-op because of an
	// infrastructure error".
	ErrInvalidTransition = errors.New("duron: invalid status transition")
)

// SerialisedError is the on-the-wire/on-disk shape of any error the engine
// persists: "{name, message, cause?, stack?}".
type SerialisedError struct {
	Name    string           `json:"name"`
	Message string           `json:"message"`
	Cause   *SerialisedError `json:"cause,omitempty"`
	Stack   string           `json:"stack,omitempty"`
}

func (e *SerialisedError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap lets errors.Is/errors.As walk the serialised cause chain the same
// way they would a live Go error chain.
func (e *SerialisedError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Serialise converts a live Go error into its persisted shape, walking the
// cause chain as far as it is discoverable via errors.Unwrap.
func Serialise(err error) *SerialisedError {
	if err == nil {
		return nil
	}
	se := &SerialisedError{
		Name:    errorName(err),
		Message: err.Error(),
	}
	if st, ok := err.(interface{ StackTrace() string }); ok {
		se.Stack = st.StackTrace()
	}
	if u := errors.Unwrap(err); u != nil {
		se.Cause = Serialise(u)
	}
	return se
}

func errorName(err error) string {
	type named interface{ Name() string }
	if n, ok := err.(named); ok {
		return n.Name()
	}
	return "Error"
}
