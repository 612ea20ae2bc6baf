package domain

import "errors"

// Error kinds returned by the store and task manager. Callers match with errors.Is;
// the concrete error carries context wrapped around one of these.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrLeaseMismatch    = errors.New("lease held by another user")
	ErrExpiredLease     = errors.New("lease expired")
	ErrAlreadyCommitted = errors.New("task already committed")
)

// ErrDuplicateMedia is a ValidationError for a path already ingested in a project.
var ErrDuplicateMedia = &wrapped{msg: "media already ingested", kind: ErrValidation}

type wrapped struct {
	msg  string
	kind error
}

func (e *wrapped) Error() string { return e.msg }
func (e *wrapped) Unwrap() error { return e.kind }

// Kind returns the sentinel err resolves to, or nil for infrastructure errors.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrLeaseMismatch, ErrExpiredLease, ErrAlreadyCommitted} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
