package app

import (
	"errors"
	"sort"
	"strings"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/store"
)

var (
	ErrBookNotFound = errors.New("book not found")
	ErrUserNotFound = errors.New("user not found")
	ErrLoanNotFound = errors.New("loan not found")

	ErrDuplicateISBN  = errors.New("isbn must be unique")
	ErrDuplicateEmail = errors.New("email must be unique")

	// Delete guard rejections.
	ErrBookHasOpenLoans = errors.New("cannot delete book with open loans")
	ErrUserHasOpenLoans = errors.New("cannot delete user with open loans")

	// Business rule violations.
	ErrNoCopies            = errors.New("no available copies for this book")
	ErrLoanNotOpen         = errors.New("loan is not open")
	ErrUserSuspended       = errors.New("user is suspended")
	ErrTotalBelowOpenLoans = errors.New("totalCopies cannot be lower than the number of open loans")

	ErrUnavailable = store.ErrUnavailable
)

// ValidationError reports rejected input fields.
type ValidationError struct {
	Fields domain.FieldErrors
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation error"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func invalid(fields domain.FieldErrors) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// Kind groups errors by how callers should report them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindBusinessRule
	KindUnavailable
)

// KindOf classifies err.
func KindOf(err error) Kind {
	var verr *ValidationError
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &verr):
		return KindValidation
	case errors.Is(err, ErrBookNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrLoanNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateISBN), errors.Is(err, ErrDuplicateEmail),
		errors.Is(err, ErrBookHasOpenLoans), errors.Is(err, ErrUserHasOpenLoans):
		return KindConflict
	case errors.Is(err, ErrNoCopies), errors.Is(err, ErrLoanNotOpen),
		errors.Is(err, ErrUserSuspended), errors.Is(err, ErrTotalBelowOpenLoans):
		return KindBusinessRule
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// storeErr translates store sentinels into app errors. notFound replaces
// store.ErrNotFound for the entity being addressed.
func storeErr(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound
	case errors.Is(err, store.ErrDuplicateISBN):
		return ErrDuplicateISBN
	case errors.Is(err, store.ErrDuplicateEmail):
		return ErrDuplicateEmail
	case errors.Is(err, store.ErrTotalBelowOpenLoans):
		return ErrTotalBelowOpenLoans
	case errors.Is(err, store.ErrNoCopies):
		return ErrNoCopies
	case errors.Is(err, store.ErrLoanNotOpen):
		return ErrLoanNotOpen
	default:
		return err
	}
}
