package store

import (
	"context"
	"errors"
	"time"

	"bookbuddy/pkg/domain"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateISBN  = errors.New("isbn must be unique")
	ErrDuplicateEmail = errors.New("email must be unique")

	// ErrNoCopies is returned by DecrementAvailable when the book exists but
	// has no available copy left.
	ErrNoCopies = errors.New("no available copies")
	// ErrAtCapacity is returned by IncrementAvailable when availableCopies
	// already equals totalCopies.
	ErrAtCapacity = errors.New("available copies already at total")
	// ErrLoanNotOpen is returned by MarkLoanReturned for a loan that is not open.
	ErrLoanNotOpen = errors.New("loan is not open")
	// ErrTotalBelowOpenLoans is returned by UpdateBook when the requested
	// total is smaller than the number of open loans.
	ErrTotalBelowOpenLoans = errors.New("total copies below open loans")

	// ErrUnavailable wraps failures to reach the database, including timeouts.
	ErrUnavailable = errors.New("store unavailable")
)

// BookUpdate replaces the catalog fields of a book. The copy counts are
// derived by the store under a row lock: totalCopies comes from TotalCopies
// or, when only AvailableCopies is given, from AvailableCopies plus the open
// loan count; availableCopies is always totalCopies minus open loans.
type BookUpdate struct {
	Title           string
	Author          string
	ISBN            string
	Genres          []string
	PublishedYear   int
	TotalCopies     *int
	AvailableCopies *int
}

// UserUpdate replaces the mutable fields of a user.
type UserUpdate struct {
	FirstName   string
	LastName    string
	Email       string
	MemberSince time.Time
	Status      domain.UserStatus
}

// Store defines persistence operations for books, users and loans.
//
// DecrementAvailable, IncrementAvailable and MarkLoanReturned are atomic
// conditional updates: they never read and write in two steps, so concurrent
// callers cannot both pass the condition.
type Store interface {
	// books
	CreateBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	// LockBook reads a book and holds it against concurrent writers until
	// the surrounding Atomic call returns.
	LockBook(ctx context.Context, id string) (domain.Book, bool, error)
	GetBooks(ctx context.Context, ids []string) (map[string]domain.Book, error)
	ListBooks(ctx context.Context, filter domain.BookFilter) ([]domain.Book, error)
	UpdateBook(ctx context.Context, id string, upd BookUpdate) (domain.Book, error)
	DeleteBook(ctx context.Context, id string) error
	DecrementAvailable(ctx context.Context, bookID string) error
	IncrementAvailable(ctx context.Context, bookID string) error

	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	LockUser(ctx context.Context, id string) (domain.User, bool, error)
	GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error)
	ListUsers(ctx context.Context, filter domain.UserFilter) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	// loans
	CreateLoan(ctx context.Context, l domain.Loan) error
	GetLoan(ctx context.Context, id string) (domain.Loan, bool, error)
	ListLoans(ctx context.Context, filter domain.LoanFilter) ([]domain.Loan, error)
	CountLoans(ctx context.Context, filter domain.LoanFilter) (int, error)
	MarkLoanReturned(ctx context.Context, id string, at time.Time) (domain.Loan, error)
	DeleteLoan(ctx context.Context, id string) (domain.Loan, error)

	// Reconcile recomputes availableCopies from open loans for every book
	// and returns the books that changed.
	Reconcile(ctx context.Context) ([]domain.Adjustment, error)

	// Atomic runs fn against a transaction-bound Store. Nested calls join
	// the outer transaction.
	Atomic(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

func derivedCopies(current domain.Book, upd BookUpdate, openLoans int) (total, available int, err error) {
	total = current.TotalCopies
	switch {
	case upd.TotalCopies != nil:
		total = *upd.TotalCopies
	case upd.AvailableCopies != nil:
		total = *upd.AvailableCopies + openLoans
	}
	if total < openLoans {
		return 0, 0, ErrTotalBelowOpenLoans
	}
	return total, total - openLoans, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
