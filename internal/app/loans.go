package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookbuddy/internal/util"
	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/store"
)

// LoanInput is the body of a loan request.
type LoanInput struct {
	Book  string     `json:"book"`
	User  string     `json:"user"`
	DueAt *time.Time `json:"dueAt"`
}

// CreateLoan opens a loan for an active user if the book has a free copy.
// The copy is taken and the loan inserted in one transaction.
func (a *App) CreateLoan(ctx context.Context, in LoanInput) (domain.LoanView, error) {
	now := a.now().UTC()
	loan := domain.Loan{
		ID:        util.NewID(),
		BookID:    strings.TrimSpace(in.Book),
		UserID:    strings.TrimSpace(in.User),
		LoanedAt:  now,
		Status:    domain.LoanOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.DueAt != nil {
		loan.DueAt = in.DueAt.UTC()
	}
	errs := domain.ValidateLoan(loan)
	if _, set := errs["book"]; !set && !util.IsID(loan.BookID) {
		errs["book"] = "invalid book id"
	}
	if _, set := errs["user"]; !set && !util.IsID(loan.UserID) {
		errs["user"] = "invalid user id"
	}
	if err := invalid(errs); err != nil {
		return domain.LoanView{}, err
	}

	var view domain.LoanView
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		user, ok, err := tx.LockUser(ctx, loan.UserID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if !ok {
			return ErrUserNotFound
		}
		if user.Status == domain.StatusSuspended {
			return ErrUserSuspended
		}
		if err := reserve(ctx, tx, loan.BookID); err != nil {
			return err
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}
		book, ok, err := tx.GetBook(ctx, loan.BookID)
		if err != nil {
			return fmt.Errorf("get book: %w", err)
		}
		view = domain.LoanView{Loan: loan, User: user.Ref()}
		if ok {
			view.Book = book.Ref()
		}
		return nil
	})
	if err != nil {
		return domain.LoanView{}, err
	}
	util.LoggerFromContext(ctx).Info("loan opened",
		slog.String("loan_id", loan.ID),
		slog.String("book_id", loan.BookID),
		slog.String("user_id", loan.UserID))
	return view, nil
}

// ReturnLoan closes an open loan and gives its copy back.
func (a *App) ReturnLoan(ctx context.Context, id string) (domain.LoanView, error) {
	var returned domain.Loan
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		loan, err := tx.MarkLoanReturned(ctx, id, a.now())
		if err != nil {
			return storeErr(err, ErrLoanNotFound)
		}
		if err := release(ctx, tx, loan.BookID, loan.ID); err != nil {
			return err
		}
		returned = loan
		return nil
	})
	if err != nil {
		return domain.LoanView{}, err
	}
	views, err := a.populate(ctx, []domain.Loan{returned})
	if err != nil {
		return domain.LoanView{}, err
	}
	return views[0], nil
}

// DeleteLoan removes a loan record without touching the ledger.
func (a *App) DeleteLoan(ctx context.Context, id string) error {
	loan, err := a.store.DeleteLoan(ctx, id)
	if err != nil {
		return fmt.Errorf("delete loan: %w", storeErr(err, ErrLoanNotFound))
	}
	if loan.Status == domain.LoanOpen {
		util.LoggerFromContext(ctx).Warn("open loan deleted; availableCopies stays reduced until reconciliation",
			slog.String("loan_id", loan.ID),
			slog.String("book_id", loan.BookID))
	}
	return nil
}

func (a *App) GetLoan(ctx context.Context, id string) (domain.LoanView, error) {
	loan, ok, err := a.store.GetLoan(ctx, id)
	if err != nil {
		return domain.LoanView{}, fmt.Errorf("get loan: %w", err)
	}
	if !ok {
		return domain.LoanView{}, ErrLoanNotFound
	}
	views, err := a.populate(ctx, []domain.Loan{loan})
	if err != nil {
		return domain.LoanView{}, err
	}
	return views[0], nil
}

// ListLoans returns populated loans matching filter. Overdue is evaluated
// against the app clock.
func (a *App) ListLoans(ctx context.Context, filter domain.LoanFilter) ([]domain.LoanView, error) {
	if filter.Overdue && filter.Now.IsZero() {
		filter.Now = a.now()
	}
	loans, err := a.store.ListLoans(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return a.populate(ctx, loans)
}

// populate attaches book and user references, fetching both sets concurrently.
func (a *App) populate(ctx context.Context, loans []domain.Loan) ([]domain.LoanView, error) {
	bookIDs := make([]string, 0, len(loans))
	userIDs := make([]string, 0, len(loans))
	for _, l := range loans {
		bookIDs = append(bookIDs, l.BookID)
		userIDs = append(userIDs, l.UserID)
	}

	var books map[string]domain.Book
	var users map[string]domain.User
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		books, err = a.store.GetBooks(gctx, bookIDs)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = a.store.GetUsers(gctx, userIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("populate loans: %w", err)
	}

	now := a.now()
	views := make([]domain.LoanView, 0, len(loans))
	for _, l := range loans {
		v := domain.LoanView{Loan: l, Overdue: l.Overdue(now)}
		if b, ok := books[l.BookID]; ok {
			v.Book = b.Ref()
		}
		if u, ok := users[l.UserID]; ok {
			v.User = u.Ref()
		}
		views = append(views, v)
	}
	return views, nil
}
