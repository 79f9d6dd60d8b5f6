package app

import (
	"context"
	"fmt"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/store"
)

func canDeleteBook(ctx context.Context, tx store.Store, bookID string) (bool, error) {
	n, err := tx.CountLoans(ctx, domain.LoanFilter{BookID: bookID, Status: domain.LoanOpen})
	if err != nil {
		return false, fmt.Errorf("count open loans: %w", err)
	}
	return n == 0, nil
}

func canDeleteUser(ctx context.Context, tx store.Store, userID string) (bool, error) {
	n, err := tx.CountLoans(ctx, domain.LoanFilter{UserID: userID, Status: domain.LoanOpen})
	if err != nil {
		return false, fmt.Errorf("count open loans: %w", err)
	}
	return n == 0, nil
}

// DeleteBook removes a book that no open loan references. The row lock keeps
// a concurrent loan from taking a copy between the check and the delete.
func (a *App) DeleteBook(ctx context.Context, id string) error {
	return a.store.Atomic(ctx, func(tx store.Store) error {
		if _, ok, err := tx.LockBook(ctx, id); err != nil {
			return fmt.Errorf("lock book: %w", err)
		} else if !ok {
			return ErrBookNotFound
		}
		ok, err := canDeleteBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBookHasOpenLoans
		}
		if err := tx.DeleteBook(ctx, id); err != nil {
			return fmt.Errorf("delete book: %w", storeErr(err, ErrBookNotFound))
		}
		return nil
	})
}

// DeleteUser removes a user that holds no open loan.
func (a *App) DeleteUser(ctx context.Context, id string) error {
	return a.store.Atomic(ctx, func(tx store.Store) error {
		if _, ok, err := tx.LockUser(ctx, id); err != nil {
			return fmt.Errorf("lock user: %w", err)
		} else if !ok {
			return ErrUserNotFound
		}
		ok, err := canDeleteUser(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserHasOpenLoans
		}
		if err := tx.DeleteUser(ctx, id); err != nil {
			return fmt.Errorf("delete user: %w", storeErr(err, ErrUserNotFound))
		}
		return nil
	})
}
