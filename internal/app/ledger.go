package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bookbuddy/internal/util"
	"bookbuddy/pkg/store"
)

// reserve takes one copy of bookID for a new loan. It must run inside the
// transaction that inserts the loan.
func reserve(ctx context.Context, tx store.Store, bookID string) error {
	err := tx.DecrementAvailable(ctx, bookID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrBookNotFound
	case errors.Is(err, store.ErrNoCopies):
		return ErrNoCopies
	default:
		return fmt.Errorf("reserve copy: %w", err)
	}
}

// release gives back the copy held by a returned loan. A missing book or a
// book already at totalCopies is left alone and logged so the reconciliation
// sweep can be checked.
func release(ctx context.Context, tx store.Store, bookID, loanID string) error {
	err := tx.IncrementAvailable(ctx, bookID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		util.LoggerFromContext(ctx).Warn("loan returned for missing book",
			slog.String("loan_id", loanID), slog.String("book_id", bookID))
		return nil
	case errors.Is(err, store.ErrAtCapacity):
		util.LoggerFromContext(ctx).Warn("ledger inconsistency: book already at total copies on return",
			slog.String("loan_id", loanID), slog.String("book_id", bookID))
		return nil
	default:
		return fmt.Errorf("release copy: %w", err)
	}
}
