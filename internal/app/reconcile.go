package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bookbuddy/internal/util"
	"bookbuddy/pkg/domain"
)

// Reconcile recomputes availableCopies for every book from its open loans
// and returns the books that had drifted.
func (a *App) Reconcile(ctx context.Context) ([]domain.Adjustment, error) {
	adjustments, err := a.store.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	logger := util.LoggerFromContext(ctx)
	for _, adj := range adjustments {
		msg := "availableCopies corrected"
		if adj.OpenLoans > adj.TotalCopies {
			msg = "open loans exceed total copies; availableCopies clamped to zero"
		}
		logger.Warn(msg,
			slog.String("book_id", adj.BookID),
			slog.Int("total_copies", adj.TotalCopies),
			slog.Int("open_loans", adj.OpenLoans),
			slog.Int("before", adj.Before),
			slog.Int("after", adj.After))
	}
	logger.Info("reconciliation finished", slog.Int("adjusted", len(adjustments)))
	if adjustments == nil {
		adjustments = []domain.Adjustment{}
	}
	return adjustments, nil
}

// RunReconciler calls Reconcile every interval until ctx is done. Failures
// are logged and retried on the next tick.
func (a *App) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Reconcile(ctx); err != nil && ctx.Err() == nil {
				util.LoggerFromContext(ctx).Error("periodic reconciliation failed", slog.Any("error", err))
			}
		}
	}
}
