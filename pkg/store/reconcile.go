package store

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"gorm.io/gorm/clause"

	"bookbuddy/pkg/domain"
)

const (
	dialectPostgres = "postgres"

	colID              = "id"
	colBookID          = "book_id"
	colStatus          = "status"
	colTotalCopies     = "total_copies"
	colAvailableCopies = "available_copies"
	aliasOpenLoans     = "open_loans"
)

type bookLoanCount struct {
	ID              string
	TotalCopies     int
	AvailableCopies int
	OpenLoans       int
}

// buildOpenLoanCountQuery counts open loans per book, books without loans included.
func buildOpenLoanCountQuery() (string, error) {
	b, l := goqu.T("b"), goqu.T("l")
	stmt := goqu.Dialect(dialectPostgres).
		From(goqu.T(BookModel{}.TableName()).As("b")).
		LeftJoin(goqu.T(LoanModel{}.TableName()).As("l"), goqu.On(
			l.Col(colBookID).Eq(b.Col(colID)),
			l.Col(colStatus).Eq(string(domain.LoanOpen)),
		)).
		Select(
			b.Col(colID),
			b.Col(colTotalCopies),
			b.Col(colAvailableCopies),
			goqu.COUNT(l.Col(colID)).As(aliasOpenLoans),
		).
		GroupBy(b.Col(colID), b.Col(colTotalCopies), b.Col(colAvailableCopies)).
		Order(b.Col(colID).Asc())

	query, _, err := stmt.ToSQL()
	if err != nil {
		return "", fmt.Errorf("build reconcile query: %w", err)
	}
	return query, nil
}

// Reconcile locks every book row, recounts open loans and rewrites
// available_copies where it drifted from total_copies minus open loans.
func (s *GormStore) Reconcile(ctx context.Context) ([]domain.Adjustment, error) {
	query, err := buildOpenLoanCountQuery()
	if err != nil {
		return nil, err
	}
	var adjustments []domain.Adjustment
	err = s.Atomic(ctx, func(txs Store) error {
		tx := txs.(*GormStore)
		db, cancel := tx.session(ctx)
		defer cancel()

		// FOR UPDATE cannot be combined with GROUP BY, so lock first.
		var ids []string
		if err := db.Model(&BookModel{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Order("id ASC").
			Pluck("id", &ids).Error; err != nil {
			return classify(err)
		}
		if len(ids) == 0 {
			return nil
		}

		var rows []bookLoanCount
		if err := db.Raw(query).Scan(&rows).Error; err != nil {
			return classify(err)
		}
		now := time.Now().UTC()
		for _, row := range rows {
			adj, changed := adjustmentFor(row.ID, row.TotalCopies, row.AvailableCopies, row.OpenLoans)
			if !changed {
				continue
			}
			if err := db.Model(&BookModel{}).Where("id = ?", row.ID).Updates(map[string]any{
				colAvailableCopies: adj.After,
				"updated_at":       now,
			}).Error; err != nil {
				return classify(err)
			}
			adjustments = append(adjustments, adj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adjustments, nil
}

// adjustmentFor computes the corrected availability. Open loans beyond the
// total leave zero copies available.
func adjustmentFor(bookID string, total, available, open int) (domain.Adjustment, bool) {
	want := total - open
	if want < 0 {
		want = 0
	}
	adj := domain.Adjustment{
		BookID:      bookID,
		TotalCopies: total,
		OpenLoans:   open,
		Before:      available,
		After:       want,
	}
	return adj, want != available
}
