package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"bookbuddy/pkg/domain"
)

// nextID returns a random 24-hex id.
func nextID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func seedBook(t *testing.T, s Store, isbn string, copies int) domain.Book {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	b := domain.Book{
		ID:              nextID(),
		Title:           "Book " + isbn,
		Author:          "Author",
		ISBN:            isbn,
		Genres:          []string{"fiction"},
		PublishedYear:   2001,
		TotalCopies:     copies,
		AvailableCopies: copies,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.CreateBook(context.Background(), b); err != nil {
		t.Fatalf("create book: %v", err)
	}
	return b
}

func seedUser(t *testing.T, s Store, email string) domain.User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	u := domain.User{
		ID:          nextID(),
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Email:       email,
		MemberSince: now,
		Status:      domain.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func openLoan(t *testing.T, s Store, bookID, userID string) domain.Loan {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	l := domain.Loan{
		ID:        nextID(),
		BookID:    bookID,
		UserID:    userID,
		LoanedAt:  now,
		DueAt:     now.Add(14 * 24 * time.Hour),
		Status:    domain.LoanOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.Atomic(ctx, func(tx Store) error {
		if err := tx.DecrementAvailable(ctx, bookID); err != nil {
			return err
		}
		return tx.CreateLoan(ctx, l)
	})
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	return l
}

// runStoreContract checks behavior every Store implementation must share.
// suffix keeps unique columns distinct across runs against a shared database.
func runStoreContract(t *testing.T, s Store, suffix string) {
	ctx := context.Background()

	t.Run("duplicate isbn and email", func(t *testing.T) {
		seedBook(t, s, "1000000001"+suffix, 1)
		err := s.CreateBook(ctx, domain.Book{ID: nextID(), Title: "Other", Author: "X", ISBN: "1000000001" + suffix, CreatedAt: time.Now(), UpdatedAt: time.Now()})
		if !errors.Is(err, ErrDuplicateISBN) {
			t.Fatalf("expected ErrDuplicateISBN, got %v", err)
		}
		seedUser(t, s, "dup"+suffix+"@example.com")
		err = s.CreateUser(ctx, domain.User{ID: nextID(), FirstName: "A", LastName: "B", Email: "dup" + suffix + "@example.com", Status: domain.StatusActive, CreatedAt: time.Now(), UpdatedAt: time.Now()})
		if !errors.Is(err, ErrDuplicateEmail) {
			t.Fatalf("expected ErrDuplicateEmail, got %v", err)
		}
	})

	t.Run("decrement stops at zero", func(t *testing.T) {
		b := seedBook(t, s, "1000000002"+suffix, 1)
		if err := s.DecrementAvailable(ctx, b.ID); err != nil {
			t.Fatalf("first decrement: %v", err)
		}
		if err := s.DecrementAvailable(ctx, b.ID); !errors.Is(err, ErrNoCopies) {
			t.Fatalf("expected ErrNoCopies, got %v", err)
		}
		if err := s.DecrementAvailable(ctx, nextID()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.IncrementAvailable(ctx, b.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
		if err := s.IncrementAvailable(ctx, b.ID); !errors.Is(err, ErrAtCapacity) {
			t.Fatalf("expected ErrAtCapacity, got %v", err)
		}
	})

	t.Run("concurrent decrements never oversell", func(t *testing.T) {
		b := seedBook(t, s, "1000000003"+suffix, 3)
		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.DecrementAvailable(ctx, b.ID); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if ok != 3 {
			t.Fatalf("expected 3 successful decrements, got %d", ok)
		}
		got, _, err := s.GetBook(ctx, b.ID)
		if err != nil {
			t.Fatalf("get book: %v", err)
		}
		if got.AvailableCopies != 0 {
			t.Fatalf("availableCopies = %d, want 0", got.AvailableCopies)
		}
	})

	t.Run("return only once", func(t *testing.T) {
		b := seedBook(t, s, "1000000004"+suffix, 1)
		u := seedUser(t, s, "ret"+suffix+"@example.com")
		l := openLoan(t, s, b.ID, u.ID)
		returned, err := s.MarkLoanReturned(ctx, l.ID, time.Now())
		if err != nil {
			t.Fatalf("mark returned: %v", err)
		}
		if returned.Status != domain.LoanReturned || returned.ReturnedAt == nil {
			t.Fatalf("unexpected returned loan: %+v", returned)
		}
		if _, err := s.MarkLoanReturned(ctx, l.ID, time.Now()); !errors.Is(err, ErrLoanNotOpen) {
			t.Fatalf("expected ErrLoanNotOpen, got %v", err)
		}
		if _, err := s.MarkLoanReturned(ctx, nextID(), time.Now()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("failed atomic rolls back", func(t *testing.T) {
		b := seedBook(t, s, "1000000005"+suffix, 2)
		boom := errors.New("boom")
		err := s.Atomic(ctx, func(tx Store) error {
			if err := tx.DecrementAvailable(ctx, b.ID); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		got, _, _ := s.GetBook(ctx, b.ID)
		if got.AvailableCopies != 2 {
			t.Fatalf("availableCopies = %d, want rollback to 2", got.AvailableCopies)
		}
	})

	t.Run("update derives copies from open loans", func(t *testing.T) {
		b := seedBook(t, s, "1000000006"+suffix, 3)
		u := seedUser(t, s, "upd"+suffix+"@example.com")
		openLoan(t, s, b.ID, u.ID)

		total := 5
		got, err := s.UpdateBook(ctx, b.ID, BookUpdate{Title: b.Title, Author: b.Author, ISBN: b.ISBN, TotalCopies: &total})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.TotalCopies != 5 || got.AvailableCopies != 4 {
			t.Fatalf("copies = %d/%d, want 4/5", got.AvailableCopies, got.TotalCopies)
		}

		avail := 0
		got, err = s.UpdateBook(ctx, b.ID, BookUpdate{Title: b.Title, Author: b.Author, ISBN: b.ISBN, AvailableCopies: &avail})
		if err != nil {
			t.Fatalf("legacy update: %v", err)
		}
		if got.TotalCopies != 1 || got.AvailableCopies != 0 {
			t.Fatalf("copies = %d/%d, want 0/1", got.AvailableCopies, got.TotalCopies)
		}

		zero := 0
		if _, err := s.UpdateBook(ctx, b.ID, BookUpdate{Title: b.Title, Author: b.Author, ISBN: b.ISBN, TotalCopies: &zero}); !errors.Is(err, ErrTotalBelowOpenLoans) {
			t.Fatalf("expected ErrTotalBelowOpenLoans, got %v", err)
		}
	})

	t.Run("reconcile repairs drift", func(t *testing.T) {
		b := seedBook(t, s, "1000000007"+suffix, 2)
		u := seedUser(t, s, "rec"+suffix+"@example.com")
		l := openLoan(t, s, b.ID, u.ID)
		// Deleting the loan leaves the copy checked out.
		if _, err := s.DeleteLoan(ctx, l.ID); err != nil {
			t.Fatalf("delete loan: %v", err)
		}
		adjustments, err := s.Reconcile(ctx)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		var found bool
		for _, adj := range adjustments {
			if adj.BookID == b.ID {
				found = true
				if adj.Before != 1 || adj.After != 2 {
					t.Fatalf("unexpected adjustment: %+v", adj)
				}
			}
		}
		if !found {
			t.Fatalf("expected adjustment for %s in %+v", b.ID, adjustments)
		}
		got, _, _ := s.GetBook(ctx, b.ID)
		if got.AvailableCopies != 2 {
			t.Fatalf("availableCopies = %d, want 2", got.AvailableCopies)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		b := seedBook(t, s, "1000000008"+suffix, 1)
		books, err := s.ListBooks(ctx, domain.BookFilter{Query: "1000000008" + suffix})
		if err != nil {
			t.Fatalf("list books: %v", err)
		}
		if len(books) != 1 || books[0].ID != b.ID {
			t.Fatalf("unexpected books: %+v", books)
		}
		u := seedUser(t, s, "lst"+suffix+"@example.com")
		openLoan(t, s, b.ID, u.ID)
		n, err := s.CountLoans(ctx, domain.LoanFilter{BookID: b.ID, Status: domain.LoanOpen})
		if err != nil {
			t.Fatalf("count loans: %v", err)
		}
		if n != 1 {
			t.Fatalf("open loans = %d, want 1", n)
		}
		n, err = s.CountLoans(ctx, domain.LoanFilter{BookID: b.ID, Overdue: true, Now: time.Now().Add(30 * 24 * time.Hour)})
		if err != nil {
			t.Fatalf("count overdue: %v", err)
		}
		if n != 1 {
			t.Fatalf("overdue loans = %d, want 1", n)
		}
	})
}
