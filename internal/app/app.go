package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookbuddy/internal/util"
	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/store"
)

// Config holds runtime dependencies for the core application.
type Config struct {
	Store store.Store
	// Now overrides the clock; tests use it to pin overdue checks.
	Now func() time.Time
}

// App implements the catalog, membership and loan operations over a Store.
type App struct {
	store store.Store
	now   func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{store: cfg.Store, now: now}, nil
}

// BookInput carries caller supplied book fields. Nil fields are absent.
type BookInput struct {
	Title           *string   `json:"title"`
	Author          *string   `json:"author"`
	ISBN            *string   `json:"isbn"`
	Genres          *[]string `json:"genres"`
	PublishedYear   *int      `json:"publishedYear"`
	TotalCopies     *int      `json:"totalCopies"`
	AvailableCopies *int      `json:"availableCopies"`
}

// UserInput carries caller supplied user fields. Nil fields are absent.
type UserInput struct {
	FirstName   *string    `json:"firstName"`
	LastName    *string    `json:"lastName"`
	Email       *string    `json:"email"`
	MemberSince *time.Time `json:"memberSince"`
	Status      *string    `json:"status"`
}

// CreateBook validates and stores a new book. totalCopies defaults to
// availableCopies; a new book has no loans, so the two must agree.
func (a *App) CreateBook(ctx context.Context, in BookInput) (domain.Book, error) {
	now := a.now().UTC()
	b := domain.Book{ID: util.NewID(), CreatedAt: now, UpdatedAt: now}
	applyBookFields(&b, in)

	errs := domain.FieldErrors{}
	switch {
	case in.TotalCopies == nil && in.AvailableCopies == nil:
		errs["availableCopies"] = "is required"
	case in.TotalCopies == nil:
		b.TotalCopies = *in.AvailableCopies
		b.AvailableCopies = *in.AvailableCopies
	case in.AvailableCopies == nil:
		b.TotalCopies = *in.TotalCopies
		b.AvailableCopies = *in.TotalCopies
	default:
		b.TotalCopies = *in.TotalCopies
		b.AvailableCopies = *in.AvailableCopies
		if b.AvailableCopies != b.TotalCopies && b.AvailableCopies >= 0 && b.AvailableCopies <= b.TotalCopies {
			errs["availableCopies"] = "must equal totalCopies for a new book"
		}
	}
	b = domain.NormalizeBook(b)
	mergeFieldErrors(errs, domain.ValidateBook(b, now))
	if err := invalid(errs); err != nil {
		return domain.Book{}, err
	}
	if err := a.store.CreateBook(ctx, b); err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", storeErr(err, ErrBookNotFound))
	}
	return b, nil
}

func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	b, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return b, nil
}

func (a *App) ListBooks(ctx context.Context, filter domain.BookFilter) ([]domain.Book, error) {
	books, err := a.store.ListBooks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// UpdateBook applies in to the book. With replace set (PUT) absent text
// fields are cleared and must be supplied again; otherwise (PATCH) they keep
// their current value. The merge runs under the book's row lock, and copy
// counts are derived by the store from open loans.
func (a *App) UpdateBook(ctx context.Context, id string, in BookInput, replace bool) (domain.Book, error) {
	var updated domain.Book
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		current, ok, err := tx.LockBook(ctx, id)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !ok {
			return ErrBookNotFound
		}
		next := current
		if replace {
			next = domain.Book{ID: current.ID, TotalCopies: current.TotalCopies}
			if in.TotalCopies == nil && in.AvailableCopies == nil {
				return invalid(domain.FieldErrors{"totalCopies": "is required"})
			}
		}
		applyBookFields(&next, in)
		next = domain.NormalizeBook(next)

		// Only the caller supplied counts are checked here.
		check := next
		check.AvailableCopies = 0
		if in.TotalCopies != nil {
			check.TotalCopies = *in.TotalCopies
		}
		if in.AvailableCopies != nil {
			check.AvailableCopies = *in.AvailableCopies
			if in.TotalCopies == nil {
				check.TotalCopies = max(check.TotalCopies, check.AvailableCopies)
			}
		}
		if err := invalid(domain.ValidateBook(check, a.now())); err != nil {
			return err
		}

		updated, err = tx.UpdateBook(ctx, id, store.BookUpdate{
			Title:           next.Title,
			Author:          next.Author,
			ISBN:            next.ISBN,
			Genres:          next.Genres,
			PublishedYear:   next.PublishedYear,
			TotalCopies:     in.TotalCopies,
			AvailableCopies: in.AvailableCopies,
		})
		if err != nil {
			return fmt.Errorf("update book: %w", storeErr(err, ErrBookNotFound))
		}
		return nil
	})
	if err != nil {
		return domain.Book{}, err
	}
	return updated, nil
}

func applyBookFields(b *domain.Book, in BookInput) {
	if in.Title != nil {
		b.Title = *in.Title
	}
	if in.Author != nil {
		b.Author = *in.Author
	}
	if in.ISBN != nil {
		b.ISBN = *in.ISBN
	}
	if in.Genres != nil {
		b.Genres = append([]string(nil), (*in.Genres)...)
	}
	if in.PublishedYear != nil {
		b.PublishedYear = *in.PublishedYear
	}
}

// CreateUser validates and stores a new member.
func (a *App) CreateUser(ctx context.Context, in UserInput) (domain.User, error) {
	now := a.now().UTC()
	u := domain.User{ID: util.NewID(), MemberSince: now, CreatedAt: now, UpdatedAt: now}
	applyUserFields(&u, in)
	u = domain.NormalizeUser(u)
	if err := invalid(domain.ValidateUser(u)); err != nil {
		return domain.User{}, err
	}
	if err := a.store.CreateUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", storeErr(err, ErrUserNotFound))
	}
	return u, nil
}

func (a *App) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, ok, err := a.store.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return u, nil
}

func (a *App) ListUsers(ctx context.Context, filter domain.UserFilter) ([]domain.User, error) {
	users, err := a.store.ListUsers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUser applies in to the user under its row lock. With replace set
// absent fields reset to their defaults; memberSince is kept when not
// supplied.
func (a *App) UpdateUser(ctx context.Context, id string, in UserInput, replace bool) (domain.User, error) {
	var updated domain.User
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		current, ok, err := tx.LockUser(ctx, id)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if !ok {
			return ErrUserNotFound
		}
		next := current
		if replace {
			next = domain.User{ID: current.ID, MemberSince: current.MemberSince}
		}
		applyUserFields(&next, in)
		next = domain.NormalizeUser(next)
		if err := invalid(domain.ValidateUser(next)); err != nil {
			return err
		}
		updated, err = tx.UpdateUser(ctx, id, store.UserUpdate{
			FirstName:   next.FirstName,
			LastName:    next.LastName,
			Email:       next.Email,
			MemberSince: next.MemberSince,
			Status:      next.Status,
		})
		if err != nil {
			return fmt.Errorf("update user: %w", storeErr(err, ErrUserNotFound))
		}
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return updated, nil
}

func applyUserFields(u *domain.User, in UserInput) {
	if in.FirstName != nil {
		u.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		u.LastName = *in.LastName
	}
	if in.Email != nil {
		u.Email = *in.Email
	}
	if in.MemberSince != nil {
		u.MemberSince = in.MemberSince.UTC()
	}
	if in.Status != nil {
		u.Status = domain.UserStatus(strings.ToLower(strings.TrimSpace(*in.Status)))
	}
}

func mergeFieldErrors(dst, src domain.FieldErrors) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}
