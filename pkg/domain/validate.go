package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinTitleLength   = 2
	MaxTitleLength   = 120
	MaxGenres        = 5
	MinPublishedYear = 1450
)

var (
	isbnPattern  = regexp.MustCompile(`^\d{10}(\d{3})?$`)
	emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)
)

var bookSortFields = map[string]struct{}{
	"title":           {},
	"author":          {},
	"publishedYear":   {},
	"availableCopies": {},
	"createdAt":       {},
}

// FieldErrors maps a JSON field name to a human readable violation.
type FieldErrors map[string]string

func (f FieldErrors) add(field, msg string) {
	if _, exists := f[field]; !exists {
		f[field] = msg
	}
}

// NormalizeBook trims text fields and drops blank genres.
func NormalizeBook(b Book) Book {
	b.Title = strings.TrimSpace(b.Title)
	b.Author = strings.TrimSpace(b.Author)
	b.ISBN = strings.TrimSpace(b.ISBN)
	if len(b.Genres) > 0 {
		genres := make([]string, 0, len(b.Genres))
		for _, g := range b.Genres {
			g = strings.TrimSpace(g)
			if g == "" {
				continue
			}
			genres = append(genres, g)
		}
		b.Genres = genres
	}
	return b
}

// ValidateBook checks a normalized book against the catalog rules. now
// bounds publishedYear.
func ValidateBook(b Book, now time.Time) FieldErrors {
	errs := FieldErrors{}
	switch n := utf8.RuneCountInString(b.Title); {
	case n == 0:
		errs.add("title", "is required")
	case n < MinTitleLength:
		errs.add("title", fmt.Sprintf("must be at least %d characters", MinTitleLength))
	case n > MaxTitleLength:
		errs.add("title", fmt.Sprintf("must be at most %d characters", MaxTitleLength))
	}
	if b.Author == "" {
		errs.add("author", "is required")
	}
	if b.ISBN == "" {
		errs.add("isbn", "is required")
	} else if !isbnPattern.MatchString(b.ISBN) {
		errs.add("isbn", fmt.Sprintf("%s is not a valid ISBN (must be 10 or 13 digits)", b.ISBN))
	}
	if len(b.Genres) > MaxGenres {
		errs.add("genres", fmt.Sprintf("max %d genres", MaxGenres))
	}
	if b.PublishedYear != 0 && (b.PublishedYear < MinPublishedYear || b.PublishedYear > now.Year()) {
		errs.add("publishedYear", fmt.Sprintf("must be between %d and %d", MinPublishedYear, now.Year()))
	}
	if b.TotalCopies < 0 {
		errs.add("totalCopies", "must be >= 0")
	}
	if b.AvailableCopies < 0 {
		errs.add("availableCopies", "must be >= 0")
	} else if b.AvailableCopies > b.TotalCopies {
		errs.add("availableCopies", "must not exceed totalCopies")
	}
	return errs
}

// NormalizeUser trims names, lower-cases the email and defaults the status.
func NormalizeUser(u User) User {
	u.FirstName = strings.TrimSpace(u.FirstName)
	u.LastName = strings.TrimSpace(u.LastName)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Status == "" {
		u.Status = StatusActive
	}
	return u
}

func ValidateUser(u User) FieldErrors {
	errs := FieldErrors{}
	if u.FirstName == "" {
		errs.add("firstName", "is required")
	}
	if u.LastName == "" {
		errs.add("lastName", "is required")
	}
	if u.Email == "" {
		errs.add("email", "is required")
	} else if !emailPattern.MatchString(u.Email) {
		errs.add("email", "invalid email format")
	}
	if !IsValidUserStatus(u.Status) {
		errs.add("status", "must be one of active, suspended")
	}
	return errs
}

// ValidateLoan checks the caller supplied part of a new loan.
func ValidateLoan(l Loan) FieldErrors {
	errs := FieldErrors{}
	if strings.TrimSpace(l.BookID) == "" {
		errs.add("book", "is required")
	}
	if strings.TrimSpace(l.UserID) == "" {
		errs.add("user", "is required")
	}
	if l.DueAt.IsZero() {
		errs.add("dueAt", "is required")
	} else if !l.LoanedAt.IsZero() && !l.DueAt.After(l.LoanedAt) {
		errs.add("dueAt", "must be after loanedAt")
	}
	return errs
}

func IsValidUserStatus(s UserStatus) bool {
	return s == StatusActive || s == StatusSuspended
}

// ParseLoanStatus accepts the stored statuses. Overdue is reported separately
// because it is derived, not stored.
func ParseLoanStatus(raw string) (status LoanStatus, overdue bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", false, true
	case string(LoanOpen):
		return LoanOpen, false, true
	case string(LoanReturned):
		return LoanReturned, false, true
	case "overdue":
		return LoanOpen, true, true
	default:
		return "", false, false
	}
}

// ParseBookSort validates a sort expression such as "title" or "-publishedYear".
func ParseBookSort(raw string) (BookSort, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	if _, ok := bookSortFields[strings.TrimPrefix(raw, "-")]; !ok {
		return "", false
	}
	return BookSort(raw), true
}

// Field returns the sort field and whether it is descending.
func (s BookSort) Field() (string, bool) {
	if strings.HasPrefix(string(s), "-") {
		return string(s[1:]), true
	}
	return string(s), false
}
