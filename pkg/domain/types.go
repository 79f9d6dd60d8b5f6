package domain

import "time"

type UserStatus string

const (
	StatusActive    UserStatus = "active"
	StatusSuspended UserStatus = "suspended"
)

// LoanStatus is the stored lifecycle state of a loan. Overdue is never
// stored; see Loan.Overdue.
type LoanStatus string

const (
	LoanOpen     LoanStatus = "open"
	LoanReturned LoanStatus = "returned"
)

type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	Genres          []string  `json:"genres,omitempty"`
	PublishedYear   int       `json:"publishedYear,omitempty"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type User struct {
	ID          string     `json:"id"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Email       string     `json:"email"`
	MemberSince time.Time  `json:"memberSince"`
	Status      UserStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Loan struct {
	ID         string     `json:"id"`
	BookID     string     `json:"bookId"`
	UserID     string     `json:"userId"`
	LoanedAt   time.Time  `json:"loanedAt"`
	DueAt      time.Time  `json:"dueAt"`
	ReturnedAt *time.Time `json:"returnedAt,omitempty"`
	Status     LoanStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Overdue reports whether an open loan is past its due date at now.
func (l Loan) Overdue(now time.Time) bool {
	return l.Status == LoanOpen && l.DueAt.Before(now)
}

// BookRef is the subset of a book embedded in loan responses.
type BookRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
}

// UserRef is the subset of a user embedded in loan responses.
type UserRef struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// LoanView is a loan with its book and user populated. Book or User is nil
// when the referenced record no longer exists.
type LoanView struct {
	Loan
	Overdue bool     `json:"overdue"`
	Book    *BookRef `json:"book"`
	User    *UserRef `json:"user"`
}

func (b Book) Ref() *BookRef {
	return &BookRef{ID: b.ID, Title: b.Title, Author: b.Author, ISBN: b.ISBN}
}

func (u User) Ref() *UserRef {
	return &UserRef{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Email: u.Email}
}

// BookSort names a sortable book field; a leading "-" means descending.
type BookSort string

type BookFilter struct {
	Query string
	Genre string
	Year  int
	Sort  BookSort
}

type UserFilter struct {
	Query  string
	Status UserStatus
}

type LoanFilter struct {
	Status  LoanStatus
	UserID  string
	BookID  string
	Overdue bool
	// Now is the reference time for Overdue. Zero means time.Now().
	Now time.Time
}

// Adjustment records one book corrected by a reconciliation sweep.
type Adjustment struct {
	BookID      string `json:"bookId"`
	TotalCopies int    `json:"totalCopies"`
	OpenLoans   int    `json:"openLoans"`
	Before      int    `json:"before"`
	After       int    `json:"after"`
}
