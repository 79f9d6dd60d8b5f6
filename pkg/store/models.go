package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID              string         `gorm:"primaryKey"`
	Title           string         `gorm:"not null"`
	Author          string         `gorm:"not null"`
	ISBN            string         `gorm:"column:isbn;uniqueIndex;not null"`
	Genres          datatypes.JSON `gorm:"type:jsonb"`
	PublishedYear   int
	TotalCopies     int       `gorm:"not null;check:chk_book_total_copies,total_copies >= 0"`
	AvailableCopies int       `gorm:"not null;check:chk_book_available_copies,available_copies >= 0 AND available_copies <= total_copies"`
	CreatedAt       time.Time `gorm:"not null;index"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type UserModel struct {
	ID          string    `gorm:"primaryKey"`
	FirstName   string    `gorm:"not null"`
	LastName    string    `gorm:"not null"`
	Email       string    `gorm:"uniqueIndex;not null"`
	MemberSince time.Time `gorm:"not null"`
	Status      string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type LoanModel struct {
	ID         string    `gorm:"primaryKey"`
	BookID     string    `gorm:"not null;index:idx_loan_book_status,priority:1"`
	UserID     string    `gorm:"not null;index:idx_loan_user_status,priority:1"`
	Status     string    `gorm:"not null;index:idx_loan_book_status,priority:2;index:idx_loan_user_status,priority:2"`
	LoanedAt   time.Time `gorm:"not null"`
	DueAt      time.Time `gorm:"not null;index"`
	ReturnedAt *time.Time
	CreatedAt  time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

func (UserModel) TableName() string { return "users" }

func (LoanModel) TableName() string { return "loans" }
