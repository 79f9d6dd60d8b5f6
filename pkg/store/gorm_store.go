package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookbuddy/pkg/domain"
)

const migrateLockID int64 = 42114211

const defaultOpTimeout = 5 * time.Second

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

var bookSortColumns = map[string]string{
	"title":           "title",
	"author":          "author",
	"publishedYear":   "published_year",
	"availableCopies": "available_copies",
	"createdAt":       "created_at",
}

type GormStoreOptions struct {
	OpTimeout time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithOpTimeout bounds every store operation (a whole transaction for Atomic).
func WithOpTimeout(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.OpTimeout = d
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db        *gorm.DB
	opTimeout time.Duration
	inTx      bool
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{OpTimeout: defaultOpTimeout}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, classify(fmt.Errorf("open db: %w", err))
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &UserModel{}, &LoanModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, opTimeout: opts.OpTimeout}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return classify(fmt.Errorf("open sql conn: %w", err))
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	if s.inTx {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// session returns a handle bound to ctx. Outside a transaction the handle
// carries the per-operation timeout.
func (s *GormStore) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if s.inTx {
		return s.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	return s.db.WithContext(ctx), cancel
}

// Atomic runs fn inside a database transaction.
func (s *GormStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	db, cancel := s.session(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, opTimeout: s.opTimeout, inTx: true})
	})
	return classify(err)
}

// CreateBook inserts a new book.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) error {
	db, cancel := s.session(ctx)
	defer cancel()
	model, err := bookToModel(b)
	if err != nil {
		return err
	}
	if err := db.Create(&model).Error; err != nil {
		return duplicateAs(classify(err), ErrDuplicateISBN)
	}
	return nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	return getBook(db, id)
}

// LockBook reads a book with FOR UPDATE.
func (s *GormStore) LockBook(ctx context.Context, id string) (domain.Book, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	return getBook(db.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func getBook(db *gorm.DB, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, classify(err)
	}
	return bookFromModel(model), true, nil
}

// GetBooks returns the books with the given ids keyed by id.
func (s *GormStore) GetBooks(ctx context.Context, ids []string) (map[string]domain.Book, error) {
	ids = uniqueIDs(ids)
	res := make(map[string]domain.Book, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	db, cancel := s.session(ctx)
	defer cancel()
	var models []BookModel
	if err := db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	for _, m := range models {
		res[m.ID] = bookFromModel(m)
	}
	return res, nil
}

// ListBooks returns books matching filter, oldest first unless sorted.
func (s *GormStore) ListBooks(ctx context.Context, filter domain.BookFilter) ([]domain.Book, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	tx := db.Model(&BookModel{})
	if q := strings.TrimSpace(filter.Query); q != "" {
		pattern := likePattern(q)
		tx = tx.Where("title ILIKE ? OR author ILIKE ? OR isbn ILIKE ?", pattern, pattern, pattern)
	}
	if g := strings.TrimSpace(filter.Genre); g != "" {
		raw, err := json.Marshal([]string{g})
		if err != nil {
			return nil, err
		}
		tx = tx.Where("genres @> ?::jsonb", string(raw))
	}
	if filter.Year != 0 {
		tx = tx.Where("published_year = ?", filter.Year)
	}
	tx = tx.Order(bookOrder(filter.Sort)).Order("id ASC")

	var models []BookModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

func bookOrder(sort domain.BookSort) clause.OrderByColumn {
	field, desc := sort.Field()
	col, ok := bookSortColumns[field]
	if !ok {
		return clause.OrderByColumn{Column: clause.Column{Name: "created_at"}}
	}
	return clause.OrderByColumn{Column: clause.Column{Name: col}, Desc: desc}
}

// UpdateBook replaces catalog fields and derives the copy counts under a row lock.
func (s *GormStore) UpdateBook(ctx context.Context, id string, upd BookUpdate) (domain.Book, error) {
	var out domain.Book
	err := s.Atomic(ctx, func(txs Store) error {
		tx := txs.(*GormStore)
		db, cancel := tx.session(ctx)
		defer cancel()

		current, ok, err := getBook(db.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		var open int64
		if err := db.Model(&LoanModel{}).
			Where("book_id = ? AND status = ?", id, string(domain.LoanOpen)).
			Count(&open).Error; err != nil {
			return classify(err)
		}
		total, available, err := derivedCopies(current, upd, int(open))
		if err != nil {
			return err
		}
		genres, err := marshalGenres(upd.Genres)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := db.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
			"title":            upd.Title,
			"author":           upd.Author,
			"isbn":             upd.ISBN,
			"genres":           datatypes.JSON(genres),
			"published_year":   upd.PublishedYear,
			"total_copies":     total,
			"available_copies": available,
			"updated_at":       now,
		}).Error; err != nil {
			return duplicateAs(classify(err), ErrDuplicateISBN)
		}
		current.Title = upd.Title
		current.Author = upd.Author
		current.ISBN = upd.ISBN
		current.Genres = upd.Genres
		current.PublishedYear = upd.PublishedYear
		current.TotalCopies = total
		current.AvailableCopies = available
		current.UpdatedAt = now
		out = current
		return nil
	})
	return out, err
}

// DeleteBook removes a book.
func (s *GormStore) DeleteBook(ctx context.Context, id string) error {
	db, cancel := s.session(ctx)
	defer cancel()
	res := db.Delete(&BookModel{}, "id = ?", id)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementAvailable takes one copy only if one is available.
func (s *GormStore) DecrementAvailable(ctx context.Context, bookID string) error {
	db, cancel := s.session(ctx)
	defer cancel()
	res := db.Model(&BookModel{}).
		Where("id = ? AND available_copies > 0", bookID).
		Updates(map[string]any{
			"available_copies": gorm.Expr("available_copies - 1"),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.missOrErr(db, bookID, ErrNoCopies)
}

// IncrementAvailable gives one copy back, never above totalCopies.
func (s *GormStore) IncrementAvailable(ctx context.Context, bookID string) error {
	db, cancel := s.session(ctx)
	defer cancel()
	res := db.Model(&BookModel{}).
		Where("id = ? AND available_copies < total_copies", bookID).
		Updates(map[string]any{
			"available_copies": gorm.Expr("available_copies + 1"),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.missOrErr(db, bookID, ErrAtCapacity)
}

// missOrErr distinguishes a missing book from a failed condition after a
// conditional update matched no row.
func (s *GormStore) missOrErr(db *gorm.DB, bookID string, condErr error) error {
	var count int64
	if err := db.Model(&BookModel{}).Where("id = ?", bookID).Count(&count).Error; err != nil {
		return classify(err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return condErr
}

// CreateUser inserts a new user.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	db, cancel := s.session(ctx)
	defer cancel()
	model := userToModel(u)
	if err := db.Create(&model).Error; err != nil {
		return duplicateAs(classify(err), ErrDuplicateEmail)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	return getUser(db, id)
}

// LockUser reads a user with FOR UPDATE.
func (s *GormStore) LockUser(ctx context.Context, id string) (domain.User, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	return getUser(db.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func getUser(db *gorm.DB, id string) (domain.User, bool, error) {
	var model UserModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, classify(err)
	}
	return userFromModel(model), true, nil
}

// GetUsers returns the users with the given ids keyed by id.
func (s *GormStore) GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	ids = uniqueIDs(ids)
	res := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	db, cancel := s.session(ctx)
	defer cancel()
	var models []UserModel
	if err := db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	for _, m := range models {
		res[m.ID] = userFromModel(m)
	}
	return res, nil
}

// ListUsers returns users ordered by created_at.
func (s *GormStore) ListUsers(ctx context.Context, filter domain.UserFilter) ([]domain.User, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	tx := db.Model(&UserModel{})
	if q := strings.TrimSpace(filter.Query); q != "" {
		pattern := likePattern(q)
		tx = tx.Where("first_name ILIKE ? OR last_name ILIKE ? OR email ILIKE ?", pattern, pattern, pattern)
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	var models []UserModel
	if err := tx.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UpdateUser replaces the mutable user fields.
func (s *GormStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) (domain.User, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	now := time.Now().UTC()
	res := db.Model(&UserModel{}).Where("id = ?", id).Updates(map[string]any{
		"first_name":   upd.FirstName,
		"last_name":    upd.LastName,
		"email":        upd.Email,
		"member_since": upd.MemberSince.UTC(),
		"status":       string(upd.Status),
		"updated_at":   now,
	})
	if res.Error != nil {
		return domain.User{}, duplicateAs(classify(res.Error), ErrDuplicateEmail)
	}
	if res.RowsAffected == 0 {
		return domain.User{}, ErrNotFound
	}
	u, ok, err := getUser(db, id)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

// DeleteUser removes a user.
func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	db, cancel := s.session(ctx)
	defer cancel()
	res := db.Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateLoan inserts a loan record.
func (s *GormStore) CreateLoan(ctx context.Context, l domain.Loan) error {
	db, cancel := s.session(ctx)
	defer cancel()
	model := loanToModel(l)
	return classify(db.Create(&model).Error)
}

// GetLoan retrieves a loan.
func (s *GormStore) GetLoan(ctx context.Context, id string) (domain.Loan, bool, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var model LoanModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, classify(err)
	}
	return loanFromModel(model), true, nil
}

// ListLoans returns loans matching filter ordered by created_at.
func (s *GormStore) ListLoans(ctx context.Context, filter domain.LoanFilter) ([]domain.Loan, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var models []LoanModel
	if err := loanQuery(db, filter).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	res := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		res = append(res, loanFromModel(m))
	}
	return res, nil
}

// CountLoans counts loans matching filter.
func (s *GormStore) CountLoans(ctx context.Context, filter domain.LoanFilter) (int, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var count int64
	if err := loanQuery(db, filter).Count(&count).Error; err != nil {
		return 0, classify(err)
	}
	return int(count), nil
}

func loanQuery(db *gorm.DB, filter domain.LoanFilter) *gorm.DB {
	tx := db.Model(&LoanModel{})
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	if filter.BookID != "" {
		tx = tx.Where("book_id = ?", filter.BookID)
	}
	if filter.Overdue {
		now := filter.Now
		if now.IsZero() {
			now = time.Now()
		}
		tx = tx.Where("status = ? AND due_at < ?", string(domain.LoanOpen), now.UTC())
	}
	return tx
}

// MarkLoanReturned flips an open loan to returned. The status condition is
// part of the UPDATE so only one of several concurrent returns succeeds.
func (s *GormStore) MarkLoanReturned(ctx context.Context, id string, at time.Time) (domain.Loan, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	at = at.UTC()
	res := db.Model(&LoanModel{}).
		Where("id = ? AND status = ?", id, string(domain.LoanOpen)).
		Updates(map[string]any{
			"status":      string(domain.LoanReturned),
			"returned_at": at,
			"updated_at":  at,
		})
	if res.Error != nil {
		return domain.Loan{}, classify(res.Error)
	}
	var model LoanModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, ErrNotFound
		}
		return domain.Loan{}, classify(err)
	}
	if res.RowsAffected == 0 {
		return domain.Loan{}, ErrLoanNotOpen
	}
	return loanFromModel(model), nil
}

// DeleteLoan removes a loan and returns what was deleted.
func (s *GormStore) DeleteLoan(ctx context.Context, id string) (domain.Loan, error) {
	db, cancel := s.session(ctx)
	defer cancel()
	var model LoanModel
	res := db.Clauses(clause.Returning{}).Where("id = ?", id).Delete(&model)
	if res.Error != nil {
		return domain.Loan{}, classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Loan{}, ErrNotFound
	}
	return loanFromModel(model), nil
}

func likePattern(q string) string {
	q = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	return "%" + q + "%"
}

// classify maps driver failures that mean "database unreachable" to ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		pgconn.Timeout(err),
		errors.As(err, &connectErr),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// duplicateAs reports a unique violation as target.
func duplicateAs(err error, target error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return target
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return target
	}
	return err
}

func marshalGenres(genres []string) ([]byte, error) {
	if len(genres) == 0 {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(genres)
	if err != nil {
		return nil, fmt.Errorf("encode genres: %w", err)
	}
	return raw, nil
}

func bookToModel(b domain.Book) (BookModel, error) {
	genres, err := marshalGenres(b.Genres)
	if err != nil {
		return BookModel{}, err
	}
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		ISBN:            b.ISBN,
		Genres:          genres,
		PublishedYear:   b.PublishedYear,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}, nil
}

func bookFromModel(m BookModel) domain.Book {
	var genres []string
	if len(m.Genres) > 0 {
		_ = json.Unmarshal(m.Genres, &genres)
	}
	if len(genres) == 0 {
		genres = nil
	}
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		Author:          m.Author,
		ISBN:            m.ISBN,
		Genres:          genres,
		PublishedYear:   m.PublishedYear,
		TotalCopies:     m.TotalCopies,
		AvailableCopies: m.AvailableCopies,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:          u.ID,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Email:       u.Email,
		MemberSince: u.MemberSince,
		Status:      string(u.Status),
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:          m.ID,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		Email:       m.Email,
		MemberSince: m.MemberSince,
		Status:      status,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		ID:         l.ID,
		BookID:     l.BookID,
		UserID:     l.UserID,
		Status:     string(l.Status),
		LoanedAt:   l.LoanedAt,
		DueAt:      l.DueAt,
		ReturnedAt: l.ReturnedAt,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		ID:         m.ID,
		BookID:     m.BookID,
		UserID:     m.UserID,
		Status:     domain.LoanStatus(m.Status),
		LoanedAt:   m.LoanedAt,
		DueAt:      m.DueAt,
		ReturnedAt: m.ReturnedAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
