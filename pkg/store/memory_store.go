package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"bookbuddy/pkg/domain"
)

type memState struct {
	books     map[string]domain.Book
	bookOrder []string
	isbns     map[string]string // isbn -> book ID
	users     map[string]domain.User
	userOrder []string
	emails    map[string]string // email -> user ID
	loans     map[string]domain.Loan
	loanOrder []string
}

func newMemState() *memState {
	return &memState{
		books:  make(map[string]domain.Book),
		isbns:  make(map[string]string),
		users:  make(map[string]domain.User),
		emails: make(map[string]string),
		loans:  make(map[string]domain.Loan),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		books:     make(map[string]domain.Book, len(s.books)),
		bookOrder: slices.Clone(s.bookOrder),
		isbns:     make(map[string]string, len(s.isbns)),
		users:     make(map[string]domain.User, len(s.users)),
		userOrder: slices.Clone(s.userOrder),
		emails:    make(map[string]string, len(s.emails)),
		loans:     make(map[string]domain.Loan, len(s.loans)),
		loanOrder: slices.Clone(s.loanOrder),
	}
	for k, v := range s.books {
		v.Genres = slices.Clone(v.Genres)
		c.books[k] = v
	}
	for k, v := range s.isbns {
		c.isbns[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.emails {
		c.emails[k] = v
	}
	for k, v := range s.loans {
		c.loans[k] = v
	}
	return c
}

// MemoryStore keeps everything in-process. It backs tests and the "memory"
// store driver. Atomic runs against a copy of the state that replaces the
// original only when fn succeeds.
type MemoryStore struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, st: newMemState()}
}

// lock is a no-op inside Atomic, which already holds the mutex.
func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) Close() error { return nil }

// Atomic runs fn with exclusive access to a snapshot of the state.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &MemoryStore{mu: m.mu, st: m.st.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	m.st = tx.st
	return nil
}

func (m *MemoryStore) CreateBook(ctx context.Context, b domain.Book) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	defer m.lock()()
	if _, taken := m.st.isbns[b.ISBN]; taken {
		return ErrDuplicateISBN
	}
	b.Genres = slices.Clone(b.Genres)
	if _, exists := m.st.books[b.ID]; !exists {
		m.st.bookOrder = append(m.st.bookOrder, b.ID)
	}
	m.st.books[b.ID] = b
	m.st.isbns[b.ISBN] = b.ID
	return nil
}

func (m *MemoryStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Book{}, false, err
	}
	defer m.lock()()
	b, ok := m.st.books[id]
	return b, ok, nil
}

// LockBook is GetBook: the mutex already serializes writers.
func (m *MemoryStore) LockBook(ctx context.Context, id string) (domain.Book, bool, error) {
	return m.GetBook(ctx, id)
}

func (m *MemoryStore) GetBooks(ctx context.Context, ids []string) (map[string]domain.Book, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	defer m.lock()()
	res := make(map[string]domain.Book, len(ids))
	for _, id := range uniqueIDs(ids) {
		if b, ok := m.st.books[id]; ok {
			res[id] = b
		}
	}
	return res, nil
}

// ListBooks returns books in insertion order unless filter.Sort says otherwise.
func (m *MemoryStore) ListBooks(ctx context.Context, filter domain.BookFilter) ([]domain.Book, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	defer m.lock()()
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	genre := strings.TrimSpace(filter.Genre)
	res := make([]domain.Book, 0, len(m.st.bookOrder))
	for _, id := range m.st.bookOrder {
		b, ok := m.st.books[id]
		if !ok {
			continue
		}
		if q != "" && !containsFold(q, b.Title, b.Author, b.ISBN) {
			continue
		}
		if genre != "" && !slices.Contains(b.Genres, genre) {
			continue
		}
		if filter.Year != 0 && b.PublishedYear != filter.Year {
			continue
		}
		res = append(res, b)
	}
	sortBooks(res, filter.Sort)
	return res, nil
}

func sortBooks(books []domain.Book, s domain.BookSort) {
	field, desc := s.Field()
	var less func(a, b domain.Book) int
	switch field {
	case "title":
		less = func(a, b domain.Book) int { return strings.Compare(a.Title, b.Title) }
	case "author":
		less = func(a, b domain.Book) int { return strings.Compare(a.Author, b.Author) }
	case "publishedYear":
		less = func(a, b domain.Book) int { return a.PublishedYear - b.PublishedYear }
	case "availableCopies":
		less = func(a, b domain.Book) int { return a.AvailableCopies - b.AvailableCopies }
	case "createdAt":
		less = func(a, b domain.Book) int { return a.CreatedAt.Compare(b.CreatedAt) }
	default:
		return
	}
	sort.SliceStable(books, func(i, j int) bool {
		c := less(books[i], books[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func (m *MemoryStore) UpdateBook(ctx context.Context, id string, upd BookUpdate) (domain.Book, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Book{}, err
	}
	defer m.lock()()
	current, ok := m.st.books[id]
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	if owner, taken := m.st.isbns[upd.ISBN]; taken && owner != id {
		return domain.Book{}, ErrDuplicateISBN
	}
	total, available, err := derivedCopies(current, upd, m.openLoans(id))
	if err != nil {
		return domain.Book{}, err
	}
	delete(m.st.isbns, current.ISBN)
	current.Title = upd.Title
	current.Author = upd.Author
	current.ISBN = upd.ISBN
	current.Genres = slices.Clone(upd.Genres)
	current.PublishedYear = upd.PublishedYear
	current.TotalCopies = total
	current.AvailableCopies = available
	current.UpdatedAt = time.Now().UTC()
	m.st.books[id] = current
	m.st.isbns[current.ISBN] = id
	return current, nil
}

func (m *MemoryStore) openLoans(bookID string) int {
	n := 0
	for _, l := range m.st.loans {
		if l.BookID == bookID && l.Status == domain.LoanOpen {
			n++
		}
	}
	return n
}

func (m *MemoryStore) DeleteBook(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	defer m.lock()()
	b, ok := m.st.books[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.st.books, id)
	delete(m.st.isbns, b.ISBN)
	m.st.bookOrder = removeID(m.st.bookOrder, id)
	return nil
}

func (m *MemoryStore) DecrementAvailable(ctx context.Context, bookID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	defer m.lock()()
	b, ok := m.st.books[bookID]
	if !ok {
		return ErrNotFound
	}
	if b.AvailableCopies <= 0 {
		return ErrNoCopies
	}
	b.AvailableCopies--
	b.UpdatedAt = time.Now().UTC()
	m.st.books[bookID] = b
	return nil
}

func (m *MemoryStore) IncrementAvailable(ctx context.Context, bookID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	defer m.lock()()
	b, ok := m.st.books[bookID]
	if !ok {
		return ErrNotFound
	}
	if b.AvailableCopies >= b.TotalCopies {
		return ErrAtCapacity
	}
	b.AvailableCopies++
	b.UpdatedAt = time.Now().UTC()
	m.st.books[bookID] = b
	return nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u domain.User) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	defer m.lock()()
	if _, taken := m.st.emails[u.Email]; taken {
		return ErrDuplicateEmail
	}
	if _, exists := m.st.users[u.ID]; !exists {
		m.st.userOrder = append(m.st.userOrder, u.ID)
	}
	m.st.users[u.ID] = u
	m.st.emails[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.User{}, false, err
	}
	defer m.lock()()
	u, ok := m.st.users[id]
	return u, ok, nil
}

func (m *MemoryStore) LockUser(ctx context.Context, id string) (domain.User, bool, error) {
	return m.GetUser(ctx, id)
}

func (m *MemoryStore) GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	defer m.lock()()
	res := make(map[string]domain.User, len(ids))
	for _, id := range uniqueIDs(ids) {
		if u, ok := m.st.users[id]; ok {
			res[id] = u
		}
	}
	return res, nil
}

func (m *MemoryStore) ListUsers(ctx context.Context, filter domain.UserFilter) ([]domain.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	defer m.lock()()
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	res := make([]domain.User, 0, len(m.st.userOrder))
	for _, id := range m.st.userOrder {
		u, ok := m.st.users[id]
		if !ok {
			continue
		}
		if q != "" && !containsFold(q, u.FirstName, u.LastName, u.Email) {
			continue
		}
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		res = append(res, u)
	}
	return res, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) (domain.User, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.User{}, err
	}
	defer m.lock()()
	u, ok := m.st.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	if owner, taken := m.st.emails[upd.Email]; taken && owner != id {
		return domain.User{}, ErrDuplicateEmail
	}
	delete(m.st.emails, u.Email)
	u.FirstName = upd.FirstName
	u.LastName = upd.LastName
	u.Email = upd.Email
	u.MemberSince = upd.MemberSince.UTC()
	u.Status = upd.Status
	u.UpdatedAt = time.Now().UTC()
	m.st.users[id] = u
	m.st.emails[u.Email] = id
	return u, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	defer m.lock()()
	u, ok := m.st.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.st.users, id)
	delete(m.st.emails, u.Email)
	m.st.userOrder = removeID(m.st.userOrder, id)
	return nil
}

func (m *MemoryStore) CreateLoan(ctx context.Context, l domain.Loan) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	defer m.lock()()
	if _, exists := m.st.loans[l.ID]; !exists {
		m.st.loanOrder = append(m.st.loanOrder, l.ID)
	}
	m.st.loans[l.ID] = l
	return nil
}

func (m *MemoryStore) GetLoan(ctx context.Context, id string) (domain.Loan, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Loan{}, false, err
	}
	defer m.lock()()
	l, ok := m.st.loans[id]
	return l, ok, nil
}

func (m *MemoryStore) ListLoans(ctx context.Context, filter domain.LoanFilter) ([]domain.Loan, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	defer m.lock()()
	return m.matchLoans(filter), nil
}

func (m *MemoryStore) CountLoans(ctx context.Context, filter domain.LoanFilter) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	defer m.lock()()
	return len(m.matchLoans(filter)), nil
}

func (m *MemoryStore) matchLoans(filter domain.LoanFilter) []domain.Loan {
	now := filter.Now
	if now.IsZero() {
		now = time.Now()
	}
	res := make([]domain.Loan, 0)
	for _, id := range m.st.loanOrder {
		l, ok := m.st.loans[id]
		if !ok {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && l.UserID != filter.UserID {
			continue
		}
		if filter.BookID != "" && l.BookID != filter.BookID {
			continue
		}
		if filter.Overdue && !l.Overdue(now) {
			continue
		}
		res = append(res, l)
	}
	return res
}

func (m *MemoryStore) MarkLoanReturned(ctx context.Context, id string, at time.Time) (domain.Loan, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Loan{}, err
	}
	defer m.lock()()
	l, ok := m.st.loans[id]
	if !ok {
		return domain.Loan{}, ErrNotFound
	}
	if l.Status != domain.LoanOpen {
		return domain.Loan{}, ErrLoanNotOpen
	}
	at = at.UTC()
	l.Status = domain.LoanReturned
	l.ReturnedAt = &at
	l.UpdatedAt = at
	m.st.loans[id] = l
	return l, nil
}

func (m *MemoryStore) DeleteLoan(ctx context.Context, id string) (domain.Loan, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Loan{}, err
	}
	defer m.lock()()
	l, ok := m.st.loans[id]
	if !ok {
		return domain.Loan{}, ErrNotFound
	}
	delete(m.st.loans, id)
	m.st.loanOrder = removeID(m.st.loanOrder, id)
	return l, nil
}

func (m *MemoryStore) Reconcile(ctx context.Context) ([]domain.Adjustment, error) {
	var adjustments []domain.Adjustment
	err := m.Atomic(ctx, func(txs Store) error {
		tx := txs.(*MemoryStore)
		now := time.Now().UTC()
		for _, id := range tx.st.bookOrder {
			b := tx.st.books[id]
			adj, changed := adjustmentFor(id, b.TotalCopies, b.AvailableCopies, tx.openLoans(id))
			if !changed {
				continue
			}
			b.AvailableCopies = adj.After
			b.UpdatedAt = now
			tx.st.books[id] = b
			adjustments = append(adjustments, adj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adjustments, nil
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	return nil
}

func containsFold(q string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}
