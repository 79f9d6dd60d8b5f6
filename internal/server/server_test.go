package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"bookbuddy/internal/app"
	"bookbuddy/internal/ratelimit"
	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/store"
)

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	if cfg.App == nil {
		a, err := app.New(app.Config{Store: store.NewMemoryStore()})
		if err != nil {
			t.Fatalf("new app: %v", err)
		}
		cfg.App = a
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func createBook(t *testing.T, h http.Handler, isbn string, copies int) domain.Book {
	t.Helper()
	body := `{"title":"Dune","author":"Frank Herbert","isbn":"` + isbn + `","genres":["sci-fi"],"availableCopies":` + itoa(copies) + `}`
	rec := do(t, h, http.MethodPost, "/api/books", body)
	mustStatus(t, rec, http.StatusCreated)
	return decodeBody[domain.Book](t, rec)
}

func createUser(t *testing.T, h http.Handler, email string) domain.User {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/users", `{"firstName":"Ada","lastName":"Lovelace","email":"`+email+`"}`)
	mustStatus(t, rec, http.StatusCreated)
	return decodeBody[domain.User](t, rec)
}

func loanBody(bookID, userID string) string {
	due := time.Now().Add(14 * 24 * time.Hour).UTC().Format(time.RFC3339)
	return `{"book":"` + bookID + `","user":"` + userID + `","dueAt":"` + due + `"}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestWelcomeAndHealth(t *testing.T) {
	h := newTestServer(t, Config{})

	rec := do(t, h, http.MethodGet, "/", "")
	mustStatus(t, rec, http.StatusOK)
	if got := decodeBody[map[string]string](t, rec)["message"]; got != "Welcome to BookBuddy API!" {
		t.Fatalf("unexpected welcome message %q", got)
	}
	mustStatus(t, do(t, h, http.MethodGet, "/healthz", ""), http.StatusOK)
	mustStatus(t, do(t, h, http.MethodGet, "/nope", ""), http.StatusNotFound)
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t, Config{})
	book := createBook(t, h, "9780441013593", 1)
	alice := createUser(t, h, "alice@example.com")
	bob := createUser(t, h, "bob@example.com")

	rec := do(t, h, http.MethodPost, "/api/loans", loanBody(book.ID, alice.ID))
	mustStatus(t, rec, http.StatusCreated)
	loan := decodeBody[domain.LoanView](t, rec)
	if loan.Status != domain.LoanOpen || loan.Book == nil || loan.User == nil {
		t.Fatalf("unexpected loan %+v", loan)
	}

	got := decodeBody[domain.Book](t, do(t, h, http.MethodGet, "/api/books/"+book.ID, ""))
	if got.AvailableCopies != 0 {
		t.Fatalf("expected 0 available, got %d", got.AvailableCopies)
	}

	rec = do(t, h, http.MethodPost, "/api/loans", loanBody(book.ID, bob.ID))
	mustStatus(t, rec, http.StatusUnprocessableEntity)
	errBody := decodeBody[errorResponse](t, rec)
	if errBody.Code != "LOAN_NO_COPIES" || errBody.RequestID == "" {
		t.Fatalf("unexpected error body %+v", errBody)
	}

	rec = do(t, h, http.MethodPatch, "/api/loans/"+loan.ID+"/return", "")
	mustStatus(t, rec, http.StatusOK)
	returned := decodeBody[domain.LoanView](t, rec)
	if returned.Status != domain.LoanReturned || returned.ReturnedAt == nil {
		t.Fatalf("unexpected returned loan %+v", returned)
	}
	mustStatus(t, do(t, h, http.MethodPatch, "/api/loans/"+loan.ID+"/return", ""), http.StatusUnprocessableEntity)

	got = decodeBody[domain.Book](t, do(t, h, http.MethodGet, "/api/books/"+book.ID, ""))
	if got.AvailableCopies != 1 {
		t.Fatalf("expected 1 available, got %d", got.AvailableCopies)
	}

	mustStatus(t, do(t, h, http.MethodPost, "/api/loans", loanBody(book.ID, bob.ID)), http.StatusCreated)
	loans := decodeBody[[]domain.LoanView](t, do(t, h, http.MethodGet, "/api/loans?status=open", ""))
	if len(loans) != 1 || loans[0].UserID != bob.ID {
		t.Fatalf("expected one open loan for bob, got %+v", loans)
	}
}

func TestDeleteGuardOverHTTP(t *testing.T) {
	h := newTestServer(t, Config{})
	book := createBook(t, h, "0441013597", 2)
	user := createUser(t, h, "reader@example.com")
	loan := decodeBody[domain.LoanView](t, do(t, h, http.MethodPost, "/api/loans", loanBody(book.ID, user.ID)))

	rec := do(t, h, http.MethodDelete, "/api/books/"+book.ID, "")
	mustStatus(t, rec, http.StatusConflict)
	if code := decodeBody[errorResponse](t, rec).Code; code != "BOOK_HAS_OPEN_LOANS" {
		t.Fatalf("unexpected code %q", code)
	}
	mustStatus(t, do(t, h, http.MethodDelete, "/api/users/"+user.ID, ""), http.StatusConflict)

	mustStatus(t, do(t, h, http.MethodPatch, "/api/loans/"+loan.ID+"/return", ""), http.StatusOK)
	rec = do(t, h, http.MethodDelete, "/api/books/"+book.ID, "")
	mustStatus(t, rec, http.StatusOK)
	if msg := decodeBody[map[string]string](t, rec)["message"]; msg != "Book deleted" {
		t.Fatalf("unexpected delete message %q", msg)
	}
	mustStatus(t, do(t, h, http.MethodGet, "/api/books/"+book.ID, ""), http.StatusNotFound)

	// The loan history survives and still resolves the user.
	view := decodeBody[domain.LoanView](t, do(t, h, http.MethodGet, "/api/loans/"+loan.ID, ""))
	if view.Book != nil || view.User == nil {
		t.Fatalf("expected dangling book ref, got %+v", view)
	}
}

func TestValidationAndConflictErrors(t *testing.T) {
	h := newTestServer(t, Config{})
	createBook(t, h, "9780441013593", 1)
	createUser(t, h, "dup@example.com")

	rec := do(t, h, http.MethodPost, "/api/books", `{"title":"X","isbn":"123","availableCopies":1}`)
	mustStatus(t, rec, http.StatusBadRequest)
	body := decodeBody[errorResponse](t, rec)
	if body.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	for _, field := range []string{"title", "author", "isbn"} {
		if _, ok := body.Details[field]; !ok {
			t.Fatalf("expected detail for %s, got %+v", field, body.Details)
		}
	}

	rec = do(t, h, http.MethodPost, "/api/books", `{"title":"Dune","author":"Herbert","isbn":"9780441013593","availableCopies":1}`)
	mustStatus(t, rec, http.StatusConflict)
	if code := decodeBody[errorResponse](t, rec).Code; code != "BOOK_DUPLICATE_ISBN" {
		t.Fatalf("unexpected code %q", code)
	}

	rec = do(t, h, http.MethodPost, "/api/users", `{"firstName":"A","lastName":"B","email":"DUP@example.com"}`)
	mustStatus(t, rec, http.StatusConflict)
	if code := decodeBody[errorResponse](t, rec).Code; code != "USER_DUPLICATE_EMAIL" {
		t.Fatalf("unexpected code %q", code)
	}

	mustStatus(t, do(t, h, http.MethodPost, "/api/books", `{"title":`), http.StatusBadRequest)
	mustStatus(t, do(t, h, http.MethodPost, "/api/books", ""), http.StatusBadRequest)
}

func TestPathAndQueryErrors(t *testing.T) {
	h := newTestServer(t, Config{})

	tests := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{name: "malformed book id", method: http.MethodGet, path: "/api/books/abc", status: http.StatusBadRequest, code: "BOOK_INVALID_ID"},
		{name: "missing book", method: http.MethodGet, path: "/api/books/0123456789abcdef01234567", status: http.StatusNotFound, code: "BOOK_NOT_FOUND"},
		{name: "missing user", method: http.MethodDelete, path: "/api/users/0123456789abcdef01234567", status: http.StatusNotFound, code: "USER_NOT_FOUND"},
		{name: "missing loan return", method: http.MethodPatch, path: "/api/loans/0123456789abcdef01234567/return", status: http.StatusNotFound, code: "LOAN_NOT_FOUND"},
		{name: "return wrong method", method: http.MethodPost, path: "/api/loans/0123456789abcdef01234567/return", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "bad year", method: http.MethodGet, path: "/api/books?year=soon", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad sort", method: http.MethodGet, path: "/api/books?sort=isbn", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad user status", method: http.MethodGet, path: "/api/users?status=banned", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad loan status", method: http.MethodGet, path: "/api/loans?status=lost", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad loan user filter", method: http.MethodGet, path: "/api/loans?user=x", status: http.StatusBadRequest, code: "USER_INVALID_ID"},
		{name: "nested path", method: http.MethodGet, path: "/api/books/0123456789abcdef01234567/extra", status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "collection wrong method", method: http.MethodDelete, path: "/api/books", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, "")
			mustStatus(t, rec, tt.status)
			if code := decodeBody[errorResponse](t, rec).Code; code != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestUpdateBookPutAndPatch(t *testing.T) {
	h := newTestServer(t, Config{})
	book := createBook(t, h, "9780441013593", 2)

	rec := do(t, h, http.MethodPatch, "/api/books/"+book.ID, `{"title":"Dune Messiah"}`)
	mustStatus(t, rec, http.StatusOK)
	patched := decodeBody[domain.Book](t, rec)
	if patched.Title != "Dune Messiah" || patched.Author != "Frank Herbert" || patched.TotalCopies != 2 {
		t.Fatalf("unexpected patched book %+v", patched)
	}

	rec = do(t, h, http.MethodPut, "/api/books/"+book.ID, `{"title":"Dune"}`)
	mustStatus(t, rec, http.StatusBadRequest)

	rec = do(t, h, http.MethodPut, "/api/books/"+book.ID, `{"title":"Dune","author":"F. Herbert","isbn":"9780441013593","totalCopies":5}`)
	mustStatus(t, rec, http.StatusOK)
	put := decodeBody[domain.Book](t, rec)
	if put.TotalCopies != 5 || put.AvailableCopies != 5 || len(put.Genres) != 0 {
		t.Fatalf("unexpected replaced book %+v", put)
	}
}

func TestListBooksFilters(t *testing.T) {
	h := newTestServer(t, Config{})
	createBook(t, h, "9780441013593", 1)
	rec := do(t, h, http.MethodPost, "/api/books", `{"title":"Emma","author":"Jane Austen","isbn":"9780141439587","genres":["romance"],"publishedYear":1815,"availableCopies":1}`)
	mustStatus(t, rec, http.StatusCreated)

	books := decodeBody[[]domain.Book](t, do(t, h, http.MethodGet, "/api/books?genre=romance", ""))
	if len(books) != 1 || books[0].Title != "Emma" {
		t.Fatalf("unexpected genre filter result %+v", books)
	}
	books = decodeBody[[]domain.Book](t, do(t, h, http.MethodGet, "/api/books?q=herb", ""))
	if len(books) != 1 || books[0].Title != "Dune" {
		t.Fatalf("unexpected search result %+v", books)
	}
	books = decodeBody[[]domain.Book](t, do(t, h, http.MethodGet, "/api/books?sort=-title", ""))
	if len(books) != 2 || books[0].Title != "Emma" {
		t.Fatalf("unexpected sort result %+v", books)
	}
	rec = do(t, h, http.MethodGet, "/api/books?year=1900", "")
	mustStatus(t, rec, http.StatusOK)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestReconcileEndpoint(t *testing.T) {
	h := newTestServer(t, Config{})
	book := createBook(t, h, "9780441013593", 1)
	user := createUser(t, h, "r@example.com")
	loan := decodeBody[domain.LoanView](t, do(t, h, http.MethodPost, "/api/loans", loanBody(book.ID, user.ID)))
	mustStatus(t, do(t, h, http.MethodDelete, "/api/loans/"+loan.ID, ""), http.StatusOK)

	rec := do(t, h, http.MethodPost, "/api/maintenance/reconcile", "")
	mustStatus(t, rec, http.StatusOK)
	out := decodeBody[struct {
		Adjustments []domain.Adjustment `json:"adjustments"`
		Count       int                 `json:"count"`
	}](t, rec)
	if out.Count != 1 || out.Adjustments[0].After != 1 {
		t.Fatalf("unexpected reconcile output %+v", out)
	}
	mustStatus(t, do(t, h, http.MethodGet, "/api/maintenance/reconcile", ""), http.StatusMethodNotAllowed)
}

func TestBodyTooLarge(t *testing.T) {
	h := newTestServer(t, Config{MaxBodyBytes: 16})
	rec := do(t, h, http.MethodPost, "/api/users", `{"firstName":"Someone with a long name"}`)
	mustStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestWriteRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer limiter.Close()
	h := newTestServer(t, Config{Limiter: limiter})

	mustStatus(t, do(t, h, http.MethodPost, "/api/users", `{"firstName":"A","lastName":"B","email":"a@example.com"}`), http.StatusCreated)
	rec := do(t, h, http.MethodPost, "/api/users", `{"firstName":"C","lastName":"D","email":"c@example.com"}`)
	mustStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	// Reads are never limited.
	mustStatus(t, do(t, h, http.MethodGet, "/api/users", ""), http.StatusOK)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestWriteRateLimitFailsClosed(t *testing.T) {
	h := newTestServer(t, Config{Limiter: failingLimiter{}})
	mustStatus(t, do(t, h, http.MethodPost, "/api/users", `{"firstName":"A","lastName":"B","email":"a@example.com"}`), http.StatusTooManyRequests)
}

func TestNewRequiresApp(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without app")
	}
}
