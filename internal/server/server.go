package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"bookbuddy/internal/app"
	"bookbuddy/internal/ratelimit"
	"bookbuddy/internal/util"
	"bookbuddy/pkg/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const serviceName = "bookbuddy"

// WriteLimiter decides whether a mutating request may proceed.
type WriteLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	Limiter            WriteLimiter
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
}

// Server exposes the BookBuddy JSON API.
type Server struct {
	app            *app.App
	limiter        WriteLimiter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
	maxBodyBytes   int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	s := &Server{
		app:            cfg.App,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSAllowedOrigins,
		mux:            http.NewServeMux(),
		maxBodyBytes:   maxBodyBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog(serviceName,
			util.WithSecurityHeaders(s.trustedProxies,
				util.WithCORS(s.corsOrigins, s.withWriteLimit(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookByID)
	s.mux.HandleFunc("/api/users", s.handleUsers)
	s.mux.HandleFunc("/api/users/", s.handleUserByID)
	s.mux.HandleFunc("/api/loans", s.handleLoans)
	s.mux.HandleFunc("/api/loans/", s.handleLoanByID)

	s.mux.HandleFunc("/api/maintenance/reconcile", s.handleReconcile)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to BookBuddy API!"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withWriteLimit applies the limiter to mutating methods keyed by client IP.
func (s *Server) withWriteLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), "write:"+util.ClientIP(r, s.trustedProxies))
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("rate limiter unavailable; rejecting write", slog.Any("error", err))
		}
		if !d.Allowed {
			retry := int(d.RetryAfter.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := bookFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		books, err := s.app.ListBooks(r.Context(), filter)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, books)
	case http.MethodPost:
		var in app.BookInput
		if !s.decode(w, r, &in) {
			return
		}
		book, err := s.app.CreateBook(r.Context(), in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, book)
	default:
		methodNotAllowed(w)
	}
}

// /api/books/{id}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/api/books/", "book")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPut, http.MethodPatch:
		var in app.BookInput
		if !s.decode(w, r, &in) {
			return
		}
		book, err := s.app.UpdateBook(r.Context(), id, in, r.Method == http.MethodPut)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if err := s.app.DeleteBook(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Book deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := userFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		users, err := s.app.ListUsers(r.Context(), filter)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
	case http.MethodPost:
		var in app.UserInput
		if !s.decode(w, r, &in) {
			return
		}
		user, err := s.app.CreateUser(r.Context(), in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	default:
		methodNotAllowed(w)
	}
}

// /api/users/{id}
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/api/users/", "user")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		user, err := s.app.GetUser(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut, http.MethodPatch:
		var in app.UserInput
		if !s.decode(w, r, &in) {
			return
		}
		user, err := s.app.UpdateUser(r.Context(), id, in, r.Method == http.MethodPut)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if err := s.app.DeleteUser(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := loanFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		loans, err := s.app.ListLoans(r.Context(), filter)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loans)
	case http.MethodPost:
		var in app.LoanInput
		if !s.decode(w, r, &in) {
			return
		}
		loan, err := s.app.CreateLoan(r.Context(), in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, loan)
	default:
		methodNotAllowed(w)
	}
}

// /api/loans/{id} or /api/loans/{id}/return
func (s *Server) handleLoanByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/loans/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "return" {
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		if !util.IsID(parts[0]) {
			writeError(w, http.StatusBadRequest, "invalid loan id")
			return
		}
		loan, err := s.app.ReturnLoan(r.Context(), parts[0])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
		return
	}

	id, ok := pathID(w, r, "/api/loans/", "loan")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		loan, err := s.app.GetLoan(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	case http.MethodDelete:
		if err := s.app.DeleteLoan(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Loan deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	adjustments, err := s.app.Reconcile(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"adjustments": adjustments,
		"count":       len(adjustments),
	})
}

// pathID extracts a single id segment after prefix. Deeper paths are 404;
// malformed ids are 400.
func pathID(w http.ResponseWriter, r *http.Request, prefix, entity string) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return "", false
	}
	if !util.IsID(id) {
		writeError(w, http.StatusBadRequest, "invalid "+entity+" id")
		return "", false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "request body required")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bookFilterFromQuery(r *http.Request) (domain.BookFilter, error) {
	q := r.URL.Query()
	filter := domain.BookFilter{
		Query: strings.TrimSpace(q.Get("q")),
		Genre: strings.TrimSpace(q.Get("genre")),
	}
	if raw := strings.TrimSpace(q.Get("year")); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("invalid year")
		}
		filter.Year = year
	}
	sort, ok := domain.ParseBookSort(q.Get("sort"))
	if !ok {
		return filter, errors.New("invalid sort")
	}
	filter.Sort = sort
	return filter, nil
}

func userFilterFromQuery(r *http.Request) (domain.UserFilter, error) {
	q := r.URL.Query()
	filter := domain.UserFilter{Query: strings.TrimSpace(q.Get("q"))}
	if raw := strings.ToLower(strings.TrimSpace(q.Get("status"))); raw != "" {
		status := domain.UserStatus(raw)
		if !domain.IsValidUserStatus(status) {
			return filter, errors.New("invalid status")
		}
		filter.Status = status
	}
	return filter, nil
}

func loanFilterFromQuery(r *http.Request) (domain.LoanFilter, error) {
	q := r.URL.Query()
	var filter domain.LoanFilter
	status, overdue, ok := domain.ParseLoanStatus(q.Get("status"))
	if !ok {
		return filter, errors.New("invalid status")
	}
	filter.Status = status
	filter.Overdue = overdue
	switch strings.ToLower(strings.TrimSpace(q.Get("overdue"))) {
	case "":
	case "true":
		filter.Status = domain.LoanOpen
		filter.Overdue = true
	case "false":
	default:
		return filter, errors.New("invalid overdue flag")
	}
	if v := strings.TrimSpace(q.Get("user")); v != "" {
		if !util.IsID(v) {
			return filter, errors.New("invalid user id")
		}
		filter.UserID = v
	}
	if v := strings.TrimSpace(q.Get("book")); v != "" {
		if !util.IsID(v) {
			return filter, errors.New("invalid book id")
		}
		filter.BookID = v
	}
	return filter, nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
