package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"bookbuddy/internal/app"
	"bookbuddy/internal/util"
	"bookbuddy/pkg/domain"
)

type errorResponse struct {
	Error     string             `json:"error"`
	Code      string             `json:"code"`
	Details   domain.FieldErrors `json:"details,omitempty"`
	RequestID string             `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps an app error onto the HTTP error taxonomy. Anything
// unclassified is logged and reported as a bare 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch app.KindOf(err) {
	case app.KindValidation:
		var verr *app.ValidationError
		errors.As(err, &verr)
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     "validation error",
			Code:      "VALIDATION_ERROR",
			Details:   verr.Fields,
			RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
		})
	case app.KindNotFound:
		notFound(w, rootMessage(err))
	case app.KindConflict:
		writeError(w, http.StatusConflict, rootMessage(err))
	case app.KindBusinessRule:
		writeError(w, http.StatusUnprocessableEntity, rootMessage(err))
	case app.KindUnavailable:
		util.LoggerFromContext(r.Context()).Warn("store unavailable", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

var sentinels = []error{
	app.ErrBookNotFound, app.ErrUserNotFound, app.ErrLoanNotFound,
	app.ErrDuplicateISBN, app.ErrDuplicateEmail,
	app.ErrBookHasOpenLoans, app.ErrUserHasOpenLoans,
	app.ErrNoCopies, app.ErrLoanNotOpen, app.ErrUserSuspended, app.ErrTotalBelowOpenLoans,
}

// rootMessage returns the sentinel text without the wrapping context added
// on the way up.
func rootMessage(err error) string {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}

func errorCode(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "user not found":
		return "USER_NOT_FOUND"
	case message == "loan not found":
		return "LOAN_NOT_FOUND"
	case message == "invalid book id":
		return "BOOK_INVALID_ID"
	case message == "invalid user id":
		return "USER_INVALID_ID"
	case message == "invalid loan id":
		return "LOAN_INVALID_ID"
	case strings.HasPrefix(message, "isbn"):
		return "BOOK_DUPLICATE_ISBN"
	case strings.HasPrefix(message, "email"):
		return "USER_DUPLICATE_EMAIL"
	case message == "cannot delete book with open loans":
		return "BOOK_HAS_OPEN_LOANS"
	case message == "cannot delete user with open loans":
		return "USER_HAS_OPEN_LOANS"
	case message == "no available copies for this book":
		return "LOAN_NO_COPIES"
	case message == "loan is not open":
		return "LOAN_NOT_OPEN"
	case message == "user is suspended":
		return "LOAN_USER_SUSPENDED"
	case strings.HasPrefix(message, "totalcopies"):
		return "BOOK_TOTAL_BELOW_OPEN_LOANS"
	case message == "request body too large":
		return "REQUEST_TOO_LARGE"
	case message == "too many requests":
		return "RATE_LIMITED"
	}
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusServiceUnavailable:
		return "SYSTEM_UNAVAILABLE"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
