package offline

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind groups failures by how the layer reacts to them.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"    // fall back to cache or offline page
	KindStorage    ErrorKind = "storage"    // treated as a miss / no-op
	KindInstall    ErrorKind = "install"    // aborts install, previous version keeps serving
	KindReplay     ErrorKind = "replay"     // counted and reported after a drain
	KindValidation ErrorKind = "validation" // bad input from the view layer
	KindNotFound   ErrorKind = "not_found"
)

var (
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrNotCached       = errors.New("not cached")
	ErrOffline         = errors.New("offline")
	ErrStoreClosed     = errors.New("store closed")
)

// Error is a categorized failure with the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// StatusCode maps an error to the HTTP status used by the admin API.
func StatusCode(err error) int {
	if errors.Is(err, ErrDrainInProgress) {
		return http.StatusConflict
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNetwork:
		return http.StatusBadGateway
	case KindStorage, KindInstall, KindReplay:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
