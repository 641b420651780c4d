package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientStoreError wraps a storage error that is safe to retry
// (connection drops, deadlocks, serialization failures).
type TransientStoreError struct {
	Err error
	Op  string
}

func (e *TransientStoreError) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// NewTransientStoreError marks a store error as retryable.
func NewTransientStoreError(op string, err error) *TransientStoreError {
	return &TransientStoreError{Err: err, Op: op}
}

// transientSQLState reports SQLSTATE codes worth retrying: connection-class
// failures, serialization/deadlock conflicts, and resource pressure.
func transientSQLState(code string) bool {
	if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") {
		return true
	}
	switch code {
	case "40001", "40P01", "57P03":
		return true
	}
	return false
}

// IsTransient returns true if the error chain contains a
// TransientStoreError, a retryable Postgres error, or a network-level
// transient failure. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var te *TransientStoreError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientSQLState(pgErr.Code) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped driver errors often surface only as strings.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"database is locked",
		"conn busy",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
