package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound so callers can use either.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that an idempotency record already exists for the
// given key.
var ErrDuplicate = errors.New("duplicate")

// Kind classifies a store failure.
type Kind string

const (
	// KindConstraint is a rejected write (NOT NULL, UNIQUE, CHECK, FK).
	KindConstraint Kind = "constraint"
	// KindUnavailable covers connectivity loss, timeouts, and anything the
	// driver does not attribute to the data itself.
	KindUnavailable Kind = "unavailable"
)

// StoreError wraps a database failure with the operation that produced it.
type StoreError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *StoreError) Error() string {
	return "store: " + e.Op + " (" + string(e.Kind) + "): " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Kind: classify(err), Err: err}
}

// classify maps driver errors onto Kind. Postgres reports SQLSTATE class 23
// for integrity violations; glebarez/sqlite only gives plain text.
func classify(err error) Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return KindConstraint
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return KindConstraint
	}
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "constraint failed") {
		return KindConstraint
	}
	return KindUnavailable
}

// isUniqueViolation reports whether err is a UNIQUE/duplicate key failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
