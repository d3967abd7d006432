package engine

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pipeyard/internal/engine/auth"
	"pipeyard/internal/repo"
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNotAuthorized        = auth.ErrForbidden
	ErrQuantityMismatch     = errors.New("quantity mismatch")
	ErrLoadInProgress       = errors.New("load in progress")
	ErrInvalidInventory     = errors.New("invalid inventory selection")
	ErrInvalidInput         = errors.New("invalid input")
	// ErrConflict marks a transient store failure. The operation had no
	// effect and can be retried as a whole.
	ErrConflict = errors.New("transaction conflict")
)

// CapacityError carries the numbers behind a capacity failure. Code is
// ErrInsufficientCapacity or ErrCapacityExceeded.
type CapacityError struct {
	Code      error
	RackIDs   []string
	Requested int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: requested %d, available %d on %s", e.Code, e.Requested, e.Available, strings.Join(e.RackIDs, ","))
}

func (e *CapacityError) Unwrap() error { return e.Code }

type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type QuantityError struct {
	What     string
	Expected int
	Actual   int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("quantity mismatch: %s is %d, expected %d", e.What, e.Actual, e.Expected)
}

func (e *QuantityError) Unwrap() error { return ErrQuantityMismatch }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	primary := code & 0xff
	return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

// conflict reports store contention and stale guarded writes as ErrConflict.
func conflict(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) || errors.Is(err, repo.ErrStale) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
