package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// SQLSTATEs raised by the jobforge_* procedures.
const (
	codeInvalidParameter = "22023" // validation failure inside a procedure
	codeNoDataFound      = "P0002" // job not found
	codeNotPrerequisite  = "55000" // claim held by another worker
	codeUniqueViolation  = "23505"
)

// wrapErr maps store errors onto the domain sentinels so callers can switch
// on errors.Is without importing pgx.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInvalidParameter:
			return fmt.Errorf("op=%s: %s: %w", op, pgErr.Message, domain.ErrValidation)
		case codeNoDataFound:
			return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		case codeNotPrerequisite, codeUniqueViolation:
			return fmt.Errorf("op=%s: %s: %w", op, pgErr.Message, domain.ErrConflict)
		}
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
