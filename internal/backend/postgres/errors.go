package postgres

import (
	"errors"
	"fmt"

	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the SQLSTATE code postgres reports for a unique
// constraint violation; translatePGError switches on the error code, not
// on the constraint name.
const uniqueViolation = "23505"

// translatePGError maps a raw postgres error onto this module's error
// taxonomy so callers only ever need to errors.Is against ferrors
// sentinels, never against driver-specific codes.
func translatePGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("postgres: %s: %w", pgErr.ConstraintName, ferrors.ErrAlreadyExists)
		default:
			return fmt.Errorf("postgres: %s: %w", pgErr.Message, ferrors.ErrBackendInternal)
		}
	}

	return err
}
