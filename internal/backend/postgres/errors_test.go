package postgres

import (
	"errors"
	"testing"

	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestTranslatePGError_UniqueViolation(t *testing.T) {
	t.Parallel()

	err := translatePGError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "fhir_resource_pkey"})

	assert.True(t, errors.Is(err, ferrors.ErrAlreadyExists))
}

func TestTranslatePGError_OtherBecomesInternal(t *testing.T) {
	t.Parallel()

	err := translatePGError(&pgconn.PgError{Code: "55000", Message: "lock not available"})

	assert.True(t, errors.Is(err, ferrors.ErrBackendInternal))
}

func TestTranslatePGError_PassesThroughNonPGError(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")

	assert.Equal(t, plain, translatePGError(plain))
}
