package ferrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate_KnownSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("account 123: %w", ErrNotFound)

	translated := Translate(err, "Account")

	var kind Kind
	require.True(t, errors.As(translated, &kind))
	assert.Equal(t, "Account", kind.EntityType)
	assert.Equal(t, ErrNotFound.Error(), kind.Code)
	assert.Equal(t, 404, kind.HTTPStatus)
	assert.True(t, errors.Is(translated, ErrNotFound))
}

func TestTranslate_UnknownErrorBecomesInternal(t *testing.T) {
	t.Parallel()

	translated := Translate(errors.New("boom"), "Patient")

	var kind Kind
	require.True(t, errors.As(translated, &kind))
	assert.Equal(t, ErrBackendInternal.Error(), kind.Code)
	assert.Equal(t, 500, kind.HTTPStatus)
}

func TestTranslate_Nil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Translate(nil, "Patient"))
}

func TestTranslate_Idempotent(t *testing.T) {
	t.Parallel()

	once := Translate(ErrGone, "Patient")
	twice := Translate(once, "Patient")

	assert.Equal(t, once, twice)
}

func TestVersionConflictError(t *testing.T) {
	t.Parallel()

	err := VersionConflictError{Expected: "1", Actual: "2"}

	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Contains(t, err.Error(), "expected \"1\"")
}

func TestBundleError(t *testing.T) {
	t.Parallel()

	err := BundleError{Index: 2, Message: "create failed"}

	assert.True(t, errors.Is(err, ErrBundleError))
	assert.Contains(t, err.Error(), "entry 2")
}
