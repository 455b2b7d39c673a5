package postgres

import (
	"testing"

	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenOrStringPredicate_SystemCodePair(t *testing.T) {
	t.Parallel()

	pred := tokenOrStringPredicate("si0", "http://loinc.org|1234-5")

	sql, args, err := pred.ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "token_system")
	assert.Contains(t, args, "http://loinc.org")
	assert.Contains(t, args, "1234-5")
}

func TestTokenOrStringPredicate_BareCode(t *testing.T) {
	t.Parallel()

	pred := tokenOrStringPredicate("si0", "active")

	sql, args, err := pred.ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "token_code")
	assert.Contains(t, args, "active")
}

func TestValuePredicate_Exact(t *testing.T) {
	t.Parallel()

	pred := valuePredicate("si0", searchquery.ModifierExact, searchquery.Value{Raw: "Smith"})

	sql, args, err := pred.ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "value_string")
	assert.Equal(t, []any{"Smith"}, args)
}

func TestValuePredicate_Missing(t *testing.T) {
	t.Parallel()

	present := valuePredicate("si0", searchquery.ModifierMissing, searchquery.Value{Raw: "false"})

	sql, _, err := present.ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "IS NOT NULL")
}
