package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    ID
		wantErr bool
	}{
		{name: "lowercases", raw: "ACME", want: "acme"},
		{name: "hierarchical allowed", raw: "acme/east", want: "acme/east"},
		{name: "empty rejected", raw: "   ", wantErr: true},
		{name: "too long rejected", raw: string(make([]byte, 65)), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Normalize(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaName(t *testing.T) {
	t.Parallel()

	id := ID("acme/east")
	assert.Equal(t, "acme_east", id.SchemaName())
}

func TestContext_Can(t *testing.T) {
	t.Parallel()

	ctx, err := New("acme", ForResourceTypes(OpRead, "Patient", "Observation"))
	require.NoError(t, err)

	assert.True(t, ctx.Can(OpRead, "Patient", nil))
	assert.False(t, ctx.Can(OpRead, "Encounter", nil))
	assert.False(t, ctx.Can(OpUpdate, "Patient", nil))
}

func TestContext_CanWithCompartment(t *testing.T) {
	t.Parallel()

	ctx, err := New("acme", ForCompartment(OpRead, "Patient", "p1"))
	require.NoError(t, err)

	assert.True(t, ctx.Can(OpRead, "Patient", &Compartment{ResourceType: "Patient", ID: "p1"}))
	assert.False(t, ctx.Can(OpRead, "Patient", &Compartment{ResourceType: "Patient", ID: "p2"}))
	assert.False(t, ctx.Can(OpRead, "Patient", nil))
}

func TestAllResourceTypes(t *testing.T) {
	t.Parallel()

	ctx, err := New("acme", AllResourceTypes(OpSearch))
	require.NoError(t, err)

	assert.True(t, ctx.Can(OpSearch, "Patient", nil))
	assert.True(t, ctx.Can(OpSearch, "AnythingGoes", nil))
}
