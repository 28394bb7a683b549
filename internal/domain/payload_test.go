package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsUndeclaredFields(t *testing.T) {
	_, err := DecodePayload(TypeInterface, []byte(`{"iml_number":"IML-7","colour":"red"}`))
	var uf UnknownFieldError
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, "colour", uf.Field)
	assert.Equal(t, TypeInterface, uf.Type)

	doc, err := DecodePayload(TypeDocument, []byte(`{"title":"Runbook","colour":"red"}`))
	require.NoError(t, err)
	assert.Equal(t, "Runbook", doc.DisplayName())

	_, err = DecodePayload("spreadsheet", []byte(`{}`))
	assert.Error(t, err)
}

func TestDecodeEmptyYieldsZeroValue(t *testing.T) {
	p, err := DecodePayload(TypeApplication, nil)
	require.NoError(t, err)
	assert.Equal(t, Application{}, p)
}

func TestApplyPatch(t *testing.T) {
	base := Application{Name: "Billing", Status: "active", Uptime: 99.5}

	p, err := ApplyPatch(base, map[string]any{"status": "maintenance"})
	require.NoError(t, err)
	app, ok := p.(Application)
	require.True(t, ok)
	assert.Equal(t, "maintenance", app.Status)
	assert.Equal(t, "Billing", app.Name)
	assert.Equal(t, 99.5, app.Uptime)

	_, err = ApplyPatch(base, map[string]any{"owner": "x"})
	var uf UnknownFieldError
	require.ErrorAs(t, err, &uf)

	_, err = ApplyPatch(base, map[string]any{"uptime": "high"})
	assert.Error(t, err)

	doc, err := ApplyPatch(Document{"title": "Runbook"}, map[string]any{"owner": "ops"})
	require.NoError(t, err)
	assert.Equal(t, "ops", Fields(doc)["owner"])
}

func TestDeclaredFields(t *testing.T) {
	fields := DeclaredFields(TypeTechnicalProcess)
	assert.Equal(t, []string{"application_id", "description", "implementation", "name", "status", "technology"}, fields)
	assert.Empty(t, DeclaredFields(TypeDocument))
}

func TestEncodeIsCanonical(t *testing.T) {
	a, err := DecodePayload(TypeBusinessProcess, []byte(`{"status":"active","name":"Invoice run"}`))
	require.NoError(t, err)
	b, err := DecodePayload(TypeBusinessProcess, []byte(`{"name":"Invoice run","status":"active"}`))
	require.NoError(t, err)
	ea, err := Encode(a)
	require.NoError(t, err)
	eb, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestRefOrdering(t *testing.T) {
	refs := []ArtifactRef{
		{Type: TypeInterface, ID: "7"},
		{Type: TypeApplication, ID: "43"},
		{Type: TypeApplication, ID: "42"},
	}
	SortRefs(refs)
	assert.Equal(t, "application/42", refs[0].String())
	assert.Equal(t, TypeInterface, refs[2].Type)
}
