package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artline/internal/domain"
)

func TestDiffOverDeclaredFields(t *testing.T) {
	a := map[string]any{"name": "Billing", "status": "active", "uptime": 99.5}
	b := map[string]any{"name": "Billing", "status": "deprecated", "uptime": 99.5, "extra": "x"}
	assert.Equal(t, []string{"status"}, Diff(a, b, []string{"name", "status", "uptime"}))
	assert.Equal(t, []string{"extra", "status"}, Diff(a, b, nil))
}

func TestBaselineDrift(t *testing.T) {
	sync := map[string]any{"status": "active", "team": "core", "purpose": "x"}
	current := map[string]any{"status": "retired", "team": "ops", "purpose": "x"}
	incoming := map[string]any{"status": "maintenance", "team": "ops", "purpose": "y"}
	// team moved on the baseline but incoming agrees; purpose only changed on our side.
	assert.Equal(t, []string{"status"}, BaselineDrift(sync, current, incoming, []string{"purpose", "status", "team"}))
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, Severity(domain.TypeApplication, "aml_number"))
	assert.Equal(t, SeverityHigh, Severity(domain.TypeApplication, "status"))
	assert.Equal(t, SeverityCritical, Severity(domain.TypeInterface, "provider_application_id"))
	assert.Equal(t, SeverityHigh, Severity(domain.TypeInternalActivity, "process_flow"))
	assert.Equal(t, SeverityMedium, Severity(domain.TypeDocument, "anything"))
}

func TestAutoResolvable(t *testing.T) {
	assert.True(t, AutoResolvable("decommission_date", "2024-01-01", "2025-01-01"))
	assert.True(t, AutoResolvable("description", "billing engine", "billing engine v2"))
	assert.False(t, AutoResolvable("description", "billing", "invoicing"))
	assert.True(t, AutoResolvable("uptime", 99.0, 99.5))
	assert.False(t, AutoResolvable("uptime", 50.0, 99.5))
	assert.False(t, AutoResolvable("status", "active", "deprecated"))
}

func TestSuggest(t *testing.T) {
	assert.Equal(t, PreferTheirs, Suggest("status", "deprecated", "active"))
	assert.Equal(t, PreferOurs, Suggest("status", "enabled", "retired"))
	assert.Equal(t, PreferTheirs, Suggest("version", "1.9", "1.10"))
	assert.Equal(t, PreferOurs, Suggest("updated_at", "2024-05-01T00:00:00Z", "2024-01-01T00:00:00Z"))
	assert.Equal(t, PreferMerge, Suggest("team", "a", "b"))
}

func TestMergeConcatenatesDescriptions(t *testing.T) {
	got := Merge("description", "ours text", "baseline text")
	assert.Equal(t, "baseline text\n\n[Merged from initiative]\nours text", got)
	assert.Equal(t, 99.0, Merge("uptime", 98.0, 100.0))
}

func TestAnalyzeRiskAndStrategy(t *testing.T) {
	ours := map[string]any{"name": "A", "status": "deprecated", "description": "x"}
	theirs := map[string]any{"name": "B", "status": "active", "description": "x y"}
	deps := []Dependent{{Ref: domain.ArtifactRef{Type: domain.TypeInterface, ID: "7"}, Name: "IML-7"}}
	a := Analyze(domain.TypeApplication, []string{"description", "name", "status"}, ours, theirs, deps)
	require.Len(t, a.Fields, 3)
	assert.False(t, a.AutoResolvable)
	require.Len(t, a.Dependencies, 1)
	assert.Equal(t, ImpactBreaking, a.Dependencies[0].Impact)
	// low 1 + critical 10+2 + high 5+2 + breaking 15
	assert.Equal(t, 35, a.RiskScore)
	assert.Equal(t, SuggestManual, a.SuggestedStrategy)
}

func TestSuggestStrategyThresholds(t *testing.T) {
	assert.Equal(t, SuggestEscalate, SuggestStrategy(51, true, 1))
	assert.Equal(t, SuggestEscalate, SuggestStrategy(5, true, 11))
	assert.Equal(t, SuggestAuto, SuggestStrategy(19, true, 2))
	assert.Equal(t, SuggestManual, SuggestStrategy(19, false, 2))
}

func TestRiskScoreCapped(t *testing.T) {
	var fields []FieldAnalysis
	for i := 0; i < 20; i++ {
		fields = append(fields, FieldAnalysis{Severity: SeverityCritical})
	}
	assert.Equal(t, 100, RiskScore(fields, nil))
}

func TestAutoMerge(t *testing.T) {
	ours := map[string]any{"description": "core", "status": "deprecated", "team": "a"}
	theirs := map[string]any{"description": "core billing", "status": "active", "team": "a"}
	merged, unresolved := AutoMerge([]string{"description", "status"}, ours, theirs)
	assert.Equal(t, []string{"status"}, unresolved)
	assert.Equal(t, "core billing\n\n[Merged from initiative]\ncore", merged["description"])
	assert.Equal(t, "deprecated", merged["status"])
	assert.Equal(t, "core", ours["description"], "input must not be mutated")
}
