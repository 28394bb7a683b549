package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artline/internal/domain"
	"artline/internal/engine"
)

// divergeStatus leaves INIT-A and INIT-B with one open conflict on app42.
func divergeStatus(t *testing.T, env testEnv) engine.ConflictDetected {
	t.Helper()
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")
	env.checkout(t, app42, "INIT-A", "alice")
	env.checkin(t, app42, "INIT-A", "alice", map[string]any{"status": "active"})
	env.checkout(t, app42, "INIT-B", "bob")
	res := env.checkin(t, app42, "INIT-B", "bob", map[string]any{"status": "deprecated"})
	require.Len(t, res.Conflicts, 1)
	return res.Conflicts[0]
}

func TestResolveAcceptOther(t *testing.T) {
	env := newTestEnv(t)
	d := divergeStatus(t, env)

	res, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyAcceptOther, InitiativeID: "INIT-B", ActorID: "bob", Notes: "A wins",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictResolved, res.Conflict.ResolutionStatus)
	assert.Equal(t, domain.StrategyAcceptOther, res.Conflict.ResolutionStrategy)
	require.NotNil(t, res.Version)
	assert.Equal(t, "active", fieldsOf(t, *res.Version)["status"])
	assert.Empty(t, res.Conflicts)

	cur, err := env.Engine.GetCurrent(env.Ctx, app42, "INIT-B")
	require.NoError(t, err)
	assert.Equal(t, res.Version.ID, cur.ID)

	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-A", "alice")
	require.NoError(t, err)
	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-B", "bob")
	require.NoError(t, err)

	base, err := env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	assert.Equal(t, "active", fieldsOf(t, base)["status"])
}

func TestResolveKeepInitiativeWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	d := divergeStatus(t, env)
	before, err := env.Engine.ListVersions(env.Ctx, app42)
	require.NoError(t, err)

	res, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyKeepInitiative, ActorID: "alice",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Version)
	require.NotNil(t, res.Conflict.ResolvedBy)
	assert.Equal(t, "alice", *res.Conflict.ResolvedBy)

	after, err := env.Engine.ListVersions(env.Ctx, app42)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyKeepInitiative, ActorID: "alice",
	})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestResolvedConflictReopensOnlyOnNewFields(t *testing.T) {
	env := newTestEnv(t)
	d := divergeStatus(t, env)
	_, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyKeepInitiative, ActorID: "alice",
	})
	require.NoError(t, err)

	env.checkout(t, app42, "INIT-B", "bob")
	res := env.checkin(t, app42, "INIT-B", "bob", map[string]any{"status": "deprecated"})
	assert.Empty(t, res.Conflicts)

	env.checkout(t, app42, "INIT-B", "bob")
	res = env.checkin(t, app42, "INIT-B", "bob", map[string]any{"team": "finance"})
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, d.ConflictID, res.Conflicts[0].ConflictID)
	assert.Equal(t, []string{"status", "team"}, res.Conflicts[0].ConflictingFields)

	open, err := env.Engine.ListConflicts(env.Ctx, engine.ConflictFilter{InitiativeID: "INIT-A", Status: domain.ConflictOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestResolveStrategyMustFitKind(t *testing.T) {
	env := newTestEnv(t)
	d := divergeStatus(t, env)

	_, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyAcceptBaseline, ActorID: "alice",
	})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "strategy", ve.Field)

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyAcceptOther, InitiativeID: "INIT-Z", ActorID: "alice",
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "initiative_id", ve.Field)

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyManualMerge, ActorID: "alice",
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "data", ve.Field)

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyAutoMerge, ActorID: "alice",
	})
	require.ErrorAs(t, err, &ve, "status cannot be merged without a human")
}

func TestResolveManualMerge(t *testing.T) {
	env := newTestEnv(t)
	d := divergeStatus(t, env)

	res, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyManualMerge, InitiativeID: "INIT-A", ActorID: "alice",
		Data: map[string]any{"status": "deprecated", "decommission_date": "2025-06-30"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Version)
	fields := fieldsOf(t, *res.Version)
	assert.Equal(t, "deprecated", fields["status"])
	assert.Equal(t, "2025-06-30", fields["decommission_date"])
	assert.ElementsMatch(t, []string{"status", "decommission_date"}, res.Version.ChangedFields)
	// the remaining difference with INIT-B is covered by this resolution
	assert.Empty(t, res.Conflicts)
	c, err := env.Engine.GetConflict(env.Ctx, d.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictResolved, c.ResolutionStatus)
}

func TestResolveAutoMerge(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")
	env.checkout(t, app42, "INIT-A", "alice")
	env.checkin(t, app42, "INIT-A", "alice", map[string]any{"uptime": 99.0})
	env.checkout(t, app42, "INIT-B", "bob")
	res := env.checkin(t, app42, "INIT-B", "bob", map[string]any{"uptime": 99.8})
	require.Len(t, res.Conflicts, 1)

	analysis, err := env.Engine.AnalyzeConflict(env.Ctx, res.Conflicts[0].ConflictID)
	require.NoError(t, err)
	require.Len(t, analysis.Fields, 1)
	assert.True(t, analysis.AutoResolvable)
	assert.Equal(t, "uptime", analysis.Fields[0].Field)

	resolved, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: res.Conflicts[0].ConflictID, Strategy: domain.StrategyAutoMerge, ActorID: "alice",
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.Version)
	uptime, ok := fieldsOf(t, *resolved.Version)["uptime"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 99.4, uptime, 0.001)
	assert.Equal(t, domain.ConflictResolved, resolved.Conflict.ResolutionStatus)
}

func TestBaselineDriftResolvedByAcceptBaseline(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.checkout(t, app42, "INIT-A", "alice")

	env.put(t, app42, domain.Application{Name: "Billing", AMLNumber: "AML-42", Status: "retired", Team: "core"})
	refreshed, err := env.Engine.RefreshBaseline(env.Ctx, engine.RefreshBaselineOptions{Ref: app42, ActorID: "admin", Reason: "registry sync"})
	require.NoError(t, err)
	assert.Equal(t, []string{"status"}, refreshed.ChangedFields)

	_, err = env.Engine.RefreshBaseline(env.Ctx, engine.RefreshBaselineOptions{Ref: app42, ActorID: "alice", Reason: "nope"})
	assert.Error(t, err)

	res := env.checkin(t, app42, "INIT-A", "alice", map[string]any{"status": "active"})
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, domain.ConflictKindBaseline, res.Conflicts[0].Kind)
	assert.Equal(t, []string{"status"}, res.Conflicts[0].ConflictingFields)

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: res.Conflicts[0].ConflictID, Strategy: domain.StrategyAcceptOther, ActorID: "alice",
	})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)

	resolved, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: res.Conflicts[0].ConflictID, Strategy: domain.StrategyAcceptBaseline, ActorID: "alice",
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.Version)
	assert.Equal(t, "retired", fieldsOf(t, *resolved.Version)["status"])
	require.NotNil(t, resolved.Version.BasedOnVersion)
	assert.Equal(t, refreshed.VersionNumber, *resolved.Version.BasedOnVersion)
	assert.Empty(t, resolved.Version.ChangedFields)

	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-A", "alice")
	require.NoError(t, err)
}

func TestDetectConflictsIsRepeatable(t *testing.T) {
	env := newTestEnv(t)
	d := divergeStatus(t, env)

	found, err := env.Engine.DetectConflicts(env.Ctx, "INIT-A", "alice")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, d.ConflictID, found[0].ConflictID)

	all, err := env.Engine.ListConflicts(env.Ctx, engine.ConflictFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	analysis, err := env.Engine.AnalyzeConflict(env.Ctx, d.ConflictID)
	require.NoError(t, err)
	require.Len(t, analysis.Fields, 1)
	assert.Equal(t, "active", analysis.Fields[0].Ours)
	assert.Equal(t, "deprecated", analysis.Fields[0].Theirs)
	assert.False(t, analysis.AutoResolvable)
	assert.NotEmpty(t, analysis.Dependencies)
}

func TestRefreshedBaselineBlocksStaleCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-B", "bob")
	env.checkout(t, app42, "INIT-B", "bob")
	env.checkin(t, app42, "INIT-B", "bob", map[string]any{"team": "ops"})

	env.put(t, app42, domain.Application{Name: "Billing", AMLNumber: "AML-42", Status: "retired", Team: "core"})
	refreshed, err := env.Engine.RefreshBaseline(env.Ctx, engine.RefreshBaselineOptions{Ref: app42, ActorID: "admin", Reason: "registry sync"})
	require.NoError(t, err)

	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-B", "bob")
	var blocked engine.BlockedByPendingWorkError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.OpenConflicts, 1)
	drift := blocked.OpenConflicts[0]
	assert.Equal(t, domain.ConflictKindBaseline, drift.Kind)
	assert.Equal(t, "INIT-B", drift.InitiativeID)
	assert.Equal(t, refreshed.ID, drift.OtherVersionID)
	assert.Equal(t, []string{"status"}, drift.ConflictingFields)

	base, err := env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	assert.Equal(t, refreshed.ID, base.ID)
	assert.Equal(t, "retired", fieldsOf(t, base)["status"])

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: drift.ID, Strategy: domain.StrategyManualMerge, ActorID: "bob",
		Data: map[string]any{"status": "retired"},
	})
	require.NoError(t, err)
	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-B", "bob")
	require.NoError(t, err)

	base, err = env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	fields := fieldsOf(t, base)
	assert.Equal(t, "retired", fields["status"])
	assert.Equal(t, "ops", fields["team"])
}

func TestCompletionAfterKeepInitiativeRaisesBaselineConflict(t *testing.T) {
	env := newTestEnv(t)
	d := divergeStatus(t, env)
	_, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: d.ConflictID, Strategy: domain.StrategyKeepInitiative, ActorID: "alice",
	})
	require.NoError(t, err)

	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-A", "alice")
	require.NoError(t, err)

	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-B", "bob")
	var blocked engine.BlockedByPendingWorkError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.OpenConflicts, 1)
	drift := blocked.OpenConflicts[0]
	assert.Equal(t, domain.ConflictKindBaseline, drift.Kind)
	assert.Equal(t, "INIT-B", drift.InitiativeID)
	assert.Equal(t, []string{"status"}, drift.ConflictingFields)

	base, err := env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	assert.Equal(t, "active", fieldsOf(t, base)["status"])

	in, err := env.Engine.GetInitiative(env.Ctx, "INIT-B")
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeActive, in.Status)

	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveConflictOptions{
		ConflictID: drift.ID, Strategy: domain.StrategyAcceptBaseline, ActorID: "bob",
	})
	require.NoError(t, err)
	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-B", "bob")
	require.NoError(t, err)

	base, err = env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	assert.Equal(t, "active", fieldsOf(t, base)["status"])
}
