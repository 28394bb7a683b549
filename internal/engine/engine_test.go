package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artline/internal/app"
	"artline/internal/config"
	"artline/internal/db"
	"artline/internal/domain"
	"artline/internal/engine"
	"artline/internal/engine/auth"
	"artline/internal/migrate"
	"artline/internal/registry"
)

var (
	app42  = domain.ArtifactRef{Type: domain.TypeApplication, ID: "42"}
	app43  = domain.ArtifactRef{Type: domain.TypeApplication, ID: "43"}
	iface7 = domain.ArtifactRef{Type: domain.TypeInterface, ID: "7"}
	bp1    = domain.ArtifactRef{Type: domain.TypeBusinessProcess, ID: "BP-1"}
)

type testEnv struct {
	Engine   engine.Engine
	Registry registry.SQL
	Ctx      context.Context
	clock    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	eng := engine.New(conn, cfg, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	eng.Log = logger

	ctx := context.Background()
	require.NoError(t, app.SeedRBAC(ctx, eng.Repo, cfg))
	require.NoError(t, app.Bootstrap(ctx, eng.Repo, "admin", "admin"))

	env := testEnv{Engine: eng, Registry: registry.SQL{DB: conn}, Ctx: ctx, clock: &clock}
	env.put(t, app42, domain.Application{Name: "Billing", AMLNumber: "AML-42", Status: "planned", Team: "core"})
	env.put(t, app43, domain.Application{Name: "CRM", AMLNumber: "AML-43", Status: "active", Team: "sales"})
	env.put(t, iface7, domain.Interface{IMLNumber: "IML-7", Status: "active", Version: "1.0", Protocol: "REST"})
	env.put(t, bp1, domain.BusinessProcess{ProcessID: "BP-1", Name: "Invoice run", Status: "active"})
	env.link(t, app42, iface7, registry.EdgeProvides)
	env.link(t, app43, iface7, registry.EdgeConsumes)
	env.link(t, bp1, iface7, registry.EdgeUsesInterface)
	return env
}

func (env testEnv) put(t *testing.T, ref domain.ArtifactRef, p domain.Payload) {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	_, err = env.Registry.Put(env.Ctx, ref, data)
	require.NoError(t, err)
}

func (env testEnv) link(t *testing.T, from, to domain.ArtifactRef, kind string) {
	t.Helper()
	require.NoError(t, env.Registry.Link(env.Ctx, registry.Edge{From: from, To: to, Kind: kind}))
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) initiative(t *testing.T, id, actor string) domain.Initiative {
	t.Helper()
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.CreateInitiativeOptions{ID: id, Name: id, ActorID: actor})
	require.NoError(t, err)
	return in
}

func (env testEnv) checkout(t *testing.T, ref domain.ArtifactRef, initiativeID, actor string) domain.ArtifactLock {
	t.Helper()
	lock, err := env.Engine.Checkout(env.Ctx, engine.CheckoutOptions{Ref: ref, InitiativeID: initiativeID, ActorID: actor})
	require.NoError(t, err)
	return lock
}

func (env testEnv) checkin(t *testing.T, ref domain.ArtifactRef, initiativeID, actor string, changes map[string]any) engine.CheckinResult {
	t.Helper()
	res, err := env.Engine.Checkin(env.Ctx, engine.CheckinOptions{Ref: ref, InitiativeID: initiativeID, ActorID: actor, Changes: changes})
	require.NoError(t, err)
	return res
}

func fieldsOf(t *testing.T, v domain.ArtifactVersion) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(v.Data), &out))
	return out
}

func TestConcurrentCheckoutGrantsOneLock(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Checkout(env.Ctx, engine.CheckoutOptions{
				Ref: app42, InitiativeID: "INIT-1", ActorID: "user-" + string(rune('a'+i)),
			})
		}(i)
	}
	wg.Wait()

	ok, locked := 0, 0
	for _, err := range errs {
		var le engine.ArtifactLockedError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &le):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, locked)

	locks, err := env.Engine.ListLocks(env.Ctx, engine.LockScope{Type: app42.Type, ID: app42.ID})
	require.NoError(t, err)
	assert.Len(t, locks, 1)
}

func TestCheckoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")

	first := env.checkout(t, app42, "INIT-1", "alice")
	second := env.checkout(t, app42, "INIT-1", "alice")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.LockExpiry, second.LockExpiry)

	// another user of the same initiative is still refused
	_, err := env.Engine.Checkout(env.Ctx, engine.CheckoutOptions{Ref: app42, InitiativeID: "INIT-1", ActorID: "bob"})
	var le engine.ArtifactLockedError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "alice", le.Holder.LockedBy)

	evts, err := env.Engine.ListEvents(env.Ctx, 50, engine.EventFilter{Type: "artifact.checked_out"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestCheckoutSeedsBaselineFromRegistry(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")

	lock := env.checkout(t, app42, "INIT-1", "alice")
	assert.Equal(t, 1, lock.BaseVersionNumber)

	cur, err := env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	assert.True(t, cur.IsBaseline)
	assert.Equal(t, "planned", fieldsOf(t, cur)["status"])

	_, err = env.Engine.Checkout(env.Ctx, engine.CheckoutOptions{
		Ref: domain.ArtifactRef{Type: domain.TypeApplication, ID: "missing"}, InitiativeID: "INIT-1", ActorID: "alice",
	})
	assert.Error(t, err)
}

func TestCheckinRequiresLock(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")

	_, err := env.Engine.Checkin(env.Ctx, engine.CheckinOptions{Ref: app42, InitiativeID: "INIT-1", ActorID: "alice"})
	var nc engine.NotCheckedOutError
	require.ErrorAs(t, err, &nc)

	env.checkout(t, app42, "INIT-1", "alice")
	_, err = env.Engine.Checkin(env.Ctx, engine.CheckinOptions{Ref: app42, InitiativeID: "INIT-1", ActorID: "bob"})
	require.ErrorAs(t, err, &nc)

	_, err = env.Engine.Checkin(env.Ctx, engine.CheckinOptions{
		Ref: app42, InitiativeID: "INIT-1", ActorID: "alice", Changes: map[string]any{"colour": "red"},
	})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "colour", ve.Field)
}

func TestVersionNumbersAreGapFree(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")

	env.checkout(t, app42, "INIT-A", "alice")
	env.checkin(t, app42, "INIT-A", "alice", map[string]any{"team": "platform"})
	env.checkout(t, app42, "INIT-B", "bob")
	env.checkin(t, app42, "INIT-B", "bob", map[string]any{"purpose": "billing"})
	env.checkout(t, app42, "INIT-A", "alice")
	env.checkin(t, app42, "INIT-A", "alice", map[string]any{"deployment": "k8s"})

	versions, err := env.Engine.ListVersions(env.Ctx, app42)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	for i, v := range versions {
		assert.Equal(t, i+1, v.VersionNumber)
	}
	assert.Equal(t, domain.VersionSuperseded, versions[1].Status)
	assert.Equal(t, domain.VersionPending, versions[3].Status)
	// the second working copy of INIT-A still diffs against v1
	assert.ElementsMatch(t, []string{"team", "deployment"}, versions[3].ChangedFields)
}

func TestNoOpRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")

	env.checkout(t, app42, "INIT-1", "alice")
	res := env.checkin(t, app42, "INIT-1", "alice", nil)
	assert.Empty(t, res.Version.ChangedFields)

	_, err := env.Engine.CompleteInitiative(env.Ctx, "INIT-1", "alice")
	require.NoError(t, err)

	versions, err := env.Engine.ListVersions(env.Ctx, app42)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsBaseline)
	assert.True(t, versions[1].IsBaseline)
	assert.Equal(t, fieldsOf(t, versions[0]), fieldsOf(t, versions[1]))
}

func TestConflictBlocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")

	env.checkout(t, app42, "INIT-A", "alice")
	res := env.checkin(t, app42, "INIT-A", "alice", map[string]any{"status": "active"})
	assert.Empty(t, res.Conflicts)

	env.checkout(t, app42, "INIT-B", "bob")
	res = env.checkin(t, app42, "INIT-B", "bob", map[string]any{"status": "deprecated"})
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, []string{"status"}, res.Conflicts[0].ConflictingFields)
	assert.Equal(t, domain.ConflictKindInitiative, res.Conflicts[0].Kind)

	c, err := env.Engine.GetConflict(env.Ctx, res.Conflicts[0].ConflictID)
	require.NoError(t, err)
	assert.Equal(t, "INIT-A", c.InitiativeID)
	assert.Equal(t, "INIT-B", c.OtherInitiativeID)

	for _, id := range []string{"INIT-A", "INIT-B"} {
		_, err = env.Engine.CompleteInitiative(env.Ctx, id, "admin")
		var blocked engine.BlockedByPendingWorkError
		require.ErrorAs(t, err, &blocked, id)
		require.Len(t, blocked.OpenConflicts, 1)
		assert.Equal(t, c.ID, blocked.OpenConflicts[0].ID)
		assert.Empty(t, blocked.LockedArtifacts)
	}

	in, err := env.Engine.GetInitiative(env.Ctx, "INIT-A")
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeActive, in.Status)
}

func TestCompletionReportsLockedArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")
	env.checkout(t, iface7, "INIT-1", "alice")

	_, err := env.Engine.RequestClosure(env.Ctx, "INIT-1", "alice")
	var blocked engine.BlockedByPendingWorkError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.LockedArtifacts, 1)
	assert.Equal(t, iface7, blocked.LockedArtifacts[0].Ref)

	locks, conflicts, err := env.Engine.PendingWork(env.Ctx, "INIT-1")
	require.NoError(t, err)
	assert.Len(t, locks, 1)
	assert.Empty(t, conflicts)
}

func TestCompletionPromotesOnlyOwnVersions(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")

	env.checkout(t, app42, "INIT-A", "alice")
	env.checkin(t, app42, "INIT-A", "alice", map[string]any{"team": "platform"})
	env.checkout(t, iface7, "INIT-A", "alice")
	env.checkin(t, iface7, "INIT-A", "alice", map[string]any{"version": "2.0"})
	env.checkout(t, app43, "INIT-B", "bob")
	pendingB := env.checkin(t, app43, "INIT-B", "bob", map[string]any{"team": "growth"}).Version

	in, err := env.Engine.CompleteInitiative(env.Ctx, "INIT-A", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeCompleted, in.Status)

	for _, ref := range []domain.ArtifactRef{app42, iface7} {
		versions, err := env.Engine.ListVersions(env.Ctx, ref)
		require.NoError(t, err)
		require.Len(t, versions, 2, ref.String())
		assert.False(t, versions[0].IsBaseline, "prior baseline demoted")
		assert.True(t, versions[1].IsBaseline)
		assert.Equal(t, domain.VersionPromoted, versions[1].Status)

		history, err := env.Engine.ListBaselineHistory(env.Ctx, ref)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	}

	cur, err := env.Engine.GetCurrent(env.Ctx, app43, "INIT-B")
	require.NoError(t, err)
	assert.Equal(t, pendingB.ID, cur.ID)
	assert.Equal(t, domain.VersionPending, cur.Status)
	assert.False(t, cur.IsBaseline)
}

func TestEndToEndPromotion(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, app42, domain.Application{Name: "Billing", AMLNumber: "AML-42", Status: "active", Team: "core"})
	for _, reason := range []string{"initial import", "nightly sync"} {
		_, err := env.Engine.RefreshBaseline(env.Ctx, engine.RefreshBaselineOptions{Ref: app42, ActorID: "admin", Reason: reason})
		require.NoError(t, err)
	}
	base, err := env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	require.Equal(t, 3, base.VersionNumber)

	env.initiative(t, "INIT-1", "alice")
	env.checkout(t, app42, "INIT-1", "alice")
	res := env.checkin(t, app42, "INIT-1", "alice", map[string]any{"status": "maintenance"})
	assert.Equal(t, 4, res.Version.VersionNumber)
	require.NotNil(t, res.Version.InitiativeID)
	assert.Equal(t, "INIT-1", *res.Version.InitiativeID)
	assert.False(t, res.Version.IsBaseline)
	assert.Equal(t, []string{"status"}, res.Version.ChangedFields)

	_, err = env.Engine.CloseInitiative(env.Ctx, "INIT-1", "alice")
	require.NoError(t, err)

	cur, err := env.Engine.GetCurrent(env.Ctx, app42, "")
	require.NoError(t, err)
	assert.Equal(t, 4, cur.VersionNumber)
	assert.True(t, cur.IsBaseline)
	assert.Equal(t, "maintenance", fieldsOf(t, cur)["status"])

	locks, err := env.Engine.ListLocks(env.Ctx, engine.LockScope{InitiativeID: "INIT-1", IncludeExpired: true})
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestForceCheckoutOverridesHolder(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-2", "alice")
	env.initiative(t, "INIT-3", "carol")
	held := env.checkout(t, iface7, "INIT-2", "alice")

	_, err := env.Engine.ForceCheckout(env.Ctx, engine.ForceCheckoutOptions{Ref: iface7, InitiativeID: "INIT-3", Reason: "urgent fix", ActorID: "alice"})
	var pd auth.PermissionDeniedError
	require.ErrorAs(t, err, &pd)

	res, err := env.Engine.ForceCheckout(env.Ctx, engine.ForceCheckoutOptions{
		Ref: iface7, InitiativeID: "INIT-3", UserID: "carol", Reason: "urgent fix", ActorID: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, res.OverriddenUsers)
	require.Len(t, res.OverriddenLocks, 1)
	assert.Equal(t, held.ID, res.OverriddenLocks[0].ID)
	assert.Equal(t, "INIT-3", res.Lock.InitiativeID)
	assert.Equal(t, "carol", res.Lock.LockedBy)

	_, err = env.Engine.Checkout(env.Ctx, engine.CheckoutOptions{Ref: iface7, InitiativeID: "INIT-2", ActorID: "alice"})
	var le engine.ArtifactLockedError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "INIT-3", le.Holder.InitiativeID)
	assert.Equal(t, "carol", le.Holder.LockedBy)

	evts, err := env.Engine.ListEvents(env.Ctx, 10, engine.EventFilter{Type: "lock.force_checkout"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "urgent fix", evts[0].Reason)
}

func TestForceCancelAndRelease(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")
	lock := env.checkout(t, app42, "INIT-1", "alice")

	_, err := env.Engine.ForceCancelCheckout(env.Ctx, engine.ForceOptions{Ref: app42, InitiativeID: "INIT-OTHER", Reason: "cleanup", ActorID: "admin"})
	var nc engine.NotCheckedOutError
	require.ErrorAs(t, err, &nc)

	dropped, err := env.Engine.ForceCancelCheckout(env.Ctx, engine.ForceOptions{Ref: app42, Reason: "cleanup", ActorID: "admin"})
	require.NoError(t, err)
	assert.Equal(t, lock.ID, dropped.ID)

	lock = env.checkout(t, app42, "INIT-1", "alice")
	_, err = env.Engine.ReleaseLock(env.Ctx, lock.ID, "alice", "mine")
	var pd auth.PermissionDeniedError
	require.ErrorAs(t, err, &pd)
	_, err = env.Engine.ReleaseLock(env.Ctx, lock.ID, "admin", "stale")
	require.NoError(t, err)

	locks, err := env.Engine.ListLocks(env.Ctx, engine.LockScope{})
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestBulkCheckoutIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")
	env.checkout(t, iface7, "INIT-B", "bob")

	_, err := env.Engine.BulkCheckout(env.Ctx, engine.BulkCheckoutOptions{Ref: app42, InitiativeID: "INIT-A", ActorID: "alice"})
	var be engine.BulkCheckoutError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Blocked, 1)
	assert.Equal(t, iface7, be.Blocked[0].Ref)
	assert.Equal(t, "INIT-B", be.Blocked[0].Holder.InitiativeID)

	locks, err := env.Engine.ListLocks(env.Ctx, engine.LockScope{InitiativeID: "INIT-A"})
	require.NoError(t, err)
	assert.Empty(t, locks)

	_, err = env.Engine.ForceCancelCheckout(env.Ctx, engine.ForceOptions{Ref: iface7, Reason: "unblock", ActorID: "admin"})
	require.NoError(t, err)

	res, err := env.Engine.BulkCheckout(env.Ctx, engine.BulkCheckoutOptions{Ref: app42, InitiativeID: "INIT-A", ActorID: "alice"})
	require.NoError(t, err)
	got := make([]domain.ArtifactRef, 0, len(res.Locks))
	for _, l := range res.Locks {
		got = append(got, l.Ref)
	}
	assert.Equal(t, []domain.ArtifactRef{app42, app43, bp1, iface7}, got)

	// repeating it returns the same locks
	again, err := env.Engine.BulkCheckout(env.Ctx, engine.BulkCheckoutOptions{Ref: app42, InitiativeID: "INIT-A", ActorID: "alice"})
	require.NoError(t, err)
	require.Len(t, again.Locks, len(res.Locks))
	for i := range res.Locks {
		assert.Equal(t, res.Locks[i].ID, again.Locks[i].ID)
	}
}

func TestImpactAnalysis(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")
	env.checkout(t, app43, "INIT-B", "bob")
	env.checkout(t, bp1, "INIT-B", "bob")
	env.checkin(t, bp1, "INIT-B", "bob", map[string]any{"status": "retired"})
	require.NoError(t, env.Registry.AddChangeRequest(env.Ctx, "CR-9", "Retire IML-7", "open", "", []domain.ArtifactRef{iface7}, domain.ImpactDeletion))

	report, err := env.Engine.AnalyzeCheckoutImpact(env.Ctx, app42, "INIT-A")
	require.NoError(t, err)
	assert.Equal(t, app42, report.Primary.Ref)
	assert.Equal(t, "Billing", report.Primary.Name)

	ifaces := report.RequiredCheckouts[domain.TypeInterface]
	require.Len(t, ifaces, 1)
	assert.Equal(t, iface7, ifaces[0].Ref)
	assert.Equal(t, 1, ifaces[0].Depth)
	assert.Equal(t, "Interface provided by the application being modified", ifaces[0].Reason)
	require.Len(t, report.RequiredCheckouts[domain.TypeApplication], 1)
	assert.Equal(t, 2, report.RequiredCheckouts[domain.TypeApplication][0].Depth)
	assert.Equal(t, 3, report.Summary.TotalRequiredCheckouts)
	assert.Equal(t, "Simple", report.Summary.EstimatedComplexity)

	bySource := map[string]domain.CrossInitiativeImpact{}
	for _, imp := range report.CrossInitiativeImpacts {
		bySource[imp.Source] = imp
	}
	require.Len(t, report.CrossInitiativeImpacts, 3)
	assert.Equal(t, app43, bySource["lock"].Ref)
	assert.Equal(t, bp1, bySource["pending_version"].Ref)
	assert.Equal(t, domain.ImpactStatusChange, bySource["pending_version"].ConflictType)
	assert.Equal(t, "CR-9", bySource["change_request"].ChangeRequestID)
	assert.Equal(t, domain.ImpactDeletion, bySource["change_request"].ConflictType)
	assert.Equal(t, "high", report.RiskLevel)

	// the initiative's own work is not reported against it
	own, err := env.Engine.AnalyzeCheckoutImpact(env.Ctx, app43, "INIT-B")
	require.NoError(t, err)
	for _, imp := range own.CrossInitiativeImpacts {
		assert.NotEqual(t, "INIT-B", imp.InitiativeID)
	}
}

func TestExpiredLocksAreSwept(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")
	env.checkout(t, app42, "INIT-A", "alice")
	env.checkout(t, iface7, "INIT-A", "alice")

	env.advance(25 * time.Hour)

	// an expired lock never blocks
	lock := env.checkout(t, app42, "INIT-B", "bob")
	assert.Equal(t, "INIT-B", lock.InitiativeID)

	live, err := env.Engine.ListLocks(env.Ctx, engine.LockScope{InitiativeID: "INIT-A"})
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = env.Engine.SweepLocks(env.Ctx, "alice")
	var pd auth.PermissionDeniedError
	require.ErrorAs(t, err, &pd)

	n, err := env.Engine.SweepLocks(env.Ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := env.Engine.ListLocks(env.Ctx, engine.LockScope{IncludeExpired: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, app42, all[0].Ref)
}

func TestCancelDiscardsPendingWork(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-A", "alice")
	env.initiative(t, "INIT-B", "bob")
	env.checkout(t, app42, "INIT-A", "alice")
	env.checkin(t, app42, "INIT-A", "alice", map[string]any{"status": "active"})
	env.checkout(t, app42, "INIT-B", "bob")
	res := env.checkin(t, app42, "INIT-B", "bob", map[string]any{"status": "deprecated"})
	require.Len(t, res.Conflicts, 1)
	env.checkout(t, iface7, "INIT-B", "bob")

	_, err := env.Engine.CancelInitiative(env.Ctx, "INIT-B", "alice", "not mine")
	var pd auth.PermissionDeniedError
	require.ErrorAs(t, err, &pd)

	in, err := env.Engine.CancelInitiative(env.Ctx, "INIT-B", "bob", "descoped")
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeCancelled, in.Status)

	c, err := env.Engine.GetConflict(env.Ctx, res.Conflicts[0].ConflictID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictResolved, c.ResolutionStatus)
	assert.Equal(t, domain.StrategyInitiativeCancelled, c.ResolutionStrategy)

	versions, err := env.Engine.ListVersions(env.Ctx, app42)
	require.NoError(t, err)
	assert.Equal(t, domain.VersionVoid, versions[len(versions)-1].Status)

	locks, err := env.Engine.ListLocks(env.Ctx, engine.LockScope{InitiativeID: "INIT-B", IncludeExpired: true})
	require.NoError(t, err)
	assert.Empty(t, locks)

	_, err = env.Engine.CompleteInitiative(env.Ctx, "INIT-A", "alice")
	require.NoError(t, err)
}

func TestInitiativeTransitions(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.CreateInitiative(env.Ctx, engine.CreateInitiativeOptions{Name: "Later", ActorID: "alice", Draft: true})
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeDraft, draft.Status)
	assert.Regexp(t, `^INIT-\d+-\d{4}$`, draft.ID)

	_, err = env.Engine.Checkout(env.Ctx, engine.CheckoutOptions{Ref: app42, InitiativeID: draft.ID, ActorID: "alice"})
	var ist engine.InvalidStateTransitionError
	require.ErrorAs(t, err, &ist)

	_, err = env.Engine.CompleteInitiative(env.Ctx, draft.ID, "alice")
	require.ErrorAs(t, err, &ist)
	assert.Equal(t, domain.InitiativeDraft, ist.From)

	in, err := env.Engine.ActivateInitiative(env.Ctx, draft.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeActive, in.Status)

	in, err = env.Engine.RequestClosure(env.Ctx, draft.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeReview, in.Status)

	_, err = env.Engine.ActivateInitiative(env.Ctx, draft.ID, "alice")
	require.ErrorAs(t, err, &ist)

	in, err = env.Engine.CompleteInitiative(env.Ctx, draft.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.InitiativeCompleted, in.Status)

	for _, run := range []func(context.Context, string, string) (domain.Initiative, error){
		env.Engine.ActivateInitiative, env.Engine.RequestClosure, env.Engine.CompleteInitiative,
	} {
		_, err = run(env.Ctx, draft.ID, "admin")
		require.ErrorAs(t, err, &ist)
	}
	_, err = env.Engine.CancelInitiative(env.Ctx, draft.ID, "admin", "too late")
	require.ErrorAs(t, err, &ist)

	_, err = env.Engine.GetInitiative(env.Ctx, "INIT-NOPE")
	assert.Error(t, err)
}

func TestParticipants(t *testing.T) {
	env := newTestEnv(t)
	env.initiative(t, "INIT-1", "alice")

	_, err := env.Engine.AddParticipant(env.Ctx, engine.AddParticipantOptions{InitiativeID: "INIT-1", ParticipantID: "bob", Role: "developer", ActorID: "alice"})
	require.NoError(t, err)

	items, err := env.Engine.ListParticipants(env.Ctx, "INIT-1")
	require.NoError(t, err)
	roles := map[string]string{}
	for _, p := range items {
		roles[p.ActorID] = p.Role
	}
	assert.Equal(t, map[string]string{"alice": "lead", "bob": "developer"}, roles)
}
