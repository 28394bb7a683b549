package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artline/internal/app"
	"artline/internal/config"
	"artline/internal/db"
	"artline/internal/domain"
	"artline/internal/engine"
	"artline/internal/migrate"
	"artline/internal/registry"
	"artline/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, mutate func(*config.Config)) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	eng := engine.New(conn, cfg, nil)
	eng.Log = log

	ctx := context.Background()
	require.NoError(t, app.SeedRBAC(ctx, eng.Repo, cfg))
	require.NoError(t, app.Bootstrap(ctx, eng.Repo, "admin", "admin"))

	reg := registry.SQL{DB: conn}
	_, err = reg.Put(ctx, domain.ArtifactRef{Type: domain.TypeApplication, ID: "42"}, json.RawMessage(`{"name":"Billing","status":"planned"}`))
	require.NoError(t, err)
	_, err = reg.Put(ctx, domain.ArtifactRef{Type: domain.TypeInterface, ID: "7"}, json.RawMessage(`{"iml_number":"IML-7","status":"active"}`))
	require.NoError(t, err)
	require.NoError(t, reg.Link(ctx, registry.Edge{
		From: domain.ArtifactRef{Type: domain.TypeApplication, ID: "42"},
		To:   domain.ArtifactRef{Type: domain.TypeInterface, ID: "7"},
		Kind: registry.EdgeProvides,
	}))

	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
		Log:      log,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return testServer{
		URL:    "http://" + ln.Addr().String() + "/v0",
		Engine: eng,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func (s testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func (s testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string, wantStatus int, into any) {
	t.Helper()
	status, data := s.do(t, method, path, body, headers)
	require.Equal(t, wantStatus, status, string(data))
	if into != nil {
		require.NoError(t, json.Unmarshal(data, into), string(data))
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s testServer) expectError(t *testing.T, method, path string, body any, headers map[string]string, wantStatus int, wantCode string) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	s.doJSON(t, method, path, body, headers, wantStatus, &env)
	assert.Equal(t, wantCode, env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)
	return env
}

func TestCheckoutCheckinCompleteFlow(t *testing.T) {
	s := newTestServer(t, nil)

	var in domain.Initiative
	s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: "INIT-1", Name: "Billing upgrade"}, as("alice"), http.StatusCreated, &in)
	assert.Equal(t, domain.InitiativeActive, in.Status)
	assert.Equal(t, "alice", in.CreatedBy)

	var lock domain.ArtifactLock
	s.doJSON(t, http.MethodPost, "/artifacts/application/42/checkout", CheckoutRequest{InitiativeID: "INIT-1"}, as("alice"), http.StatusOK, &lock)
	assert.Equal(t, "alice", lock.LockedBy)
	assert.Equal(t, 1, lock.BaseVersionNumber)

	s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: "INIT-2", Name: "CRM"}, as("bob"), http.StatusCreated, nil)
	env := s.expectError(t, http.MethodPost, "/artifacts/application/42/checkout", CheckoutRequest{InitiativeID: "INIT-2"}, as("bob"), http.StatusConflict, "artifact_locked")
	assert.Contains(t, env.Error.Details, "holder")

	env = s.expectError(t, http.MethodPost, "/initiatives/INIT-1/complete", nil, as("alice"), http.StatusConflict, "blocked_by_pending_work")
	assert.Len(t, env.Error.Details["locked_artifacts"], 1)

	var res engine.CheckinResult
	s.doJSON(t, http.MethodPost, "/artifacts/application/42/checkin", CheckinRequest{
		InitiativeID: "INIT-1",
		Changes:      map[string]any{"status": "active"},
		Description:  "go live",
	}, as("alice"), http.StatusOK, &res)
	assert.Equal(t, 2, res.Version.VersionNumber)
	assert.Equal(t, []string{"status"}, res.Version.ChangedFields)
	assert.Empty(t, res.Conflicts)

	s.expectError(t, http.MethodPost, "/artifacts/application/42/checkin", CheckinRequest{
		InitiativeID: "INIT-1",
		Changes:      map[string]any{"status": "retired"},
	}, as("alice"), http.StatusConflict, "lock_required")

	s.expectError(t, http.MethodPost, "/artifacts/application/42/checkout", CheckoutRequest{InitiativeID: "INIT-1"}, nil, http.StatusUnauthorized, "unauthorized")

	var done domain.Initiative
	s.doJSON(t, http.MethodPost, "/initiatives/INIT-1/complete", nil, as("alice"), http.StatusOK, &done)
	assert.Equal(t, domain.InitiativeCompleted, done.Status)

	var current CurrentVersionResponse
	s.doJSON(t, http.MethodGet, "/artifacts/application/42/current", nil, as("bob"), http.StatusOK, &current)
	assert.True(t, current.IsBaseline)
	assert.Equal(t, 2, current.VersionNumber)
	assert.Equal(t, "active", current.Fields["status"])

	var versions []domain.ArtifactVersion
	s.doJSON(t, http.MethodGet, "/artifacts/application/42/versions", nil, as("bob"), http.StatusOK, &versions)
	assert.Len(t, versions, 2)
}

func TestCheckinRejectsUndeclaredFields(t *testing.T) {
	s := newTestServer(t, nil)
	s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: "INIT-1", Name: "x"}, as("alice"), http.StatusCreated, nil)
	s.doJSON(t, http.MethodPost, "/artifacts/application/42/checkout", CheckoutRequest{InitiativeID: "INIT-1"}, as("alice"), http.StatusOK, nil)
	s.expectError(t, http.MethodPost, "/artifacts/application/42/checkin", CheckinRequest{
		InitiativeID: "INIT-1",
		Changes:      map[string]any{"colour": "red"},
	}, as("alice"), http.StatusBadRequest, "bad_request")
}

func TestCreatorRulesAndAdminOverrides(t *testing.T) {
	s := newTestServer(t, nil)
	s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: "INIT-1", Name: "x"}, as("alice"), http.StatusCreated, nil)
	s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: "INIT-2", Name: "y"}, as("bob"), http.StatusCreated, nil)
	s.doJSON(t, http.MethodPost, "/artifacts/interface/7/checkout", CheckoutRequest{InitiativeID: "INIT-1"}, as("alice"), http.StatusOK, nil)

	s.expectError(t, http.MethodPost, "/initiatives/INIT-1/cancel", CancelInitiativeRequest{Reason: "mine now"}, as("bob"), http.StatusForbidden, "forbidden")
	s.expectError(t, http.MethodPost, "/admin/locks/force-checkout", ForceCheckoutRequest{
		ArtifactType: "interface", ArtifactID: "7", InitiativeID: "INIT-2", Reason: "urgent",
	}, as("bob"), http.StatusForbidden, "forbidden")

	var lock domain.ArtifactLock
	s.doJSON(t, http.MethodPost, "/admin/locks/force-checkout", ForceCheckoutRequest{
		ArtifactType: "interface", ArtifactID: "7", InitiativeID: "INIT-2", UserID: "bob", Reason: "urgent",
	}, as("admin"), http.StatusOK, &lock)
	assert.Equal(t, "INIT-2", lock.InitiativeID)
	assert.Equal(t, "bob", lock.LockedBy)

	var locks []domain.ArtifactLock
	s.doJSON(t, http.MethodGet, "/locks", nil, as("alice"), http.StatusOK, &locks)
	require.Len(t, locks, 1)
	assert.Equal(t, lock.ID, locks[0].ID)

	s.doJSON(t, http.MethodPost, "/admin/locks/force-cancel", ForceCancelRequest{
		ArtifactType: "interface", ArtifactID: "7", Reason: "abandoned",
	}, as("admin"), http.StatusOK, nil)
	s.doJSON(t, http.MethodGet, "/locks", nil, as("alice"), http.StatusOK, &locks)
	assert.Empty(t, locks)

	s.expectError(t, http.MethodGet, "/initiatives/INIT-404", nil, as("alice"), http.StatusNotFound, "not_found")
}

func TestConflictResolutionOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	for _, p := range []struct{ id, actor, status string }{{"INIT-A", "alice", "active"}, {"INIT-B", "bob", "deprecated"}} {
		s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: p.id, Name: p.id}, as(p.actor), http.StatusCreated, nil)
		s.doJSON(t, http.MethodPost, "/artifacts/application/42/checkout", CheckoutRequest{InitiativeID: p.id}, as(p.actor), http.StatusOK, nil)
		s.doJSON(t, http.MethodPost, "/artifacts/application/42/checkin", CheckinRequest{
			InitiativeID: p.id, Changes: map[string]any{"status": p.status},
		}, as(p.actor), http.StatusOK, nil)
	}

	var conflicts []domain.VersionConflict
	s.doJSON(t, http.MethodGet, "/initiatives/INIT-A/conflicts", nil, as("alice"), http.StatusOK, &conflicts)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, []string{"status"}, c.ConflictingFields)

	s.expectError(t, http.MethodPost, "/initiatives/INIT-A/complete", nil, as("alice"), http.StatusConflict, "blocked_by_pending_work")
	s.expectError(t, http.MethodPost, "/conflicts/"+c.ID+"/resolve", ResolveConflictRequest{Strategy: "accept_baseline"}, as("alice"), http.StatusBadRequest, "bad_request")

	var resolved engine.ResolveResult
	s.doJSON(t, http.MethodPost, "/conflicts/"+c.ID+"/resolve", ResolveConflictRequest{Strategy: "keep_initiative", Notes: "ours"}, as("alice"), http.StatusOK, &resolved)
	assert.Equal(t, domain.ConflictResolved, resolved.Conflict.ResolutionStatus)

	s.doJSON(t, http.MethodPost, "/initiatives/INIT-A/complete", nil, as("alice"), http.StatusOK, nil)

	// INIT-B's copy now predates the promoted baseline
	env := s.expectError(t, http.MethodPost, "/initiatives/INIT-B/complete", nil, as("bob"), http.StatusConflict, "blocked_by_pending_work")
	assert.Len(t, env.Error.Details["open_conflicts"], 1)
	var current CurrentVersionResponse
	s.doJSON(t, http.MethodGet, "/artifacts/application/42/current", nil, as("bob"), http.StatusOK, &current)
	assert.Equal(t, "active", current.Fields["status"])
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	s := newTestServer(t, nil)

	var tok DevLoginResponse
	s.doJSON(t, http.MethodPost, "/auth/dev/login", DevLoginRequest{ActorID: "admin"}, nil, http.StatusOK, &tok)
	require.NotEmpty(t, tok.Token)

	var me WhoAmIResponse
	s.doJSON(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token}, http.StatusOK, &me)
	assert.Equal(t, "admin", me.ActorID)
	assert.Contains(t, me.Roles, "admin")

	s.expectError(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer nonsense"}, http.StatusUnauthorized, "invalid_credentials")
	s.expectError(t, http.MethodPost, "/auth/dev/login", DevLoginRequest{}, nil, http.StatusBadRequest, "bad_request")
}

func TestAPIKeyAuthenticates(t *testing.T) {
	s := newTestServer(t, nil)

	var key APIKeyResponse
	s.doJSON(t, http.MethodPost, "/rbac/api-keys", CreateAPIKeyRequest{Name: "ci"}, as("alice"), http.StatusCreated, &key)
	require.NotEmpty(t, key.Key)

	var me WhoAmIResponse
	s.doJSON(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key}, http.StatusOK, &me)
	assert.Equal(t, "alice", me.ActorID)

	s.expectError(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": "al_bogus"}, http.StatusUnauthorized, "invalid_credentials")

	var keys []APIKeyResponse
	s.doJSON(t, http.MethodGet, "/rbac/api-keys", nil, as("alice"), http.StatusOK, &keys)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].Key)
	assert.NotNil(t, keys[0].LastUsedAt)

	s.expectError(t, http.MethodPost, "/rbac/api-keys/"+key.ID+"/revoke", RevokeAPIKeyRequest{}, as("bob"), http.StatusForbidden, "forbidden")
	var revoked APIKeyResponse
	s.doJSON(t, http.MethodPost, "/rbac/api-keys/"+key.ID+"/revoke", RevokeAPIKeyRequest{Reason: "leaked"}, map[string]string{"X-Api-Key": key.Key}, http.StatusOK, &revoked)
	assert.NotNil(t, revoked.RevokedAt)

	s.expectError(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key}, http.StatusUnauthorized, "invalid_credentials")
}

func TestEventsPagination(t *testing.T) {
	s := newTestServer(t, nil)
	for _, id := range []string{"INIT-1", "INIT-2", "INIT-3"} {
		s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: id, Name: id}, as("alice"), http.StatusCreated, nil)
	}

	var page paginatedEvents
	s.doJSON(t, http.MethodGet, "/events?type=initiative.created&limit=2", nil, as("alice"), http.StatusOK, &page)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "INIT-3", page.Items[0].EntityID)
	require.NotEmpty(t, page.NextCursor)

	var rest paginatedEvents
	s.doJSON(t, http.MethodGet, "/events?type=initiative.created&limit=2&cursor="+page.NextCursor, nil, as("alice"), http.StatusOK, &rest)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "INIT-1", rest.Items[0].EntityID)
	assert.Empty(t, rest.NextCursor)
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, nil)
	status, _ := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimitPerActor(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit.RPS = 0.001
		c.Server.RateLimit.Burst = 2
	})

	for i := 0; i < 2; i++ {
		s.doJSON(t, http.MethodGet, "/initiatives", nil, as("alice"), http.StatusOK, nil)
	}
	env := s.expectError(t, http.MethodGet, "/initiatives", nil, as("alice"), http.StatusTooManyRequests, "rate_limited")
	assert.Equal(t, "alice", env.Error.Details["actor_id"])

	s.doJSON(t, http.MethodGet, "/initiatives", nil, as("bob"), http.StatusOK, nil)
}

func TestWebhookDispatcherDeliversMatchingEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Artline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	s := newTestServer(t, nil)
	ctx := context.Background()
	d := NewWebhookDispatcher(s.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"artifact.checked_out"},
		Secret: "s3cret",
	}}, nil)

	// history before the first tick is skipped
	s.doJSON(t, http.MethodPost, "/initiatives", CreateInitiativeRequest{ID: "INIT-1", Name: "x"}, as("alice"), http.StatusCreated, nil)
	d.dispatchAll(ctx)

	s.doJSON(t, http.MethodPost, "/artifacts/application/42/checkout", CheckoutRequest{InitiativeID: "INIT-1"}, as("alice"), http.StatusOK, nil)
	s.doJSON(t, http.MethodPost, "/artifacts/application/42/checkin", CheckinRequest{
		InitiativeID: "INIT-1", Changes: map[string]any{"status": "active"},
	}, as("alice"), http.StatusOK, nil)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "artifact.checked_out", received[0].Type)
	assert.Equal(t, "alice", received[0].ActorID)
	assert.Equal(t, []string{"s3cret"}, secrets)
}

func TestWebhookDispatcherWithoutHooksReturns(t *testing.T) {
	d := NewWebhookDispatcher(repo.Repo{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, d.Run(ctx))
}

func TestUnhandledErrorsAreLoggedNotReturned(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	prev := errorLog
	errorLog = logger
	t.Cleanup(func() { errorLog = prev })

	se := handleError(errors.New("SQL logic error: no such column: api_keys.secret"))
	require.Equal(t, http.StatusInternalServerError, se.GetStatus())
	apiErr, ok := se.(*apiError)
	require.True(t, ok)
	assert.Equal(t, "internal_error", apiErr.Body.Code)
	assert.Equal(t, "internal error", apiErr.Body.Message)
	assert.Nil(t, apiErr.Body.Details)

	body, err := json.Marshal(apiErr)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "no such column")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Contains(t, entry.Data[logrus.ErrorKey].(error).Error(), "no such column")
}

func TestRateLimiterDropsRefilledBuckets(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(0.01, 2)
	l.now = func() time.Time { return clock }

	require.True(t, l.allow("alice"))
	require.True(t, l.allow("bob"))
	require.True(t, l.allow("bob"))
	require.False(t, l.allow("bob"))

	clock = clock.Add(2 * time.Minute)
	require.True(t, l.allow("carol"))

	l.mu.Lock()
	actors := make([]string, 0, len(l.buckets))
	for actor := range l.buckets {
		actors = append(actors, actor)
	}
	l.mu.Unlock()
	assert.ElementsMatch(t, []string{"bob", "carol"}, actors)

	// bob has refilled a little over one token, not the full burst
	assert.True(t, l.allow("bob"))
	assert.False(t, l.allow("bob"))
}
