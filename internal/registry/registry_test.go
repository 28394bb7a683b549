package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artline/internal/db"
	"artline/internal/domain"
	"artline/internal/migrate"
	"artline/internal/repo"
)

func newSQL(t *testing.T) SQL {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return SQL{DB: conn}
}

var (
	billing = domain.ArtifactRef{Type: domain.TypeApplication, ID: "42"}
	invoice = domain.ArtifactRef{Type: domain.TypeInterface, ID: "7"}
)

func TestPutAndLookup(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, billing, json.RawMessage(`{"name":"Billing","status":"active"}`))
	require.NoError(t, err)
	assert.Equal(t, "Billing", rec.Name)

	got, err := s.Lookup(ctx, billing)
	require.NoError(t, err)
	assert.Equal(t, "Billing", got.Name)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(got.Data, &fields))
	assert.Equal(t, "active", fields["status"])
	assert.Contains(t, fields, "aml_number", "stored in canonical form")

	_, err = s.Put(ctx, billing, json.RawMessage(`{"name":"Billing","colour":"red"}`))
	assert.Error(t, err)

	_, err = s.Lookup(ctx, domain.ArtifactRef{Type: domain.TypeApplication, ID: "nope"})
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestLinkAndEdges(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()

	require.NoError(t, s.Link(ctx, Edge{From: billing, To: invoice, Kind: EdgeProvides}))
	require.NoError(t, s.Link(ctx, Edge{From: billing, To: invoice, Kind: EdgeProvides}), "duplicate links are ignored")
	assert.Error(t, s.Link(ctx, Edge{From: billing, To: invoice, Kind: "likes"}))
	assert.Error(t, s.Link(ctx, Edge{From: billing, To: billing, Kind: EdgeOwns}))

	for _, ref := range []domain.ArtifactRef{billing, invoice} {
		edges, err := s.Edges(ctx, ref)
		require.NoError(t, err)
		require.Len(t, edges, 1, ref.String())
		assert.Equal(t, EdgeProvides, edges[0].Kind)
	}
}

func TestOpenChangeRequests(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()

	require.NoError(t, s.AddChangeRequest(ctx, "CR-1", "Upgrade", "", "INIT-1", []domain.ArtifactRef{billing}, ""))
	require.NoError(t, s.AddChangeRequest(ctx, "CR-2", "Old work", "completed", "", []domain.ArtifactRef{billing}, ""))
	require.NoError(t, s.AddChangeRequest(ctx, "CR-3", "Retire", "open", "", []domain.ArtifactRef{invoice}, domain.ImpactDeletion))

	crs, err := s.OpenChangeRequests(ctx, []domain.ArtifactRef{billing, invoice})
	require.NoError(t, err)
	require.Len(t, crs, 2)
	assert.Equal(t, "CR-1", crs[0].ID)
	assert.Equal(t, "INIT-1", crs[0].InitiativeID)
	assert.Equal(t, domain.ImpactModification, crs[0].ChangeKind)
	assert.Equal(t, "CR-3", crs[1].ID)
	assert.Equal(t, domain.ImpactDeletion, crs[1].ChangeKind)

	none, err := s.OpenChangeRequests(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCachedFallsThroughWhenRedisIsDown(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()
	_, err := s.Put(ctx, billing, json.RawMessage(`{"name":"Billing"}`))
	require.NoError(t, err)
	require.NoError(t, s.Link(ctx, Edge{From: billing, To: invoice, Kind: EdgeProvides}))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	c, err := NewCached(s, "redis://127.0.0.1:1/0", time.Minute, log)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var reg Registry = c
	rec, err := reg.Lookup(ctx, billing)
	require.NoError(t, err)
	assert.Equal(t, "Billing", rec.Name)

	edges, err := reg.Edges(ctx, billing)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	_, err = reg.Lookup(ctx, invoice)
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	_, err = NewCached(s, "not a url", time.Minute, log)
	assert.Error(t, err)
}
