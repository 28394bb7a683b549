package artlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckinSendsChangesAndAuth(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(CheckinResult{
			Version:   Version{VersionNumber: 2, ChangedFields: []string{"status"}},
			Conflicts: []Conflict{},
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0")
	c.APIKey = "al_test"
	res, err := c.Checkin(context.Background(), Ref{Type: "application", ID: "42"}, "INIT-1", map[string]any{"status": "active"}, "go live")
	require.NoError(t, err)

	assert.Equal(t, "/v0/artifacts/application/42/checkin", gotPath)
	assert.Equal(t, "al_test", gotKey)
	assert.Equal(t, "INIT-1", gotBody["initiative_id"])
	assert.Equal(t, map[string]any{"status": "active"}, gotBody["changes"])
	assert.Equal(t, 2, res.Version.VersionNumber)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"artifact_locked","message":"locked by bob","details":{"holder":{"locked_by":"bob"}}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Checkout(context.Background(), Ref{Type: "interface", ID: "7"}, "INIT-2", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "artifact_locked", apiErr.Code)
	assert.Contains(t, apiErr.Details, "holder")
	assert.Contains(t, apiErr.Error(), "artifact_locked")
}

func TestEventsPageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":3,"type":"initiative.created"}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 1, "9")
	require.NoError(t, err)
	assert.Equal(t, "cursor=9&limit=1", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "3", page.NextCursor)
}

func TestAnalyzeImpactDecodesClosure(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`{
			"primary_artifact":{"artifact":{"artifact_type":"application","artifact_id":"42"},"depth":0,"reason":"primary"},
			"required_checkouts":{"interface":[{"artifact":{"artifact_type":"interface","artifact_id":"7"},"depth":1,"reason":"provided interface"}]},
			"risk_level":"low",
			"summary":{"total_required_checkouts":1,"cross_initiative_conflicts":0,"estimated_complexity":"Simple"}
		}`))
	}))
	defer srv.Close()

	report, err := New(srv.URL).AnalyzeImpact(context.Background(), Ref{Type: "application", ID: "42"}, "INIT-1")
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/application/42/impact?initiative_id=INIT-1", gotURL)
	require.Len(t, report.RequiredCheckouts["interface"], 1)
	assert.Equal(t, "7", report.RequiredCheckouts["interface"][0].Artifact.ID)
	assert.Equal(t, "Simple", report.Summary.EstimatedComplexity)
}
