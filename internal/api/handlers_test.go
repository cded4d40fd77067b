package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jansetu/jansetu/internal/cache"
	"github.com/jansetu/jansetu/internal/config"
	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/index"
	"github.com/jansetu/jansetu/internal/ingest"
	"github.com/jansetu/jansetu/internal/profile"
	"github.com/jansetu/jansetu/internal/recommend"
	"github.com/jansetu/jansetu/internal/retrieval"
	"github.com/jansetu/jansetu/internal/storage"
)

const testToken = "test-token"

type testApp struct {
	handler http.Handler
	store   *storage.Store
	worker  *ingest.Worker
	cache   *cache.Manager
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vec := index.NewHashingVectorizer(128)
	idx := index.New(store.DB(), vec)

	scoring := config.ScoringConfig{Similarity: 0.6, Recency: 0.2, Tier: 0.2, RecencyHalfLifeDays: 180}
	recCfg := config.RecommendConfig{
		NoveltyBoost:     0.05,
		CompletedPenalty: 0.2,
		PredicateWeights: map[string]float64{"location": 0.35, "occupation": 0.25},
		HistoryLimit:     200,
	}

	cacheStore, err := cache.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("opening cache store: %v", err)
	}
	t.Cleanup(func() { cacheStore.Close() })
	mgr := cache.NewManager(cacheStore, cache.NewStoreFetcher(store), 100)

	deps := AppDeps{
		Store:     store,
		Ingester:  ingest.New(store, nil),
		Retrieval: retrieval.New(idx, vec, scoring, []string{"en", "hi"}),
		Recommend: recommend.New(store, recommend.NewRuleStrategy(recCfg.PredicateWeights), recCfg, scoring),
		Profiles:  profile.NewProvider(store, 200),
		Cache:     mgr,
		Index:     idx,
		Token:     testToken,
	}

	return &testApp{
		handler: NewAppHandler(deps),
		store:   store,
		worker:  ingest.NewWorker(store, idx, time.Millisecond),
		cache:   mgr,
	}
}

func (app *testApp) request(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	return rec
}

// ingestAndIndex pushes items through the API and drains the job queue so
// queries see them.
func (app *testApp) ingestAndIndex(t *testing.T, items ...content.ContentItem) {
	t.Helper()
	rec := app.request(t, http.MethodPost, "/ingest", map[string]any{"items": items}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
	}
	for {
		done, err := app.worker.RunOnce(t.Context())
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
		if !done {
			return
		}
	}
}

func apiItem(id, title, summary string) content.ContentItem {
	return content.ContentItem{
		ID:        id,
		Type:      content.TypeScheme,
		Languages: []string{"en"},
		Title:     map[string]string{"en": title},
		Summary:   map[string]string{"en": summary},
		Tier:      content.TierNormal,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %s: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	app := newTestApp(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/ingest"},
		{http.MethodDelete, "/content/x"},
		{http.MethodPost, "/cache/sync"},
		{http.MethodPost, "/cache/offline"},
	} {
		rec := app.request(t, tc.method, tc.path, nil, false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", tc.method, tc.path, rec.Code)
		}
	}

	// Read paths stay open.
	rec := app.request(t, http.MethodGet, "/cache/status", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /cache/status = %d, want 200 without auth", rec.Code)
	}
}

func TestIngestReportsPerItemResults(t *testing.T) {
	app := newTestApp(t)

	bad := apiItem("bad", "Broken", "No languages")
	bad.Languages = nil

	rec := app.request(t, http.MethodPost, "/ingest", map[string]any{
		"items": []content.ContentItem{apiItem("ok", "Crop insurance", "Premium subsidy"), bad},
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Accepted int                 `json:"accepted"`
		Rejected int                 `json:"rejected"`
		Results  []ingest.ItemResult `json:"results"`
	}
	decodeBody(t, rec, &resp)
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Errorf("accepted=%d rejected=%d, want 1/1", resp.Accepted, resp.Rejected)
	}
	if len(resp.Results) != 2 || resp.Results[1].Error == "" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/ingest", map[string]any{"items": []content.ContentItem{}}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestQueryReturnsRankedResults(t *testing.T) {
	app := newTestApp(t)
	app.ingestAndIndex(t,
		apiItem("crop", "Crop insurance scheme", "Premium subsidy for farmers against crop loss"),
		apiItem("pension", "Old age pension", "Monthly pension for senior citizens"),
	)

	rec := app.request(t, http.MethodPost, "/query", map[string]any{
		"text": "crop insurance for farmers", "language": "en",
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results []content.SearchResult `json:"results"`
		Reason  string                 `json:"reason"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Results) == 0 || resp.Results[0].ContentID != "crop" {
		t.Errorf("results = %+v, want crop first", resp.Results)
	}
	if resp.Reason != "ok" {
		t.Errorf("reason = %s, want ok", resp.Reason)
	}
}

func TestQueryEmptyTextRejected(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodPost, "/query", map[string]any{"text": "", "language": "en"}, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestQueryDegradedWhileOffline(t *testing.T) {
	app := newTestApp(t)
	app.ingestAndIndex(t, apiItem("crop", "Crop insurance scheme", "Premium subsidy for farmers"))

	// Populate the cache, then cut connectivity.
	if rec := app.request(t, http.MethodPost, "/cache/sync", nil, true); rec.Code != http.StatusOK {
		t.Fatalf("cache sync = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := app.request(t, http.MethodPost, "/cache/offline", nil, true); rec.Code != http.StatusOK {
		t.Fatalf("cache offline = %d", rec.Code)
	}

	rec := app.request(t, http.MethodPost, "/query", map[string]any{
		"text": "crop insurance", "language": "en",
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results  []content.SearchResult `json:"results"`
		Degraded bool                   `json:"degraded"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Degraded {
		t.Error("offline query should be flagged degraded")
	}
	if len(resp.Results) == 0 {
		t.Error("cached content should still answer")
	}
}

func TestRecommendationsUnknownProfile(t *testing.T) {
	app := newTestApp(t)
	rec := app.request(t, http.MethodGet, "/recommendations/nobody", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRecommendationsForProfile(t *testing.T) {
	app := newTestApp(t)

	item := apiItem("crop", "Crop insurance", "Premium subsidy")
	item.Eligibility = []content.Predicate{{Key: "occupation", Op: content.OpEq, Value: "farmer"}}
	app.ingestAndIndex(t, item)

	if err := app.store.SaveProfile(content.UserProfile{ID: "u1", Location: "MH", Occupation: "farmer"}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	rec := app.request(t, http.MethodGet, "/recommendations/u1", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Recommendations []content.Recommendation `json:"recommendations"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Recommendations) != 1 || resp.Recommendations[0].ContentID != "crop" {
		t.Errorf("recommendations = %+v", resp.Recommendations)
	}
}

func TestContentGetAndDelete(t *testing.T) {
	app := newTestApp(t)
	app.ingestAndIndex(t, apiItem("crop", "Crop insurance", "Premium subsidy"))

	rec := app.request(t, http.MethodGet, "/content/crop", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d", rec.Code)
	}
	var item content.ContentItem
	decodeBody(t, rec, &item)
	if item.ID != "crop" || item.Version != 1 {
		t.Errorf("item = %s v%d", item.ID, item.Version)
	}

	if rec := app.request(t, http.MethodDelete, "/content/crop", nil, true); rec.Code != http.StatusOK {
		t.Fatalf("DELETE = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := app.request(t, http.MethodGet, "/content/crop", nil, false); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", rec.Code)
	}
	if rec := app.request(t, http.MethodDelete, "/content/crop", nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", rec.Code)
	}
}

func TestCacheSyncReportsDeltas(t *testing.T) {
	app := newTestApp(t)
	app.ingestAndIndex(t,
		apiItem("a", "Scheme A", "First"),
		apiItem("b", "Scheme B", "Second"),
	)

	rec := app.request(t, http.MethodPost, "/cache/sync", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var deltas cache.Deltas
	decodeBody(t, rec, &deltas)
	if deltas.Added != 2 {
		t.Errorf("deltas = %+v, want 2 added", deltas)
	}

	var status cache.Status
	rec = app.request(t, http.MethodGet, "/cache/status", nil, false)
	decodeBody(t, rec, &status)
	if status.Entries != 2 || status.State != "online" {
		t.Errorf("status = %+v", status)
	}
}

func TestAuditEndpoint(t *testing.T) {
	app := newTestApp(t)

	item := apiItem("crop", "Crop insurance", "Premium subsidy")
	item.Eligibility = []content.Predicate{{Key: "occupation", Op: content.OpEq, Value: "farmer"}}
	app.ingestAndIndex(t, item)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("u%d", i)
		if err := app.store.SaveProfile(content.UserProfile{ID: id, Occupation: "farmer", PreferredLanguage: "en"}); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		if rec := app.request(t, http.MethodGet, "/recommendations/"+id, nil, false); rec.Code != http.StatusOK {
			t.Fatalf("recommendations = %d", rec.Code)
		}
	}

	rec := app.request(t, http.MethodGet, "/audit/distribution?days=7", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Served int                   `json:"served"`
		Flags  []recommend.AuditFlag `json:"flags"`
	}
	decodeBody(t, rec, &resp)
	if resp.Served != 3 {
		t.Errorf("served = %d, want 3", resp.Served)
	}
	if len(resp.Flags) != 0 {
		t.Errorf("flags = %+v, want none below the minimum sample", resp.Flags)
	}
}
