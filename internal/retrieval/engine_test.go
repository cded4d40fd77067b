package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jansetu/jansetu/internal/config"
	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/index"
	"github.com/jansetu/jansetu/internal/storage"
)

func testScoring() config.ScoringConfig {
	return config.ScoringConfig{
		Similarity:          0.6,
		Recency:             0.2,
		Tier:                0.2,
		RecencyHalfLifeDays: 180,
	}
}

// newTestEngine builds a full store+index+engine stack on an in-memory
// database and returns a helper that publishes and indexes items.
func newTestEngine(t *testing.T) (*Engine, func(content.ContentItem)) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vec := index.NewHashingVectorizer(256)
	idx := index.New(store.DB(), vec)
	eng := New(idx, vec, testScoring(), []string{"en", "hi"})

	publish := func(item content.ContentItem) {
		t.Helper()
		version, _, err := store.UpsertItem(item)
		if err != nil {
			t.Fatalf("upserting %s: %v", item.ID, err)
		}
		item.Version = version
		if item.LastUpdated.IsZero() {
			item.LastUpdated = time.Now().UTC()
		}
		if err := idx.Index(context.Background(), item); err != nil {
			t.Fatalf("indexing %s: %v", item.ID, err)
		}
	}
	return eng, publish
}

func searchItem(id, text string) content.ContentItem {
	return content.ContentItem{
		ID:          id,
		Type:        content.TypeResource,
		Languages:   []string{"en"},
		Title:       map[string]string{"en": text},
		Summary:     map[string]string{"en": text},
		LastUpdated: time.Now().UTC(),
		Tier:        content.TierNormal,
	}
}

func TestSearch_RanksAndExplains(t *testing.T) {
	eng, publish := newTestEngine(t)

	publish(searchItem("farming", "crop insurance subsidy for farmers"))
	publish(searchItem("housing", "urban housing construction grant"))

	results, reason, err := eng.Search(context.Background(),
		content.Query{Text: "insurance for crop farmers", Language: "en"}, nil, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if reason != ReasonOK {
		t.Errorf("reason = %q, want ok", reason)
	}
	if len(results) == 0 || results[0].ContentID != "farming" {
		t.Fatalf("top result = %+v, want farming", results)
	}
	if results[0].Explanation == "" {
		t.Error("result should carry an explanation")
	}
	if results[0].Score < 0 || results[0].Score > 1 {
		t.Errorf("score %f outside [0,1]", results[0].Score)
	}
}

func TestSearch_NoCrossRegionLeakage(t *testing.T) {
	eng, publish := newTestEngine(t)

	mh := searchItem("mh-scheme", "free bus pass for students")
	mh.RegionScope = []string{"MH"}
	ka := searchItem("ka-scheme", "free bus pass for students")
	ka.RegionScope = []string{"KA"}
	publish(mh)
	publish(ka)

	user := &content.UserProfile{ID: "u1", Location: "MH"}
	results, _, err := eng.Search(context.Background(),
		content.Query{Text: "free bus pass", Language: "en"}, user, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ContentID == "ka-scheme" {
			t.Fatal("KA-scoped item leaked to a MH user")
		}
	}
	if len(results) != 1 || results[0].ContentID != "mh-scheme" {
		t.Errorf("got %+v, want only mh-scheme", results)
	}
}

func TestSearch_AnonymousSeesNationalOnly(t *testing.T) {
	eng, publish := newTestEngine(t)

	regional := searchItem("regional", "district skill training")
	regional.RegionScope = []string{"MH"}
	national := searchItem("national", "national skill training mission")
	publish(regional)
	publish(national)

	results, _, err := eng.Search(context.Background(),
		content.Query{Text: "skill training", Language: "en"}, nil, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ContentID != "national" {
		t.Errorf("anonymous query got %+v, want only national", results)
	}
}

func TestSearch_EmptyReasonCodes(t *testing.T) {
	eng, publish := newTestEngine(t)

	regional := searchItem("tn-only", "fishing boat subsidy")
	regional.RegionScope = []string{"TN"}
	publish(regional)

	// Content exists, just not for this user's region.
	user := &content.UserProfile{ID: "u1", Location: "MH"}
	_, reason, err := eng.Search(context.Background(),
		content.Query{Text: "fishing boat subsidy", Language: "en"}, user, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if reason != ReasonNoRegionalContent {
		t.Errorf("reason = %q, want no_content_for_region", reason)
	}

	// No content at all in this language.
	_, reason, err = eng.Search(context.Background(),
		content.Query{Text: "फसल बीमा", Language: "hi"}, user, Options{})
	if err != nil {
		t.Fatalf("Search hi: %v", err)
	}
	if reason != ReasonNoMatch {
		t.Errorf("reason = %q, want no_matching_content", reason)
	}
}

func TestSearch_EligibilityNarrowing(t *testing.T) {
	eng, publish := newTestEngine(t)

	farmers := searchItem("farmers-only", "equipment subsidy program")
	farmers.Type = content.TypeScheme
	farmers.Eligibility = []content.Predicate{{Key: "occupation", Op: content.OpEq, Value: "farmer"}}
	farmers.ProcessSteps = []string{"apply online"}
	publish(farmers)

	weaver := &content.UserProfile{ID: "u1", Occupation: "weaver"}

	// Default search does not narrow by demographics.
	results, _, err := eng.Search(context.Background(),
		content.Query{Text: "equipment subsidy", Language: "en"}, weaver, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("unnarrowed search should still return the item, got %d", len(results))
	}

	// Narrowed search drops items whose evaluable predicates fail.
	results, _, err = eng.Search(context.Background(),
		content.Query{Text: "equipment subsidy", Language: "en"}, weaver, Options{NarrowEligibility: true})
	if err != nil {
		t.Fatalf("narrowed Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("narrowed search should drop failing items, got %+v", results)
	}

	// A predicate the profile cannot evaluate never disqualifies.
	noOccupation := &content.UserProfile{ID: "u2", Location: "MH"}
	results, _, err = eng.Search(context.Background(),
		content.Query{Text: "equipment subsidy", Language: "en"}, noOccupation, Options{NarrowEligibility: true})
	if err != nil {
		t.Fatalf("Search without attribute: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("non-evaluable predicate should not disqualify, got %d", len(results))
	}
}

func TestSearch_TierBoostLiftsEssential(t *testing.T) {
	eng, publish := newTestEngine(t)

	essential := searchItem("essential", "monsoon flood relief assistance")
	essential.Tier = content.TierEssential
	normal := searchItem("ordinary", "monsoon flood relief assistance")
	publish(essential)
	publish(normal)

	results, _, err := eng.Search(context.Background(),
		content.Query{Text: "flood relief", Language: "en"}, nil, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ContentID != "essential" {
		t.Errorf("essential tier should rank first, got %s", results[0].ContentID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("tier boost should raise the composite score: %f vs %f",
			results[0].Score, results[1].Score)
	}
	if results[0].Breakdown.TierBoost != 1.0 {
		t.Errorf("breakdown tier boost = %f, want 1.0", results[0].Breakdown.TierBoost)
	}
}

func TestSearch_RejectsMalformedQueries(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, _, err := eng.Search(context.Background(),
		content.Query{Text: "   ", Language: "en"}, nil, Options{})
	if !content.IsValidation(err) {
		t.Errorf("blank text: got %v, want ValidationError", err)
	}

	_, _, err = eng.Search(context.Background(),
		content.Query{Text: "hello", Language: "fr"}, nil, Options{})
	if !content.IsValidation(err) {
		t.Errorf("unsupported language: got %v, want ValidationError", err)
	}
	if err != nil && !strings.Contains(err.Error(), "fr") {
		t.Errorf("error should name the language: %v", err)
	}
}

func TestSearch_MatchedAttributesInExplanation(t *testing.T) {
	eng, publish := newTestEngine(t)

	scheme := searchItem("loom-subsidy", "handloom weaver equipment subsidy")
	scheme.Type = content.TypeScheme
	scheme.Eligibility = []content.Predicate{{Key: "occupation", Op: content.OpEq, Value: "weaver"}}
	scheme.ProcessSteps = []string{"apply at the district office"}
	publish(scheme)

	user := &content.UserProfile{ID: "u1", Occupation: "weaver"}
	results, _, err := eng.Search(context.Background(),
		content.Query{Text: "handloom subsidy", Language: "en"}, user, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !strings.Contains(results[0].Explanation, "occupation") {
		t.Errorf("explanation should cite the matched attribute: %q", results[0].Explanation)
	}
}
