package index

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jansetu/jansetu/internal/content"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE content_items (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		);
		CREATE TABLE content_vectors (
			content_id TEXT NOT NULL,
			language TEXT NOT NULL,
			indexed_version INTEGER NOT NULL,
			tier TEXT NOT NULL DEFAULT 'normal',
			region_scope TEXT NOT NULL DEFAULT '[]',
			type TEXT NOT NULL DEFAULT '',
			eligibility TEXT NOT NULL DEFAULT '[]',
			last_updated DATETIME NOT NULL,
			embedding BLOB NOT NULL,
			PRIMARY KEY (content_id, language)
		)`)
	if err != nil {
		t.Fatalf("creating tables: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setItemVersion(t *testing.T, db *sql.DB, id string, version int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO content_items (id, version) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version`, id, version)
	if err != nil {
		t.Fatalf("setting version for %s: %v", id, err)
	}
}

func indexableItem(id string, version int64, text string) content.ContentItem {
	return content.ContentItem{
		ID:          id,
		Type:        content.TypeScheme,
		Languages:   []string{"en"},
		Title:       map[string]string{"en": text},
		Summary:     map[string]string{"en": text},
		Version:     version,
		LastUpdated: time.Now().UTC(),
		Tier:        content.TierNormal,
	}
}

func TestIndex_RejectsUnpublished(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(64))

	item := indexableItem("c1", 0, "crop insurance")
	err := ix.Index(context.Background(), item)
	if err == nil {
		t.Fatal("version 0 should not be indexable")
	}
	if !content.IsValidation(err) {
		t.Errorf("got %T, want ValidationError", err)
	}
}

func TestIndex_RejectsMissingLocalizedText(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(64))

	item := indexableItem("c1", 1, "crop insurance")
	item.Languages = append(item.Languages, "hi")
	err := ix.Index(context.Background(), item)
	if !content.IsValidation(err) {
		t.Errorf("missing localized text: got %v, want ValidationError", err)
	}
}

func TestNearest_RanksByRelevance(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(128))
	ctx := context.Background()

	items := []content.ContentItem{
		indexableItem("farming", 1, "crop insurance subsidy for farmers"),
		indexableItem("housing", 1, "urban housing construction grant"),
	}
	for _, item := range items {
		setItemVersion(t, db, item.ID, item.Version)
		if err := ix.Index(ctx, item); err != nil {
			t.Fatalf("indexing %s: %v", item.ID, err)
		}
	}

	qvec, err := ix.vec.Vectorize(ctx, "insurance for crop farmers")
	if err != nil {
		t.Fatalf("vectorizing query: %v", err)
	}

	got, err := ix.Nearest(ctx, qvec, 2, nil)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].ContentID != "farming" {
		t.Errorf("top candidate = %s, want farming", got[0].ContentID)
	}
	if got[0].Similarity <= got[1].Similarity {
		t.Errorf("results not in descending similarity: %f, %f", got[0].Similarity, got[1].Similarity)
	}
}

func TestNearest_FilterFusedBeforeTopK(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(128))
	ctx := context.Background()

	// One regional item buried behind many national items that all match the
	// query better. A post-filter over top-1 would lose it; the fused filter
	// must not.
	regional := indexableItem("regional", 1, "village road repair notice")
	regional.RegionScope = []string{"MH"}
	setItemVersion(t, db, regional.ID, 1)
	if err := ix.Index(ctx, regional); err != nil {
		t.Fatalf("indexing regional: %v", err)
	}
	for _, id := range []string{"n1", "n2", "n3"} {
		item := indexableItem(id, 1, "crop insurance subsidy scheme")
		setItemVersion(t, db, id, 1)
		if err := ix.Index(ctx, item); err != nil {
			t.Fatalf("indexing %s: %v", id, err)
		}
	}

	qvec, err := ix.vec.Vectorize(ctx, "crop insurance scheme")
	if err != nil {
		t.Fatalf("vectorizing query: %v", err)
	}

	onlyMH := func(m Meta) bool { return len(m.RegionScope) > 0 && m.InRegion("MH") }
	got, err := ix.Nearest(ctx, qvec, 1, onlyMH)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 1 || got[0].ContentID != "regional" {
		t.Fatalf("filtered search lost the regional item: %+v", got)
	}
}

func TestNearest_SkipsStaleBeyondOneGeneration(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(64))
	ctx := context.Background()

	item := indexableItem("c1", 1, "skill training program")
	setItemVersion(t, db, "c1", 1)
	if err := ix.Index(ctx, item); err != nil {
		t.Fatalf("indexing: %v", err)
	}

	qvec, _ := ix.vec.Vectorize(ctx, "skill training")

	// One generation behind: still served.
	setItemVersion(t, db, "c1", 2)
	got, err := ix.Nearest(ctx, qvec, 5, nil)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("one generation behind should be served, got %d", len(got))
	}

	// Two generations behind: excluded.
	setItemVersion(t, db, "c1", 3)
	got, err = ix.Nearest(ctx, qvec, 5, nil)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("two generations behind should be excluded, got %d", len(got))
	}
}

func TestNearest_TieBreaksByTier(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(128))
	ctx := context.Background()

	// Identical text yields identical similarity.
	essential := indexableItem("essential", 1, "free health checkup camp")
	essential.Tier = content.TierEssential
	normal := indexableItem("normal", 1, "free health checkup camp")
	for _, item := range []content.ContentItem{essential, normal} {
		setItemVersion(t, db, item.ID, 1)
		if err := ix.Index(ctx, item); err != nil {
			t.Fatalf("indexing %s: %v", item.ID, err)
		}
	}

	qvec, _ := ix.vec.Vectorize(ctx, "health checkup")
	got, err := ix.Nearest(ctx, qvec, 2, nil)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].ContentID != "essential" {
		t.Errorf("tie should break by tier, got %s first", got[0].ContentID)
	}
}

func TestIndex_ReindexReplacesRows(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(64))
	ctx := context.Background()

	item := indexableItem("c1", 1, "old text")
	item.Languages = []string{"en", "hi"}
	item.Title["hi"] = "पुराना"
	item.Summary["hi"] = "पुराना पाठ"
	setItemVersion(t, db, "c1", 1)
	if err := ix.Index(ctx, item); err != nil {
		t.Fatalf("first index: %v", err)
	}

	// Drop a language on re-index; its row must be purged.
	item.Version = 2
	item.Languages = []string{"en"}
	setItemVersion(t, db, "c1", 2)
	if err := ix.Index(ctx, item); err != nil {
		t.Fatalf("re-index: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM content_vectors WHERE content_id = 'c1'").Scan(&n); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d vector rows, want 1", n)
	}

	lag, err := ix.Lag("c1")
	if err != nil {
		t.Fatalf("Lag: %v", err)
	}
	if lag != 0 {
		t.Errorf("lag = %d, want 0 after re-index", lag)
	}
}

func TestCountMatching(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(64))
	ctx := context.Background()

	regional := indexableItem("r1", 1, "district job fair")
	regional.RegionScope = []string{"KA"}
	national := indexableItem("n1", 1, "national scholarship")
	for _, item := range []content.ContentItem{regional, national} {
		setItemVersion(t, db, item.ID, 1)
		if err := ix.Index(ctx, item); err != nil {
			t.Fatalf("indexing %s: %v", item.ID, err)
		}
	}

	all, err := ix.CountMatching(ctx, nil)
	if err != nil {
		t.Fatalf("CountMatching: %v", err)
	}
	if all != 2 {
		t.Errorf("total = %d, want 2", all)
	}

	inKA, err := ix.CountMatching(ctx, func(m Meta) bool { return m.InRegion("KA") })
	if err != nil {
		t.Fatalf("CountMatching filtered: %v", err)
	}
	if inKA != 2 {
		t.Errorf("KA-visible = %d, want 2 (regional + national)", inKA)
	}

	inTN, err := ix.CountMatching(ctx, func(m Meta) bool { return m.InRegion("TN") })
	if err != nil {
		t.Fatalf("CountMatching filtered: %v", err)
	}
	if inTN != 1 {
		t.Errorf("TN-visible = %d, want 1 (national only)", inTN)
	}
}

func TestRemove(t *testing.T) {
	db := openTestDB(t)
	ix := New(db, NewHashingVectorizer(64))
	ctx := context.Background()

	item := indexableItem("c1", 1, "some scheme")
	setItemVersion(t, db, "c1", 1)
	if err := ix.Index(ctx, item); err != nil {
		t.Fatalf("indexing: %v", err)
	}
	if err := ix.Remove("c1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM content_vectors").Scan(&n); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if n != 0 {
		t.Errorf("got %d rows after remove, want 0", n)
	}
}
