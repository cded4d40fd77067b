// Package index is the embedding index: it maps content items to vector
// representations keyed by (content_id, language) and answers filtered
// nearest-neighbor queries over them.
package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jansetu/jansetu/internal/content"
)

// Meta is the metadata stored alongside each vector. Filters are evaluated
// against Meta during the similarity scan, never on an already truncated
// top-k, so a narrow filter cannot be starved by popular out-of-filter
// items.
type Meta struct {
	ContentID      string
	Language       string
	Type           content.Type
	Tier           content.Tier
	RegionScope    []string
	Eligibility    []content.Predicate
	LastUpdated    time.Time
	IndexedVersion int64
	CurrentVersion int64
}

// InRegion mirrors content.ContentItem.InRegion for filter closures.
func (m *Meta) InRegion(location string) bool {
	if len(m.RegionScope) == 0 {
		return true
	}
	if location == "" {
		return false
	}
	for _, r := range m.RegionScope {
		if r == location {
			return true
		}
	}
	return false
}

// FilterFunc is a structural filter evaluated on vector metadata.
type FilterFunc func(Meta) bool

// Candidate is one nearest-neighbor result.
type Candidate struct {
	ContentID  string
	Language   string
	Similarity float64
	Meta       Meta
}

// Index stores and searches content vectors in the content_vectors table of
// the shared SQLite database.
type Index struct {
	db  *sql.DB
	vec Vectorizer

	// Writes are serialized per content id so concurrent updates to the
	// same item never interleave partial vector writes.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Index over the given database and vectorizer.
func New(db *sql.DB, vec Vectorizer) *Index {
	return &Index{db: db, vec: vec, locks: make(map[string]*sync.Mutex)}
}

func (ix *Index) lockFor(id string) *sync.Mutex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	l, ok := ix.locks[id]
	if !ok {
		l = &sync.Mutex{}
		ix.locks[id] = l
	}
	return l
}

// Index computes and stores vectors for every language the item declares.
// Re-indexing the same (id, language, version) is idempotent: rows are
// upserted, never duplicated. A language missing its localized text is a
// validation error, reported rather than silently skipped.
//
// All language rows for the item commit in a single transaction, and writes
// for the same id are serialized, so readers observe either the old vector
// set or the new one, never a mixture.
func (ix *Index) Index(ctx context.Context, item content.ContentItem) error {
	if item.Version < 1 {
		return &content.ValidationError{ItemID: item.ID, Field: "version", Reason: "unpublished item (version 0) is not indexable"}
	}
	if len(item.Languages) == 0 {
		return &content.ValidationError{ItemID: item.ID, Field: "languages", Reason: "no declared languages"}
	}

	texts := make([]string, len(item.Languages))
	for i, lang := range item.Languages {
		text := item.LocalizedText(lang)
		if text == "" {
			return &content.ValidationError{ItemID: item.ID, Field: "title", Reason: "missing localized text for declared language " + lang}
		}
		texts[i] = text
	}

	vectors, err := VectorizeBatch(ctx, ix.vec, texts)
	if err != nil {
		return fmt.Errorf("vectorizing item %s: %w", item.ID, err)
	}

	l := ix.lockFor(item.ID)
	l.Lock()
	defer l.Unlock()

	regions, err := json.Marshal(item.RegionScope)
	if err != nil {
		return fmt.Errorf("marshalling region scope for %s: %w", item.ID, err)
	}
	eligibility, err := json.Marshal(item.Eligibility)
	if err != nil {
		return fmt.Errorf("marshalling eligibility for %s: %w", item.ID, err)
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	defer tx.Rollback()

	// Languages the item no longer declares are purged in the same commit.
	if _, err := tx.Exec("DELETE FROM content_vectors WHERE content_id = ?", item.ID); err != nil {
		return fmt.Errorf("clearing vectors for %s: %w", item.ID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO content_vectors (content_id, language, indexed_version, tier, region_scope, type, eligibility, last_updated, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing vector insert: %w", err)
	}
	defer stmt.Close()

	for i, lang := range item.Languages {
		blob := encodeFloat32s(vectors[i])
		if _, err := stmt.Exec(item.ID, lang, item.Version, string(item.Tier), string(regions),
			string(item.Type), string(eligibility), item.LastUpdated.UTC().Format(time.RFC3339), blob); err != nil {
			return fmt.Errorf("inserting vector for %s/%s: %w", item.ID, lang, err)
		}
	}

	return tx.Commit()
}

// Remove purges all language variants of a content id.
func (ix *Index) Remove(contentID string) error {
	l := ix.lockFor(contentID)
	l.Lock()
	defer l.Unlock()

	_, err := ix.db.Exec("DELETE FROM content_vectors WHERE content_id = ?", contentID)
	if err != nil {
		return fmt.Errorf("removing vectors for %s: %w", contentID, err)
	}
	return nil
}

// Nearest returns up to k candidates ordered by descending similarity,
// restricted to rows whose metadata satisfies filter. Ties in similarity
// break by higher priority tier, then by more recent last_updated.
//
// Rows whose embedding lags the item's committed version by more than one
// generation are excluded: search results lag fresh writes by at most one
// index cycle.
func (ix *Index) Nearest(ctx context.Context, vector []float32, k int, filter FilterFunc) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT v.content_id, v.language, v.indexed_version, v.tier, v.region_scope, v.type, v.eligibility, v.last_updated, v.embedding, c.version
		FROM content_vectors v
		JOIN content_items c ON c.id = v.content_id`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var (
			m           Meta
			tier        string
			typ         string
			regions     string
			eligibility string
			updatedAt   string
			blob        []byte
		)
		if err := rows.Scan(&m.ContentID, &m.Language, &m.IndexedVersion, &tier, &regions, &typ, &eligibility, &updatedAt, &blob, &m.CurrentVersion); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		if m.CurrentVersion-m.IndexedVersion > 1 {
			continue // stale beyond the one-generation bound
		}
		m.Tier = content.Tier(tier)
		m.Type = content.Type(typ)
		if err := json.Unmarshal([]byte(regions), &m.RegionScope); err != nil {
			return nil, fmt.Errorf("decoding region scope for %s: %w", m.ContentID, err)
		}
		if err := json.Unmarshal([]byte(eligibility), &m.Eligibility); err != nil {
			return nil, fmt.Errorf("decoding eligibility for %s: %w", m.ContentID, err)
		}
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing last_updated for %s: %w", m.ContentID, err)
		}
		m.LastUpdated = t

		// Filter is fused into the scan, before any top-k cutoff.
		if filter != nil && !filter(m) {
			continue
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", m.ContentID, err)
		}

		c := Candidate{
			ContentID:  m.ContentID,
			Language:   m.Language,
			Similarity: dotProduct(vector, buf, queryNorm),
			Meta:       m,
		}
		if h.Len() < k {
			heap.Push(h, c)
		} else if candidateLess((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}

	// Pop from the min-heap into descending order.
	results := make([]Candidate, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Candidate)
	}
	return results, nil
}

// CountMatching counts vector rows whose metadata satisfies filter, without
// computing similarity. Used to distinguish "no matching content" from "no
// content for this region" on empty results.
func (ix *Index) CountMatching(ctx context.Context, filter FilterFunc) (int, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT v.content_id, v.language, v.indexed_version, v.tier, v.region_scope, v.type, v.eligibility, v.last_updated, c.version
		FROM content_vectors v
		JOIN content_items c ON c.id = v.content_id`)
	if err != nil {
		return 0, fmt.Errorf("querying vector metadata: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			m           Meta
			tier        string
			typ         string
			regions     string
			eligibility string
			updatedAt   string
		)
		if err := rows.Scan(&m.ContentID, &m.Language, &m.IndexedVersion, &tier, &regions, &typ, &eligibility, &updatedAt, &m.CurrentVersion); err != nil {
			return 0, fmt.Errorf("scanning metadata row: %w", err)
		}
		m.Tier = content.Tier(tier)
		m.Type = content.Type(typ)
		if err := json.Unmarshal([]byte(regions), &m.RegionScope); err != nil {
			return 0, fmt.Errorf("decoding region scope for %s: %w", m.ContentID, err)
		}
		if err := json.Unmarshal([]byte(eligibility), &m.Eligibility); err != nil {
			return 0, fmt.Errorf("decoding eligibility for %s: %w", m.ContentID, err)
		}
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return 0, fmt.Errorf("parsing last_updated for %s: %w", m.ContentID, err)
		}
		m.LastUpdated = t
		if filter == nil || filter(m) {
			count++
		}
	}
	return count, rows.Err()
}

// Lag returns the maximum number of generations the item's vectors lag its
// committed version, across all languages. Zero means fully indexed. This
// makes the one-generation staleness bound observable.
func (ix *Index) Lag(contentID string) (int64, error) {
	var current sql.NullInt64
	err := ix.db.QueryRow("SELECT version FROM content_items WHERE id = ?", contentID).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, content.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading version for %s: %w", contentID, err)
	}

	var minIndexed sql.NullInt64
	err = ix.db.QueryRow("SELECT MIN(indexed_version) FROM content_vectors WHERE content_id = ?", contentID).Scan(&minIndexed)
	if err != nil {
		return 0, fmt.Errorf("reading indexed version for %s: %w", contentID, err)
	}
	if !minIndexed.Valid {
		return current.Int64, nil // never indexed: lags by its full version count
	}
	return current.Int64 - minIndexed.Int64, nil
}

// candidateLess orders candidates worst-first: lower similarity, then lower
// tier, then older last_updated. It is both the heap order and the inverse
// of the final result order.
func candidateLess(a, b Candidate) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity < b.Similarity
	}
	if a.Meta.Tier.Rank() != b.Meta.Tier.Rank() {
		return a.Meta.Tier.Rank() < b.Meta.Tier.Rank()
	}
	return a.Meta.LastUpdated.Before(b.Meta.LastUpdated)
}

// candidateHeap is a min-heap of candidates ordered by candidateLess.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return candidateLess(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (float64(aNorm) * bNorm)
}
