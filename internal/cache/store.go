package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jansetu/jansetu/internal/content"
)

// Entry is one cached content item: the persisted layout is a bounded
// key-value table keyed by content_id, enumerable by tier for prioritized
// eviction. The cache never holds an item newer than the authoritative
// store; it may hold an older one, flagged stale, while offline.
type Entry struct {
	ContentID string
	Version   int64
	Tier      content.Tier
	CachedAt  time.Time
	Stale     bool
	Payload   []byte // full item JSON snapshot
}

// Item decodes the cached payload.
func (e *Entry) Item() (content.ContentItem, error) {
	var item content.ContentItem
	if err := json.Unmarshal(e.Payload, &item); err != nil {
		return content.ContentItem{}, fmt.Errorf("decoding cached item %s: %w", e.ContentID, err)
	}
	return item, nil
}

// Store persists cache entries in a SQLite database separate from the
// authoritative store, so a device replica owns its own file.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the cache database in dataDir.
// Pass ":memory:" for an in-memory cache (tests).
func OpenStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "cache.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cache database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		content_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		tier TEXT NOT NULL,
		cached_at DATETIME NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache_entries table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_entries_tier ON cache_entries(tier, cached_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache tier index: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the cache database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached entry for a content id.
func (s *Store) Get(contentID string) (Entry, error) {
	row := s.db.QueryRow(`
		SELECT content_id, version, tier, cached_at, stale, payload
		FROM cache_entries WHERE content_id = ?`, contentID)
	return scanEntry(row)
}

// All returns every cached entry keyed by content id.
func (s *Store) All() (map[string]Entry, error) {
	rows, err := s.db.Query(`
		SELECT content_id, version, tier, cached_at, stale, payload FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("querying cache entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries[e.ContentID] = e
	}
	return entries, rows.Err()
}

// ListByTier returns cached entries of one tier, most recently cached
// first. This is the partial enumeration the eviction pass relies on.
func (s *Store) ListByTier(tier content.Tier) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT content_id, version, tier, cached_at, stale, payload
		FROM cache_entries WHERE tier = ? ORDER BY cached_at DESC`, string(tier))
	if err != nil {
		return nil, fmt.Errorf("querying cache tier %s: %w", tier, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of cached entries.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&n)
	return n, err
}

// MarkAllStale flags every entry stale. Called on the transition to
// OFFLINE so reads can report honest staleness.
func (s *Store) MarkAllStale() error {
	_, err := s.db.Exec("UPDATE cache_entries SET stale = 1")
	return err
}

// Changes is the full mutation set of one reconciliation: it is applied in
// a single transaction, so the cache either commits the fully updated state
// or keeps its previous state untouched.
type Changes struct {
	Upserts []Entry
	Deletes []string
}

// Empty reports whether the change set mutates nothing.
func (c *Changes) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

// Apply commits the change set atomically.
func (s *Store) Apply(changes Changes) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cache transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range changes.Deletes {
		if _, err := tx.Exec("DELETE FROM cache_entries WHERE content_id = ?", id); err != nil {
			return fmt.Errorf("deleting cache entry %s: %w", id, err)
		}
	}

	for _, e := range changes.Upserts {
		stale := 0
		if e.Stale {
			stale = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO cache_entries (content_id, version, tier, cached_at, stale, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_id) DO UPDATE SET
				version = excluded.version,
				tier = excluded.tier,
				cached_at = excluded.cached_at,
				stale = excluded.stale,
				payload = excluded.payload`,
			e.ContentID, e.Version, string(e.Tier), e.CachedAt.UTC().Format(time.RFC3339), stale, e.Payload,
		); err != nil {
			return fmt.Errorf("upserting cache entry %s: %w", e.ContentID, err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var tier, cachedAt string
	var stale int
	err := row.Scan(&e.ContentID, &e.Version, &tier, &cachedAt, &stale, &e.Payload)
	if err == sql.ErrNoRows {
		return Entry{}, content.ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scanning cache entry: %w", err)
	}
	e.Tier = content.Tier(tier)
	e.Stale = stale != 0
	t, err := time.Parse(time.RFC3339, cachedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing cached_at: %w", err)
	}
	e.CachedAt = t
	return e, nil
}
