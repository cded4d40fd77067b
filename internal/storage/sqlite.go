// Package storage is the authoritative ContentStore: a versioned SQLite
// collection of content items plus the job queue, profile mirror,
// interaction history, and recommendation log that the rest of the engine
// builds on.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jansetu/jansetu/internal/content"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for content items, jobs,
// profiles, and the recommendation log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "jansetu.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps readers unblocked while the single writer commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for components that share the same
// database file (the embedding index).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		contentSQL, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(contentSQL)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Content items ---

// UpsertItem inserts or replaces a content item, assigning the next version.
// The whole mutation (version bump, metadata columns, payload snapshot) is
// one transaction, so readers never observe a partially applied update.
// Returns the assigned version and whether the item existed before.
func (s *Store) UpsertItem(item content.ContentItem) (int64, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	existed := true
	err = tx.QueryRow("SELECT version FROM content_items WHERE id = ?", item.ID).Scan(&current)
	if err == sql.ErrNoRows {
		existed = false
		current = 0
	} else if err != nil {
		return 0, false, fmt.Errorf("reading current version for %s: %w", item.ID, err)
	}

	item.Version = current + 1
	if item.LastUpdated.IsZero() {
		item.LastUpdated = time.Now().UTC()
	}
	if item.Tier == "" {
		item.Tier = content.TierNormal
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return 0, false, fmt.Errorf("marshalling item %s: %w", item.ID, err)
	}
	regions, err := json.Marshal(item.RegionScope)
	if err != nil {
		return 0, false, fmt.Errorf("marshalling region scope for %s: %w", item.ID, err)
	}
	tags, err := json.Marshal(item.CategoryTags)
	if err != nil {
		return 0, false, fmt.Errorf("marshalling tags for %s: %w", item.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO content_items (id, type, tier, region_scope, category_tags, version, last_updated, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			tier = excluded.tier,
			region_scope = excluded.region_scope,
			category_tags = excluded.category_tags,
			version = excluded.version,
			last_updated = excluded.last_updated,
			payload = excluded.payload`,
		item.ID, string(item.Type), string(item.Tier), string(regions), string(tags),
		item.Version, item.LastUpdated.UTC().Format(time.RFC3339), payload,
	)
	if err != nil {
		return 0, false, fmt.Errorf("upserting item %s: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing upsert for %s: %w", item.ID, err)
	}
	return item.Version, existed, nil
}

// GetItem returns the item by id. The payload column is a complete snapshot
// written in one transaction, so a single-row read never mixes fields from
// two versions.
func (s *Store) GetItem(id string) (content.ContentItem, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM content_items WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return content.ContentItem{}, content.ErrNotFound
	}
	if err != nil {
		return content.ContentItem{}, fmt.Errorf("reading item %s: %w", id, err)
	}
	var item content.ContentItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return content.ContentItem{}, fmt.Errorf("decoding item %s: %w", id, err)
	}
	return item, nil
}

// DeleteItem removes an item from the store.
func (s *Store) DeleteItem(id string) error {
	res, err := s.db.Exec("DELETE FROM content_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return content.ErrNotFound
	}
	return nil
}

// ListItems returns all published items (version >= 1), most recently
// updated first.
func (s *Store) ListItems() ([]content.ContentItem, error) {
	return s.listPayloads(`SELECT payload FROM content_items WHERE version >= 1 ORDER BY last_updated DESC`)
}

// ListByTier returns published items of one tier, most recently updated
// first. Used by the cache prioritization pass.
func (s *Store) ListByTier(tier content.Tier) ([]content.ContentItem, error) {
	return s.listPayloads(`SELECT payload FROM content_items WHERE version >= 1 AND tier = ? ORDER BY last_updated DESC`, string(tier))
}

func (s *Store) listPayloads(query string, args ...any) ([]content.ContentItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var items []content.ContentItem
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning item row: %w", err)
		}
		var item content.ContentItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, fmt.Errorf("decoding item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListVersions returns the current (id, version) pairs of all items.
// The cache manager compares these against its entries during reconciliation.
func (s *Store) ListVersions() ([]ItemVersion, error) {
	rows, err := s.db.Query("SELECT id, version FROM content_items")
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()

	var versions []ItemVersion
	for rows.Next() {
		var v ItemVersion
		if err := rows.Scan(&v.ID, &v.Version); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- User profiles (read-only mirror from the user-management collaborator) ---

// SaveProfile stores a profile snapshot received from the profile boundary.
// The retrieval and recommendation engines never call this; it exists for
// the collaborator sync and for tests.
func (s *Store) SaveProfile(p content.UserProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling profile %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO user_profiles (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		p.ID, payload, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetProfile returns the profile by id, with its interaction history
// attached (bounded to the retention window).
func (s *Store) GetProfile(id string, historyLimit int) (content.UserProfile, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM user_profiles WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return content.UserProfile{}, content.ErrNotFound
	}
	if err != nil {
		return content.UserProfile{}, fmt.Errorf("reading profile %s: %w", id, err)
	}
	var p content.UserProfile
	if err := json.Unmarshal(payload, &p); err != nil {
		return content.UserProfile{}, fmt.Errorf("decoding profile %s: %w", id, err)
	}

	history, err := s.GetInteractions(id, historyLimit)
	if err != nil {
		return content.UserProfile{}, err
	}
	p.Interactions = history
	return p, nil
}

// ListProfiles returns all known profile ids. Used by the notification
// matcher to find users affected by a content mutation.
func (s *Store) ListProfiles() ([]content.UserProfile, error) {
	rows, err := s.db.Query("SELECT payload FROM user_profiles")
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	var profiles []content.UserProfile
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning profile row: %w", err)
		}
		var p content.UserProfile
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decoding profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// AppendInteraction records one interaction in a user's history.
func (s *Store) AppendInteraction(userID string, in content.Interaction) error {
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (user_id, content_id, kind, query, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, in.ContentID, in.Kind, in.Query, at.UTC().Format(time.RFC3339),
	)
	return err
}

// GetInteractions returns a user's most recent interactions, newest first,
// bounded to limit.
func (s *Store) GetInteractions(userID string, limit int) ([]content.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT content_id, kind, query, created_at FROM interactions
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying interactions for %s: %w", userID, err)
	}
	defer rows.Close()

	var history []content.Interaction
	for rows.Next() {
		var in content.Interaction
		var createdAt string
		if err := rows.Scan(&in.ContentID, &in.Kind, &in.Query, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning interaction row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		in.At = t
		history = append(history, in)
	}
	return history, rows.Err()
}

// --- Recommendation log ---

// LogRecommendations appends served recommendations to the audit log.
func (s *Store) LogRecommendations(records []RecommendationRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning log transaction: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO recommendation_log (id, user_id, content_id, score, language, gender, income_range, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing log statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(r.ID, r.UserID, r.ContentID, r.Score, r.Language, r.Gender, r.IncomeRange, createdAt.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("logging recommendation %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// ListRecommendationsSince returns log records created at or after t.
func (s *Store) ListRecommendationsSince(t time.Time) ([]RecommendationRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, content_id, score, language, gender, income_range, created_at
		FROM recommendation_log WHERE created_at >= ? ORDER BY created_at ASC`,
		t.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying recommendation log: %w", err)
	}
	defer rows.Close()

	var records []RecommendationRecord
	for rows.Next() {
		var r RecommendationRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &r.ContentID, &r.Score, &r.Language, &r.Gender, &r.IncomeRange, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		at, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = at
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Jobs ---

// EnqueueJob adds a job to the queue.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of one of
// the given types. Returns nil if no job is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, 0, len(types)+1)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, now)

	var j Job
	var runAfter, createdAt string
	var lastError sql.NullString
	err = tx.QueryRow(`
		SELECT id, type, payload_json, attempts, max_attempts, run_after, created_at, last_error
		FROM jobs
		WHERE status = 'pending' AND type IN (?`+strings.Repeat(",?", len(types)-1)+`) AND run_after <= ?
		ORDER BY created_at ASC LIMIT 1`, args...,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &lastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return content.ErrNotFound
	}
	return nil
}

// FailJob records a failure and either re-queues the job with exponential
// backoff or marks it failed once attempts are exhausted.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return content.ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}
