// Package cache maintains a bounded, prioritized local replica of the
// content store and reconciles it with the authoritative state when
// connectivity returns.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jansetu/jansetu/internal/content"
)

// State is the connectivity state of the device/session this manager
// serves. Transitions: ONLINE→OFFLINE on connectivity loss, OFFLINE→
// RECONCILING on restoration, RECONCILING→ONLINE on success, RECONCILING→
// OFFLINE on failure (unsynced state is never silently discarded).
type State int

const (
	StateOnline State = iota
	StateOffline
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateReconciling:
		return "reconciling"
	}
	return "unknown"
}

// ErrReconciliation wraps network or storage failures during sync. The
// cache remains in its last-known-good state and returns to OFFLINE; retry
// is the caller's decision.
var ErrReconciliation = errors.New("reconciliation failed")

// Deltas reports what a reconciliation changed. A reconcile immediately
// after a successful one, with no intervening writes, reports all zeros.
type Deltas struct {
	Added     int `json:"added"`
	Refreshed int `json:"refreshed"`
	Purged    int `json:"purged"`
	Evicted   int `json:"evicted"`
}

// Zero reports whether nothing changed.
func (d Deltas) Zero() bool {
	return d.Added == 0 && d.Refreshed == 0 && d.Purged == 0 && d.Evicted == 0
}

// Manager owns the cache state machine and the reconciliation loop.
// mu guards the state only; syncMu serializes whole reconciliations so
// reads stay serviceable while a sync is fetching.
type Manager struct {
	mu      sync.Mutex
	syncMu  sync.Mutex
	state   State
	store   *Store
	fetcher Fetcher
	budget  int
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager in the ONLINE state.
func NewManager(store *Store, fetcher Fetcher, budget int) *Manager {
	return &Manager{
		state:   StateOnline,
		store:   store,
		fetcher: fetcher,
		budget:  budget,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Status is a point-in-time view of the cache for reporting.
type Status struct {
	State   string `json:"state"`
	Entries int    `json:"entries"`
	Budget  int    `json:"budget"`
}

// Status reports the cache state and occupancy.
func (m *Manager) Status() (Status, error) {
	count, err := m.store.Count()
	if err != nil {
		return Status{}, err
	}
	return Status{State: m.State().String(), Entries: count, Budget: m.budget}, nil
}

// SetOffline records connectivity loss. Cached entries are flagged stale so
// reads report honest staleness until the next successful reconciliation.
func (m *Manager) SetOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOffline {
		return
	}
	m.state = StateOffline
	if err := m.store.MarkAllStale(); err != nil {
		m.logger.Warn("marking cache entries stale", "error", err)
	}
	m.logger.Info("cache state changed", "state", m.state.String())
}

// Get answers a read from the cache. While OFFLINE this is the only read
// path, it never attempts network access (there is no fetcher call anywhere
// under it), and the degraded flag is always set.
func (m *Manager) Get(contentID string) (content.ContentItem, bool, error) {
	degraded := m.State() != StateOnline

	entry, err := m.store.Get(contentID)
	if err != nil {
		return content.ContentItem{}, degraded, err
	}
	item, err := entry.Item()
	if err != nil {
		return content.ContentItem{}, degraded, err
	}
	return item, degraded, nil
}

// Search answers a query from cached entries only: token-overlap scoring
// over localized text, ordered by score, then tier, then recency. It is the
// degraded substitute for the full retrieval pipeline while disconnected,
// and every response carries the degraded flag.
func (m *Manager) Search(q content.Query, user *content.UserProfile, limit int) ([]content.SearchResult, bool, error) {
	if limit <= 0 {
		limit = 10
	}
	degraded := m.State() != StateOnline

	entries, err := m.store.All()
	if err != nil {
		return nil, degraded, err
	}

	location := ""
	if user != nil {
		location = user.Location
	}
	queryTokens := tokenSet(q.Text)
	if len(queryTokens) == 0 {
		return nil, degraded, &content.ValidationError{Field: "text", Reason: "must not be empty"}
	}

	var results []content.SearchResult
	for _, e := range entries {
		item, err := e.Item()
		if err != nil {
			m.logger.Warn("skipping undecodable cache entry", "content_id", e.ContentID, "error", err)
			continue
		}
		if !item.InRegion(location) {
			continue
		}
		overlap := tokenOverlap(queryTokens, item.LocalizedText(q.Language))
		if overlap == 0 {
			continue
		}
		breakdown := content.ScoreBreakdown{
			SemanticSimilarity: overlap,
			TierBoost:          tierBoost(item.Tier),
		}
		results = append(results, content.SearchResult{
			ContentID:   item.ID,
			Score:       overlap,
			Breakdown:   breakdown,
			Explanation: "Served from the offline cache.",
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Breakdown.TierBoost > results[j].Breakdown.TierBoost
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, degraded, nil
}

// Prioritize selects the content ids to cache under the given entry budget:
// all essential items first, then high, then normal, each tier filled
// most-recently-updated first until the budget is exhausted.
func Prioritize(items []SnapshotItem, budget int) []SnapshotItem {
	if budget <= 0 {
		return nil
	}
	ordered := make([]SnapshotItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Tier.Rank() != ordered[j].Tier.Rank() {
			return ordered[i].Tier.Rank() > ordered[j].Tier.Rank()
		}
		return ordered[i].LastUpdated.After(ordered[j].LastUpdated)
	})
	if len(ordered) > budget {
		ordered = ordered[:budget]
	}
	return ordered
}

// Reconcile brings the cache back in line with the authoritative store.
// It fetches a snapshot (advertising compressed transfer), compares each
// cached entry's version, refreshes entries the store has since updated,
// purges entries the store no longer has, and admits new entries under the
// budget. Conflict policy is last-writer-wins on the store's version
// counter: the cache never wins against the authoritative store.
//
// The whole mutation commits as one transaction, so an interrupted sync
// leaves the previous cache state untouched and a restart simply runs the
// same comparison again. Reconcile is idempotent: a second call with no
// intervening writes reports zero deltas. Reads keep answering from the
// last committed state while the fetch is in flight.
func (m *Manager) Reconcile(ctx context.Context) (Deltas, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	prev := m.State()
	m.setState(StateReconciling)

	deltas, err := m.reconcile(ctx)
	if err != nil {
		// Last-known-good state is preserved; re-enter OFFLINE.
		m.setState(StateOffline)
		m.logger.Warn("reconciliation failed", "error", err, "previous_state", prev.String())
		return Deltas{}, fmt.Errorf("%w: %v", ErrReconciliation, err)
	}

	m.setState(StateOnline)
	m.logger.Info("reconciliation complete",
		"added", deltas.Added, "refreshed", deltas.Refreshed,
		"purged", deltas.Purged, "evicted", deltas.Evicted)
	return deltas, nil
}

func (m *Manager) reconcile(ctx context.Context) (Deltas, error) {
	payload, encoding, err := m.fetcher.FetchSnapshot(ctx, []string{EncodingZstd, EncodingIdentity})
	if err != nil {
		return Deltas{}, fmt.Errorf("fetching snapshot: %w", err)
	}
	snap, err := DecodeSnapshot(payload, encoding)
	if err != nil {
		return Deltas{}, fmt.Errorf("decoding snapshot (%s): %w", encoding, err)
	}

	cached, err := m.store.All()
	if err != nil {
		return Deltas{}, fmt.Errorf("reading cache state: %w", err)
	}

	byID := make(map[string]SnapshotItem, len(snap.Items))
	for _, it := range snap.Items {
		byID[it.ID] = it
	}
	keep := Prioritize(snap.Items, m.budget)
	keepSet := make(map[string]bool, len(keep))
	for _, it := range keep {
		keepSet[it.ID] = true
	}

	var changes Changes
	var deltas Deltas
	now := m.now().UTC()

	for id, entry := range cached {
		authoritative, exists := byID[id]
		switch {
		case !exists:
			changes.Deletes = append(changes.Deletes, id)
			deltas.Purged++
		case !keepSet[id]:
			changes.Deletes = append(changes.Deletes, id)
			deltas.Evicted++
		case authoritative.Version > entry.Version:
			changes.Upserts = append(changes.Upserts, snapshotEntry(authoritative, now))
			deltas.Refreshed++
		case entry.Stale:
			// Version unchanged but flagged stale from the offline period:
			// clear the flag without counting a delta-visible refresh.
			e := entry
			e.Stale = false
			changes.Upserts = append(changes.Upserts, e)
		}
	}

	for _, it := range keep {
		if _, ok := cached[it.ID]; !ok {
			changes.Upserts = append(changes.Upserts, snapshotEntry(it, now))
			deltas.Added++
		}
	}

	if changes.Empty() {
		return deltas, nil
	}
	if err := m.store.Apply(changes); err != nil {
		return Deltas{}, fmt.Errorf("applying cache changes: %w", err)
	}
	return deltas, nil
}

func snapshotEntry(it SnapshotItem, now time.Time) Entry {
	return Entry{
		ContentID: it.ID,
		Version:   it.Version,
		Tier:      it.Tier,
		CachedAt:  now,
		Stale:     false,
		Payload:   it.Payload,
	}
}

func tierBoost(t content.Tier) float64 {
	switch t {
	case content.TierEssential:
		return 1.0
	case content.TierHigh:
		return 0.5
	}
	return 0
}

// tokenSet splits text the same way the vectorizer does, into a set.
func tokenSet(text string) map[string]bool {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// tokenOverlap returns the fraction of query tokens present in text.
func tokenOverlap(query map[string]bool, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	text = strings.ToLower(text)
	hits := 0
	for tok := range query {
		if strings.Contains(text, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
