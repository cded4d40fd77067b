// Package recommend derives query-independent, explained suggestions from
// deterministic rules over content eligibility and a user profile, and
// audits the distribution of what was served.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jansetu/jansetu/internal/config"
	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/explain"
	"github.com/jansetu/jansetu/internal/storage"
)

// ContentLister is the slice of the store this engine reads.
type ContentLister interface {
	ListItems() ([]content.ContentItem, error)
	LogRecommendations(records []storage.RecommendationRecord) error
}

// Engine evaluates the scoring strategy over all published content.
type Engine struct {
	store    ContentLister
	strategy ScoringStrategy
	cfg      config.RecommendConfig
	halfLife float64 // days, for the informational recency component
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine with the given strategy and configuration.
func New(store ContentLister, strategy ScoringStrategy, cfg config.RecommendConfig, scoring config.ScoringConfig) *Engine {
	return &Engine{
		store:    store,
		strategy: strategy,
		cfg:      cfg,
		halfLife: float64(scoring.RecencyHalfLifeDays),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Recommend returns up to limit suggestions for the profile, best first.
// Every emitted recommendation cites at least one matched attribute; a
// profile that matches nothing gets an empty slice, never a popularity
// fallback dressed up as personalization. Served recommendations are
// appended to the audit log; a logging failure is logged and the results
// are served anyway, the audit trail never blocks the user.
func (e *Engine) Recommend(ctx context.Context, profile content.UserProfile, limit int) ([]content.Recommendation, error) {
	if limit <= 0 {
		limit = 5
	}

	items, err := e.store.ListItems()
	if err != nil {
		return nil, fmt.Errorf("listing content: %w", err)
	}

	var recs []content.Recommendation
	for i := range items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		item := &items[i]
		if item.Version < 1 {
			continue // never published
		}
		if !item.InRegion(profile.Location) {
			continue
		}

		ruleScore, matched := e.strategy.Score(item, &profile)
		if len(matched) == 0 {
			continue
		}

		score := ruleScore
		if !profile.HasInteracted(item.ID) {
			score += e.cfg.NoveltyBoost
		}
		if profile.HasCompleted(item.ID) {
			score -= e.cfg.CompletedPenalty
		}
		score = clamp01(score)

		breakdown := content.ScoreBreakdown{
			FilterMatch: ruleScore,
			Recency:     e.recency(item.LastUpdated),
			TierBoost:   tierBoost(item.Tier),
		}

		recs = append(recs, content.Recommendation{
			ContentID:         item.ID,
			Score:             score,
			Breakdown:         breakdown,
			MatchedAttributes: matched,
			Explanation:       explain.Build(breakdown, matched),
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		if recs[i].Breakdown.TierBoost != recs[j].Breakdown.TierBoost {
			return recs[i].Breakdown.TierBoost > recs[j].Breakdown.TierBoost
		}
		return recs[i].Breakdown.Recency > recs[j].Breakdown.Recency
	})

	if len(recs) > limit {
		recs = recs[:limit]
	}

	if err := e.logServed(profile, recs); err != nil {
		e.logger.Warn("logging served recommendations", "user_id", profile.ID, "error", err)
	}
	return recs, nil
}

func (e *Engine) logServed(profile content.UserProfile, recs []content.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	records := make([]storage.RecommendationRecord, len(recs))
	now := e.now().UTC()
	for i, r := range recs {
		records[i] = storage.RecommendationRecord{
			ID:          uuid.New().String(),
			UserID:      profile.ID,
			ContentID:   r.ContentID,
			Score:       r.Score,
			Language:    profile.PreferredLanguage,
			Gender:      profile.Gender,
			IncomeRange: profile.IncomeRange,
			CreatedAt:   now,
		}
	}
	return e.store.LogRecommendations(records)
}

func (e *Engine) recency(lastUpdated time.Time) float64 {
	ageDays := e.now().Sub(lastUpdated).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / e.halfLife)
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

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
