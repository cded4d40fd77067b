// Package retrieval is the query-time engine: it turns a normalized query
// plus user context into a ranked, explained result list by combining
// semantic similarity from the embedding index with structural filters and
// transparent composite scoring.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jansetu/jansetu/internal/config"
	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/explain"
	"github.com/jansetu/jansetu/internal/index"
)

// Reason qualifies an empty result set so callers can choose honest
// fallback copy. It is informational, never an error.
type Reason string

const (
	ReasonOK                = Reason("ok")
	ReasonNoMatch           = Reason("no_matching_content")
	ReasonNoRegionalContent = Reason("no_content_for_region")
)

// Options control optional narrowing. Retrieval never narrows by
// demographics on its own: that distinction is what separates "search" from
// "recommend", so demographic predicates apply only when the caller asks.
type Options struct {
	Limit             int
	NarrowEligibility bool
}

const defaultLimit = 10

// Engine executes the search pipeline over the embedding index.
type Engine struct {
	idx       *index.Index
	vec       index.Vectorizer
	scoring   config.ScoringConfig
	languages []string
	now       func() time.Time
}

// New creates an Engine. The scoring weights are part of this component's
// contract: composite score = similarity*w_sim + recency*w_rec +
// tier boost*w_tier, with the weights taken from configuration.
func New(idx *index.Index, vec index.Vectorizer, scoring config.ScoringConfig, languages []string) *Engine {
	return &Engine{
		idx:       idx,
		vec:       vec,
		scoring:   scoring,
		languages: languages,
		now:       time.Now,
	}
}

// Search runs the retrieval pipeline. user may be nil (anonymous query,
// national-scope results only). Zero results return a Reason and a nil
// error; errors are reserved for malformed input.
func (e *Engine) Search(ctx context.Context, q content.Query, user *content.UserProfile, opts Options) ([]content.SearchResult, Reason, error) {
	q.Text = normalize(q.Text)
	if err := content.ValidateQuery(&q, e.languages); err != nil {
		return nil, "", err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	location := ""
	if user != nil {
		location = user.Location
	}

	filter := e.buildFilter(q.Language, location, user, opts)

	vector, err := e.vec.Vectorize(ctx, q.Text)
	if err != nil {
		return nil, "", fmt.Errorf("vectorizing query: %w", err)
	}

	candidates, err := e.idx.Nearest(ctx, vector, limit, filter)
	if err != nil {
		return nil, "", fmt.Errorf("searching index: %w", err)
	}

	if len(candidates) == 0 {
		reason, err := e.emptyReason(ctx, q.Language, user, opts)
		if err != nil {
			return nil, "", err
		}
		return nil, reason, nil
	}

	results := make([]content.SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = e.scoreCandidate(c, user)
	}
	sortResults(results)
	return results, ReasonOK, nil
}

// buildFilter assembles the structural filter fused into the index scan:
// language match, region scope (empty scope = national, or scope containing
// the user's location), and, only when requested, eligibility narrowing.
func (e *Engine) buildFilter(language, location string, user *content.UserProfile, opts Options) index.FilterFunc {
	return func(m index.Meta) bool {
		if m.Language != language {
			return false
		}
		if !m.InRegion(location) {
			return false
		}
		if opts.NarrowEligibility && user != nil {
			for _, p := range m.Eligibility {
				if matched, evaluable := p.Evaluate(user); evaluable && !matched {
					return false
				}
			}
		}
		return true
	}
}

// emptyReason distinguishes "no matching content" from "no content for this
// region" by re-counting with the region restriction dropped.
func (e *Engine) emptyReason(ctx context.Context, language string, user *content.UserProfile, opts Options) (Reason, error) {
	anyRegion := func(m index.Meta) bool {
		if m.Language != language {
			return false
		}
		if opts.NarrowEligibility && user != nil {
			for _, p := range m.Eligibility {
				if matched, evaluable := p.Evaluate(user); evaluable && !matched {
					return false
				}
			}
		}
		return true
	}
	n, err := e.idx.CountMatching(ctx, anyRegion)
	if err != nil {
		return "", fmt.Errorf("counting regionless matches: %w", err)
	}
	if n > 0 {
		return ReasonNoRegionalContent, nil
	}
	return ReasonNoMatch, nil
}

// scoreCandidate computes the composite score and breakdown for one
// candidate. Every breakdown component is populated so the explanation
// layer never needs to recompute anything.
func (e *Engine) scoreCandidate(c index.Candidate, user *content.UserProfile) content.SearchResult {
	breakdown := content.ScoreBreakdown{
		SemanticSimilarity: clamp01(c.Similarity),
		Recency:            e.recency(c.Meta.LastUpdated),
		TierBoost:          tierBoost(c.Meta.Tier),
		FilterMatch:        filterMatch(c.Meta, user),
	}

	score := e.scoring.Similarity*breakdown.SemanticSimilarity +
		e.scoring.Recency*breakdown.Recency +
		e.scoring.Tier*breakdown.TierBoost

	var matched []string
	if user != nil {
		for _, p := range c.Meta.Eligibility {
			if ok, evaluable := p.Evaluate(user); evaluable && ok {
				matched = append(matched, p.Key)
			}
		}
	}

	return content.SearchResult{
		ContentID:   c.ContentID,
		Score:       clamp01(score),
		Breakdown:   breakdown,
		Explanation: explain.Build(breakdown, matched),
	}
}

// recency is an exponential decay of item age with the configured half-life.
func (e *Engine) recency(lastUpdated time.Time) float64 {
	ageDays := e.now().Sub(lastUpdated).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	halfLife := float64(e.scoring.RecencyHalfLifeDays)
	return math.Exp(-math.Ln2 * ageDays / halfLife)
}

// tierBoost gives essential and high tiers a fixed additive bonus so
// critical schemes surface even with imperfect phrasing.
func tierBoost(t content.Tier) float64 {
	switch t {
	case content.TierEssential:
		return 1.0
	case content.TierHigh:
		return 0.5
	}
	return 0
}

// filterMatch reports how specifically the item's scope matches the user:
// 1 for an explicit region match, 0.5 for national scope, 0 otherwise.
// Informational only; it does not enter the composite score.
func filterMatch(m index.Meta, user *content.UserProfile) float64 {
	if len(m.RegionScope) == 0 {
		return 0.5
	}
	if user != nil && m.InRegion(user.Location) {
		return 1
	}
	return 0
}

// sortResults orders by score descending, breaking ties by tier boost then
// recency so the ordering matches the index's own tie-break contract.
func sortResults(results []content.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Breakdown.TierBoost != results[j].Breakdown.TierBoost {
			return results[i].Breakdown.TierBoost > results[j].Breakdown.TierBoost
		}
		return results[i].Breakdown.Recency > results[j].Breakdown.Recency
	})
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

// normalize trims and collapses whitespace in query text.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
