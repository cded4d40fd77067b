package recommend

import (
	"github.com/jansetu/jansetu/internal/content"
)

// ScoringStrategy produces a candidate score in [0, 1] and the list of
// profile attributes that matched. The shipped implementation is the
// deterministic RuleStrategy; a learned ranker would slot in behind this
// same interface without touching the data model.
type ScoringStrategy interface {
	Score(item *content.ContentItem, profile *content.UserProfile) (float64, []string)
}

// RuleStrategy scores by weighted matched eligibility predicates,
// normalized to [0, 1]. A predicate the profile demonstrably fails
// disqualifies the item; a predicate over an attribute the profile does not
// carry is skipped (neither matched nor failed).
type RuleStrategy struct {
	weights map[string]float64
}

// NewRuleStrategy creates a RuleStrategy with per-attribute weights.
func NewRuleStrategy(weights map[string]float64) *RuleStrategy {
	return &RuleStrategy{weights: weights}
}

func (s *RuleStrategy) weight(key string) float64 {
	if w, ok := s.weights[key]; ok {
		return w
	}
	return 0.1
}

// Score evaluates every eligibility predicate of the item against the
// profile. Returns (0, nil) when the item carries no predicates, when
// nothing matched, or when the profile fails a predicate outright.
func (s *RuleStrategy) Score(item *content.ContentItem, profile *content.UserProfile) (float64, []string) {
	if len(item.Eligibility) == 0 {
		return 0, nil
	}

	var matchedWeight, totalWeight float64
	var matched []string
	for _, p := range item.Eligibility {
		w := s.weight(p.Key)
		totalWeight += w
		ok, evaluable := p.Evaluate(profile)
		if !evaluable {
			continue
		}
		if !ok {
			return 0, nil // demonstrably ineligible
		}
		matchedWeight += w
		matched = append(matched, p.Key)
	}

	if len(matched) == 0 || totalWeight == 0 {
		return 0, nil
	}
	return matchedWeight / totalWeight, matched
}
