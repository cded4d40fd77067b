// Package explain turns a scoring trace into a human-readable
// justification. It is a pure function over the score breakdown and matched
// attributes: deterministic, no side effects, no external calls. The same
// result always explains itself the same way.
package explain

import (
	"strings"

	"github.com/jansetu/jansetu/internal/content"
)

// attributeLabels maps predicate keys to the words used in explanations.
var attributeLabels = map[string]string{
	"location":        "location",
	"education_level": "education level",
	"occupation":      "occupation",
	"income_range":    "income range",
	"gender":          "gender",
}

// Build assembles an explanation from a score breakdown and the profile
// attributes that matched. Matched attributes are cited verbatim, in the
// order the item's eligibility rules listed them.
func Build(b content.ScoreBreakdown, matched []string) string {
	var parts []string

	if len(matched) > 0 {
		parts = append(parts, "Matches your "+joinAttributes(matched)+".")
	}

	switch {
	case b.SemanticSimilarity >= 0.6:
		parts = append(parts, "Closely related to your search.")
	case b.SemanticSimilarity >= 0.3:
		parts = append(parts, "Related to your search.")
	}

	if b.TierBoost >= 1 {
		parts = append(parts, "Marked as essential information.")
	} else if b.TierBoost > 0 {
		parts = append(parts, "Marked as high priority.")
	}

	if b.Recency >= 0.8 {
		parts = append(parts, "Recently updated.")
	}

	if len(parts) == 0 {
		return "General match for your request."
	}
	return strings.Join(parts, " ")
}

// joinAttributes renders ["location","occupation","income_range"] as
// "location, occupation and income range". Duplicates are dropped, order
// preserved.
func joinAttributes(keys []string) string {
	seen := make(map[string]bool, len(keys))
	labels := make([]string, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		label, ok := attributeLabels[k]
		if !ok {
			label = k
		}
		labels = append(labels, label)
	}
	switch len(labels) {
	case 1:
		return labels[0]
	default:
		return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
	}
}
