package recommend

import (
	"fmt"
	"math"

	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/storage"
)

// AuditFlag is one non-fatal finding from the distribution audit: a
// demographic bucket that received recommendations at a rate significantly
// below its share of the eligible population. Flags are reported to an
// administrative collaborator; they never block serving.
type AuditFlag struct {
	Dimension     string  `json:"dimension"` // "language", "gender", "income_range"
	Bucket        string  `json:"bucket"`
	ServedShare   float64 `json:"served_share"`
	EligibleShare float64 `json:"eligible_share"`
	Sample        int     `json:"sample"`
}

func (f AuditFlag) String() string {
	return fmt.Sprintf("%s=%s under-represented: served %.1f%% vs eligible %.1f%% (n=%d)",
		f.Dimension, f.Bucket, f.ServedShare*100, f.EligibleShare*100, f.Sample)
}

// minAuditSample is the smallest log size the significance test accepts.
const minAuditSample = 30

// AuditDistribution compares the demographic distribution of served
// recommendations against the eligible population and flags buckets whose
// served share falls more than two standard errors below their eligible
// share. It is a batch analysis, run outside the per-request path.
func AuditDistribution(log []storage.RecommendationRecord, eligible []content.UserProfile) []AuditFlag {
	if len(log) < minAuditSample || len(eligible) == 0 {
		return nil
	}

	dims := []struct {
		name     string
		fromLog  func(storage.RecommendationRecord) string
		fromUser func(content.UserProfile) string
	}{
		{"language", func(r storage.RecommendationRecord) string { return r.Language },
			func(p content.UserProfile) string { return p.PreferredLanguage }},
		{"gender", func(r storage.RecommendationRecord) string { return r.Gender },
			func(p content.UserProfile) string { return p.Gender }},
		{"income_range", func(r storage.RecommendationRecord) string { return r.IncomeRange },
			func(p content.UserProfile) string { return p.IncomeRange }},
	}

	var flags []AuditFlag
	for _, dim := range dims {
		// Shares are computed over the records that carry the dimension;
		// records missing it would otherwise bias every bucket low.
		served := make(map[string]int)
		servedTotal := 0
		for _, r := range log {
			if b := dim.fromLog(r); b != "" {
				served[b]++
				servedTotal++
			}
		}
		population := make(map[string]int)
		total := 0
		for _, p := range eligible {
			if b := dim.fromUser(p); b != "" {
				population[b]++
				total++
			}
		}
		if total == 0 || servedTotal < minAuditSample {
			continue
		}

		n := float64(servedTotal)
		for bucket, popCount := range population {
			expected := float64(popCount) / float64(total)
			observed := float64(served[bucket]) / n
			// Two-standard-error bound on the served proportion.
			stderr := math.Sqrt(expected * (1 - expected) / n)
			if observed < expected-2*stderr {
				flags = append(flags, AuditFlag{
					Dimension:     dim.name,
					Bucket:        bucket,
					ServedShare:   observed,
					EligibleShare: expected,
					Sample:        servedTotal,
				})
			}
		}
	}
	return flags
}
