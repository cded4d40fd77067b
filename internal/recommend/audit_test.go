package recommend

import (
	"testing"

	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/storage"
)

func auditPopulation(langCounts map[string]int) []content.UserProfile {
	var profiles []content.UserProfile
	for lang, n := range langCounts {
		for i := 0; i < n; i++ {
			profiles = append(profiles, content.UserProfile{PreferredLanguage: lang})
		}
	}
	return profiles
}

func auditLog(langCounts map[string]int) []storage.RecommendationRecord {
	var records []storage.RecommendationRecord
	for lang, n := range langCounts {
		for i := 0; i < n; i++ {
			records = append(records, storage.RecommendationRecord{Language: lang})
		}
	}
	return records
}

func TestAuditDistribution_FlagsUnderRepresentedBucket(t *testing.T) {
	// Half the population prefers Hindi but the log barely serves it.
	eligible := auditPopulation(map[string]int{"en": 50, "hi": 50})
	log := auditLog(map[string]int{"en": 95, "hi": 5})

	flags := AuditDistribution(log, eligible)
	if len(flags) != 1 {
		t.Fatalf("got %d flags, want 1: %v", len(flags), flags)
	}
	f := flags[0]
	if f.Dimension != "language" || f.Bucket != "hi" {
		t.Errorf("flag = %+v, want language=hi", f)
	}
	if f.ServedShare >= f.EligibleShare {
		t.Errorf("served share %f should be below eligible share %f", f.ServedShare, f.EligibleShare)
	}
	if f.Sample != 100 {
		t.Errorf("sample = %d, want 100", f.Sample)
	}
}

func TestAuditDistribution_BalancedServingNoFlags(t *testing.T) {
	eligible := auditPopulation(map[string]int{"en": 60, "hi": 40})
	log := auditLog(map[string]int{"en": 58, "hi": 42})

	if flags := AuditDistribution(log, eligible); len(flags) != 0 {
		t.Errorf("balanced serving flagged: %v", flags)
	}
}

func TestAuditDistribution_SmallSampleSkipped(t *testing.T) {
	// A gross skew on 10 records is still below the minimum sample size.
	eligible := auditPopulation(map[string]int{"en": 50, "hi": 50})
	log := auditLog(map[string]int{"en": 10})

	if flags := AuditDistribution(log, eligible); flags != nil {
		t.Errorf("small sample should not be audited, got %v", flags)
	}
}

func TestAuditDistribution_MissingDemographicsDoNotBiasShares(t *testing.T) {
	// Gender is evenly served among the records that carry it; the 60
	// records without one must not drag both buckets under threshold.
	eligible := make([]content.UserProfile, 0, 100)
	for i := 0; i < 50; i++ {
		eligible = append(eligible,
			content.UserProfile{Gender: "male"},
			content.UserProfile{Gender: "female"})
	}
	var log []storage.RecommendationRecord
	for i := 0; i < 60; i++ {
		log = append(log, storage.RecommendationRecord{})
	}
	for i := 0; i < 20; i++ {
		log = append(log,
			storage.RecommendationRecord{Gender: "male"},
			storage.RecommendationRecord{Gender: "female"})
	}

	if flags := AuditDistribution(log, eligible); len(flags) != 0 {
		t.Errorf("even serving flagged: %v", flags)
	}
}

func TestAuditDistribution_EmptyDimensionIgnored(t *testing.T) {
	// Profiles carry no gender or income range; only language is audited
	// and the distribution matches.
	eligible := auditPopulation(map[string]int{"en": 100})
	log := auditLog(map[string]int{"en": 40})

	if flags := AuditDistribution(log, eligible); len(flags) != 0 {
		t.Errorf("got %v, want no flags", flags)
	}
}
