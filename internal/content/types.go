// Package content defines the shared data model for JanSetu: content items,
// user profiles, queries, and the scored result types produced by the
// retrieval and recommendation engines.
package content

import "time"

// Type classifies a content item.
type Type string

const (
	TypeScheme   Type = "scheme"
	TypeJob      Type = "job"
	TypeTraining Type = "training"
	TypeResource Type = "educational-resource"
)

// Valid reports whether t is a known content type.
func (t Type) Valid() bool {
	switch t {
	case TypeScheme, TypeJob, TypeTraining, TypeResource:
		return true
	}
	return false
}

// Tier is the cache-priority classification of an item.
type Tier string

const (
	TierEssential Tier = "essential"
	TierHigh      Tier = "high"
	TierNormal    Tier = "normal"
)

// Rank returns the numeric ordering of a tier (higher = cached first,
// boosted in ranking). Unknown tiers rank as normal.
func (t Tier) Rank() int {
	switch t {
	case TierEssential:
		return 2
	case TierHigh:
		return 1
	}
	return 0
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierEssential, TierHigh, TierNormal:
		return true
	}
	return false
}

// ContentItem is a unit of publishable information: a government scheme, a
// job opening, a training program, or an educational resource.
//
// Localized text fields (Title, Summary, Details) are keyed by language code.
// Languages lists the languages the item declares; every declared language
// must carry at least a title and a summary.
//
// Version is assigned by the store and strictly increases on every mutation.
// An item with Version == 0 has never been published and is not retrievable.
type ContentItem struct {
	ID                string            `json:"id"`
	Type              Type              `json:"type"`
	Languages         []string          `json:"languages"`
	Title             map[string]string `json:"title"`
	Summary           map[string]string `json:"summary"`
	Details           map[string]string `json:"details,omitempty"`
	Eligibility       []Predicate       `json:"eligibility,omitempty"`
	ProcessSteps      []string          `json:"process_steps,omitempty"`
	RequiredDocuments []string          `json:"required_documents,omitempty"`
	RegionScope       []string          `json:"region_scope,omitempty"` // empty = national
	CategoryTags      []string          `json:"category_tags,omitempty"`
	Version           int64             `json:"version"`
	LastUpdated       time.Time         `json:"last_updated"`
	Tier              Tier              `json:"priority_tier"`
}

// InRegion reports whether the item is visible to a user in the given
// location. An empty region scope means national coverage; an empty location
// matches national items only.
func (c *ContentItem) InRegion(location string) bool {
	if len(c.RegionScope) == 0 {
		return true
	}
	if location == "" {
		return false
	}
	for _, r := range c.RegionScope {
		if r == location {
			return true
		}
	}
	return false
}

// LocalizedText returns the concatenated title, summary, and details for the
// given language. Empty string if the item carries no text in that language.
func (c *ContentItem) LocalizedText(language string) string {
	title := c.Title[language]
	summary := c.Summary[language]
	details := c.Details[language]
	if title == "" && summary == "" && details == "" {
		return ""
	}
	text := title
	if summary != "" {
		text += "\n" + summary
	}
	if details != "" {
		text += "\n" + details
	}
	return text
}

// Interaction is one record in a user's bounded interaction history.
type Interaction struct {
	ContentID string    `json:"content_id,omitempty"`
	Kind      string    `json:"kind"` // "query", "viewed", "completed"
	Query     string    `json:"query,omitempty"`
	At        time.Time `json:"at"`
}

const (
	InteractionQuery     = "query"
	InteractionViewed    = "viewed"
	InteractionCompleted = "completed"
)

// UserProfile is the read-only view of a citizen this core receives from the
// user-management collaborator. All demographic fields except Location are
// optional; a missing Location degrades retrieval to national-scope results,
// it is never an error.
type UserProfile struct {
	ID                string        `json:"id"`
	Location          string        `json:"location,omitempty"`
	EducationLevel    string        `json:"education_level,omitempty"`
	Occupation        string        `json:"occupation,omitempty"`
	IncomeRange       string        `json:"income_range,omitempty"`
	Gender            string        `json:"gender,omitempty"`
	PreferredLanguage string        `json:"preferred_language,omitempty"`
	Interactions      []Interaction `json:"interactions,omitempty"`
}

// Field returns the profile value for a predicate key, and whether the
// profile carries that field at all.
func (p *UserProfile) Field(key string) (string, bool) {
	var v string
	switch key {
	case "location":
		v = p.Location
	case "education_level":
		v = p.EducationLevel
	case "occupation":
		v = p.Occupation
	case "income_range":
		v = p.IncomeRange
	case "gender":
		v = p.Gender
	default:
		return "", false
	}
	return v, v != ""
}

// HasInteracted reports whether the profile's history contains any record
// for the given content id.
func (p *UserProfile) HasInteracted(contentID string) bool {
	for _, in := range p.Interactions {
		if in.ContentID == contentID {
			return true
		}
	}
	return false
}

// HasCompleted reports whether the profile's history marks the given content
// id completed.
func (p *UserProfile) HasCompleted(contentID string) bool {
	for _, in := range p.Interactions {
		if in.ContentID == contentID && in.Kind == InteractionCompleted {
			return true
		}
	}
	return false
}

// Query is a normalized natural-language query handed over by the
// query-processing collaborator. UserID is optional: anonymous queries are
// served with degraded personalization.
type Query struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	UserID   string    `json:"user_id,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// ScoreBreakdown names every component that contributed to a score, so the
// explanation layer can justify a rank without recomputing anything.
// All components are in [0, 1].
type ScoreBreakdown struct {
	SemanticSimilarity float64 `json:"semantic_similarity"`
	FilterMatch        float64 `json:"filter_match"`
	Recency            float64 `json:"recency"`
	TierBoost          float64 `json:"tier_boost"`
}

// SearchResult references a content item together with its composite score
// in [0, 1], the per-component breakdown, and a human-readable explanation.
type SearchResult struct {
	ContentID   string         `json:"content_id"`
	Score       float64        `json:"score"`
	Breakdown   ScoreBreakdown `json:"score_breakdown"`
	Explanation string         `json:"explanation"`
}

// Recommendation is a query-independent suggestion derived from rule
// evaluation over a user profile. MatchedAttributes lists the profile
// attributes (verbatim predicate keys) that matched; it is never empty.
type Recommendation struct {
	ContentID         string         `json:"content_id"`
	Score             float64        `json:"score"`
	Breakdown         ScoreBreakdown `json:"score_breakdown"`
	MatchedAttributes []string       `json:"matched_attributes"`
	Explanation       string         `json:"explanation"`
}
