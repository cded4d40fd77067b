package content

import "fmt"

// Validate checks a content item's structural invariants before it is
// accepted into the store. The first violation found is returned; a rejected
// item is never partially applied.
func Validate(item *ContentItem) error {
	if item.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if !item.Type.Valid() {
		return &ValidationError{ItemID: item.ID, Field: "type", Reason: "unknown content type " + string(item.Type)}
	}
	if item.Tier != "" && !item.Tier.Valid() {
		return &ValidationError{ItemID: item.ID, Field: "priority_tier", Reason: "unknown tier " + string(item.Tier)}
	}
	if len(item.Languages) == 0 {
		return &ValidationError{ItemID: item.ID, Field: "languages", Reason: "at least one language is required"}
	}
	for _, lang := range item.Languages {
		if item.Title[lang] == "" {
			return &ValidationError{ItemID: item.ID, Field: "title", Reason: "missing localized title for declared language " + lang}
		}
		if item.Summary[lang] == "" {
			return &ValidationError{ItemID: item.ID, Field: "summary", Reason: "missing localized summary for declared language " + lang}
		}
	}

	// Schemes and trainings are actionable: they must explain who qualifies
	// and how to apply.
	if item.Type == TypeScheme || item.Type == TypeTraining {
		if len(item.Eligibility) == 0 {
			return &ValidationError{ItemID: item.ID, Field: "eligibility", Reason: "required for type " + string(item.Type)}
		}
		if len(item.ProcessSteps) == 0 {
			return &ValidationError{ItemID: item.ID, Field: "process_steps", Reason: "required for type " + string(item.Type)}
		}
	}

	for i, p := range item.Eligibility {
		if !KnownPredicateKey(p.Key) {
			return &ValidationError{ItemID: item.ID, Field: "eligibility", Reason: "unknown predicate key " + p.Key}
		}
		if !p.Op.Valid() {
			return &ValidationError{ItemID: item.ID, Field: "eligibility", Reason: "unknown operator " + string(p.Op)}
		}
		if p.Value == "" {
			return &ValidationError{ItemID: item.ID, Field: "eligibility", Reason: fmt.Sprintf("empty value in predicate %d", i)}
		}
	}
	return nil
}

// ValidateQuery checks the minimal structural requirements for a query.
// supported lists the language codes the deployment serves.
func ValidateQuery(q *Query, supported []string) error {
	if q.Text == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if q.Language == "" {
		return &ValidationError{Field: "language", Reason: "must not be empty"}
	}
	for _, lang := range supported {
		if lang == q.Language {
			return nil
		}
	}
	return &ValidationError{Field: "language", Reason: "unsupported language " + q.Language}
}
