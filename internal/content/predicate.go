package content

import (
	"strconv"
	"strings"
)

// Operator is a comparison operator in an eligibility predicate.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpIn       Operator = "in"       // value is a pipe-separated set
	OpContains Operator = "contains" // substring match, case-insensitive
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpIn, OpContains:
		return true
	}
	return false
}

// predicateKeys are the profile attributes eligibility rules may reference.
var predicateKeys = map[string]bool{
	"location":        true,
	"education_level": true,
	"occupation":      true,
	"income_range":    true,
	"gender":          true,
}

// KnownPredicateKey reports whether key is an attribute predicates may use.
func KnownPredicateKey(key string) bool { return predicateKeys[key] }

// Predicate is one structured eligibility criterion: a profile attribute,
// a comparison operator, and a value. Predicates are machine-evaluable by
// design; free-text eligibility is rejected at the ingestion boundary.
type Predicate struct {
	Key   string   `json:"key"`
	Op    Operator `json:"op"`
	Value string   `json:"value"`
}

// Evaluate checks the predicate against a profile. The second return value
// reports whether the profile carried the referenced attribute at all: a
// predicate over a missing attribute is not a mismatch, it is simply not
// evaluable, and callers treat it as neither matched nor failed.
func (p Predicate) Evaluate(profile *UserProfile) (matched, evaluable bool) {
	v, ok := profile.Field(p.Key)
	if !ok {
		return false, false
	}

	switch p.Op {
	case OpEq:
		return strings.EqualFold(v, p.Value), true
	case OpNeq:
		return !strings.EqualFold(v, p.Value), true
	case OpIn:
		for _, candidate := range strings.Split(p.Value, "|") {
			if strings.EqualFold(v, strings.TrimSpace(candidate)) {
				return true, true
			}
		}
		return false, true
	case OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(p.Value)), true
	case OpLt, OpLte, OpGt, OpGte:
		lhs, lerr := parseNumeric(v)
		rhs, rerr := strconv.ParseFloat(p.Value, 64)
		if lerr != nil || rerr != nil {
			return false, false
		}
		switch p.Op {
		case OpLt:
			return lhs < rhs, true
		case OpLte:
			return lhs <= rhs, true
		case OpGt:
			return lhs > rhs, true
		default:
			return lhs >= rhs, true
		}
	}
	return false, false
}

// parseNumeric extracts a comparable number from a profile value. Income
// ranges arrive as "low-high" strings; the upper bound is used so that
// "income_range lte 250000" admits everyone whose whole range fits under
// the threshold.
func parseNumeric(v string) (float64, error) {
	if idx := strings.LastIndex(v, "-"); idx > 0 {
		if upper, err := strconv.ParseFloat(strings.TrimSpace(v[idx+1:]), 64); err == nil {
			return upper, nil
		}
	}
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}
