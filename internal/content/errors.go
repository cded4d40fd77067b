package content

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced content item or profile does not
// exist. Read paths return it rather than treating absence as exceptional.
var ErrNotFound = errors.New("not found")

// ValidationError describes a structural problem with an item or query.
// Validation failures are surfaced to the immediate caller with enough
// detail to correct the input, and are never partially applied.
type ValidationError struct {
	ItemID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("invalid item %s: %s: %s", e.ItemID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
