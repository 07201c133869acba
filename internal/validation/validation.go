package validation

import (
	"fmt"
	"time"
	"unicode"

	"whatsmgr/internal/errors"
)

// MaxSessionNameLength matches the descriptor column size
const MaxSessionNameLength = 255

// ValidateSessionName validates a descriptor display name
func ValidateSessionName(name string) error {
	if name == "" {
		return errors.NewInvalidInputError("name", "is required")
	}
	if len(name) > MaxSessionNameLength {
		return errors.NewInvalidInputError("name", fmt.Sprintf("too long (max %d characters)", MaxSessionNameLength))
	}
	for _, char := range name {
		if unicode.IsControl(char) {
			return errors.NewInvalidInputError("name", "contains control characters")
		}
	}
	return nil
}

// ValidateID rejects ids that cannot reference a stored row
func ValidateID(field string, id int64) error {
	if id <= 0 {
		return errors.NewInvalidInputError(field, "must be a positive integer")
	}
	return nil
}

// ValidateImportWindow checks an optional history window. Both ends are set
// or neither is, and the window must not be empty.
func ValidateImportWindow(from, to *time.Time) error {
	if from == nil && to == nil {
		return nil
	}
	if from == nil || to == nil {
		return errors.NewInvalidInputError("importOldMessages", "both ends of the import window must be set")
	}
	if !from.Before(*to) {
		return errors.NewInvalidInputError("importOldMessages", "must be before importRecentMessages")
	}
	return nil
}
