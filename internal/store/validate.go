package store

import (
	"strings"

	"inbox-service/internal/apperr"
)

// ValidateText rejects message text that is empty after trimming whitespace.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Validation("message text is empty")
	}
	return nil
}
