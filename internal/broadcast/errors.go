package broadcast

import (
	"errors"

	"broadcastd/internal/content"
	"broadcastd/internal/gateway"
)

var (
	ErrMissingCredentials = gateway.ErrMissingCredentials
	ErrNoRecipients       = errors.New("at least one recipient is required")
	ErrNoContent          = errors.New("message text or image is required")

	ErrRunInProgress = errors.New("a broadcast is already running")
	ErrStopped       = errors.New("broadcast service stopped")
)

// IsValidation reports whether err was caused by a rejected request.
// No run is created for these errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrNoRecipients) ||
		errors.Is(err, ErrNoContent) ||
		errors.Is(err, content.ErrImageTooLarge) ||
		errors.Is(err, content.ErrImageFormat)
}
