package licensing

import (
	"errors"

	"auto-focus.app/licensing/internal/billing"
)

var (
	ErrNotFound               = errors.New("subscription not found")
	ErrInvalidAction          = errors.New("invalid subscription action")
	ErrInvalidQuantity        = errors.New("quantity must be at least 1")
	ErrInvalidPauseDate       = errors.New("pause date must be in the future")
	ErrProviderUnavailable    = billing.ErrProviderUnavailable
	ErrNoSubscriptionItems    = errors.New("subscription has no items")
	ErrKeyGenerationExhausted = errors.New("license key generation exhausted")
	ErrPersistenceFailure     = errors.New("persistence failure after provider mutation")

	// ErrNothingToDo marks a parsed event that references nothing this
	// service knows about. Webhook deliveries ending in it are acknowledged.
	ErrNothingToDo = errors.New("nothing to do")
)
