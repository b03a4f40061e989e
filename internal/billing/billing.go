// Package billing talks to the billing provider and decodes its webhook
// payloads into local models.
package billing

import (
	"context"
	"errors"
	"time"

	"auto-focus.app/licensing/models"
)

var ErrProviderUnavailable = errors.New("billing provider unavailable")

// Provider mutates subscriptions at the billing provider. Every method returns
// the provider's snapshot after the call.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*models.Subscription, error)
	UpdateQuantity(ctx context.Context, subscriptionID, itemID string, quantity int64) (*models.Subscription, error)
	ScheduleCancellation(ctx context.Context, subscriptionID string, at time.Time) (*models.Subscription, error)
	ClearScheduledCancellation(ctx context.Context, subscriptionID string) (*models.Subscription, error)
}

// PlanName picks a human plan name for a recurring price. Explicit metadata
// wins, then the price nickname, then the billing interval.
func PlanName(metadata map[string]string, nickname, interval string, intervalCount int64) string {
	if plan := metadata["plan"]; plan != "" {
		return plan
	}
	if nickname != "" {
		return nickname
	}
	switch interval {
	case "year":
		return "yearly"
	case "month":
		if intervalCount == 3 {
			return "quarterly"
		}
		return "monthly"
	}
	return ""
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
