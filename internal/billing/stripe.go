package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/models"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionitem"
)

const defaultProviderTimeout = 10 * time.Second

// StripeProvider implements Provider with the stripe-go package clients.
type StripeProvider struct {
	timeout time.Duration

	getSubscription    func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubscription func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	updateItem         func(id string, params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error)
}

func NewStripeProvider(secretKey string, timeout time.Duration) *StripeProvider {
	stripe.Key = secretKey
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &StripeProvider{
		timeout:            timeout,
		getSubscription:    subscription.Get,
		updateSubscription: subscription.Update,
		cancelSubscription: subscription.Cancel,
		updateItem:         subscriptionitem.Update,
	}
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.getSubscription(subscriptionID, params)
	return p.result(ctx, "get", subscriptionID, sub, err)
}

// CancelSubscription cancels immediately.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := p.cancelSubscription(subscriptionID, params)
	return p.result(ctx, "cancel", subscriptionID, sub, err)
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancelAtPeriodEnd bool) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancelAtPeriodEnd),
	}
	params.Context = ctx
	sub, err := p.updateSubscription(subscriptionID, params)
	return p.result(ctx, "set_cancel_at_period_end", subscriptionID, sub, err)
}

// UpdateQuantity changes the seat count on one item. Prorations follow the
// account default.
func (p *StripeProvider) UpdateQuantity(ctx context.Context, subscriptionID, itemID string, quantity int64) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	itemParams := &stripe.SubscriptionItemParams{
		Quantity: stripe.Int64(quantity),
	}
	itemParams.Context = ctx
	if _, err := p.updateItem(itemID, itemParams); err != nil {
		return p.result(ctx, "update_quantity", subscriptionID, nil, err)
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.getSubscription(subscriptionID, params)
	return p.result(ctx, "update_quantity", subscriptionID, sub, err)
}

func (p *StripeProvider) ScheduleCancellation(ctx context.Context, subscriptionID string, at time.Time) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		CancelAt: stripe.Int64(at.Unix()),
	}
	params.Context = ctx
	sub, err := p.updateSubscription(subscriptionID, params)
	return p.result(ctx, "schedule_cancellation", subscriptionID, sub, err)
}

func (p *StripeProvider) ClearScheduledCancellation(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	// An empty value unsets cancel_at.
	params.AddExtra("cancel_at", "")
	sub, err := p.updateSubscription(subscriptionID, params)
	return p.result(ctx, "clear_scheduled_cancellation", subscriptionID, sub, err)
}

func (p *StripeProvider) result(ctx context.Context, op, subscriptionID string, sub *stripe.Subscription, err error) (*models.Subscription, error) {
	if err == nil && sub == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		logger.Error("Stripe request failed", map[string]interface{}{
			"operation":       op,
			"subscription_id": subscriptionID,
			"error":           err.Error(),
		})
		return nil, fmt.Errorf("%w: %s %s: %v", ErrProviderUnavailable, op, subscriptionID, err)
	}
	return FromStripe(sub), nil
}

// FromStripe converts a stripe-go subscription into a mirror snapshot.
func FromStripe(sub *stripe.Subscription) *models.Subscription {
	m := &models.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CancelAt:          unixTime(sub.CancelAt),
	}
	if sub.Customer != nil {
		m.StripeCustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for i, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			mi := models.SubscriptionItem{ItemID: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				mi.PriceID = item.Price.ID
			}
			m.Items = append(m.Items, mi)

			if i == 0 {
				m.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
				m.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
				if item.Price != nil {
					var interval string
					var count int64
					if item.Price.Recurring != nil {
						interval = string(item.Price.Recurring.Interval)
						count = item.Price.Recurring.IntervalCount
					}
					m.Plan = PlanName(sub.Metadata, item.Price.Nickname, interval, count)
				}
			}
		}
	}
	if m.Plan == "" {
		m.Plan = sub.Metadata["plan"]
	}
	return m
}
