package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func TestCheckoutSessionDecode(t *testing.T) {
	raw := `{
		"id": "cs_test_1",
		"mode": "subscription",
		"customer": "cus_1",
		"subscription": "sub_1",
		"created": 1735689600,
		"customer_details": {"email": "jane@example.com", "name": "Jane Doe", "address": {"country": "NO"}},
		"metadata": {"plan": "yearly", "quantity": "2"}
	}`

	var s CheckoutSession
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	assert.Equal(t, "jane@example.com", s.Email())
	assert.True(t, s.IsSubscription())
	assert.Equal(t, 2, s.Quantity())
	assert.Equal(t, "yearly", s.Plan())
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), s.CreatedAt())

	id, key := s.RenewalTarget()
	assert.Empty(t, id)
	assert.Empty(t, key)
}

func TestCheckoutSessionQuantityDefaults(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     int
	}{
		{"missing", nil, 1},
		{"garbage", map[string]string{"quantity": "two"}, 1},
		{"zero", map[string]string{"quantity": "0"}, 1},
		{"padded", map[string]string{"quantity": " 3 "}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := CheckoutSession{Metadata: tt.metadata}
			assert.Equal(t, tt.want, s.Quantity())
		})
	}
}

func TestCheckoutSessionEmailFallback(t *testing.T) {
	s := CheckoutSession{CustomerEmail: "fallback@example.com"}
	assert.Equal(t, "fallback@example.com", s.Email())
	assert.False(t, s.IsSubscription())
}

func TestInvoiceShapes(t *testing.T) {
	t.Run("legacy subscription field", func(t *testing.T) {
		var inv Invoice
		require.NoError(t, json.Unmarshal([]byte(`{"id":"in_1","subscription":"sub_1","created":1738368000}`), &inv))
		assert.Equal(t, "sub_1", inv.SubscriptionID())
		assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), inv.BillingPeriodStart())
	})

	t.Run("parent subscription details with line periods", func(t *testing.T) {
		raw := `{
			"id": "in_2",
			"created": 1738400000,
			"parent": {"subscription_details": {"subscription": "sub_2"}},
			"lines": {"data": [
				{"quantity": 2, "period": {"start": 1738368000, "end": 1740787200}},
				{"quantity": 1, "period": {"start": 1738368100, "end": 1740787200}}
			]}
		}`
		var inv Invoice
		require.NoError(t, json.Unmarshal([]byte(raw), &inv))
		assert.Equal(t, "sub_2", inv.SubscriptionID())
		assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), inv.BillingPeriodStart())
		assert.Equal(t, int64(3), inv.Quantity())
	})
}

func TestSubscriptionToModel(t *testing.T) {
	raw := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"cancel_at_period_end": true,
		"items": {"data": [{
			"id": "si_1",
			"quantity": 3,
			"current_period_start": 1735689600,
			"current_period_end": 1767225600,
			"price": {"id": "price_1", "recurring": {"interval": "year", "interval_count": 1}}
		}]}
	}`
	var s Subscription
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	m := s.ToModel()
	assert.Equal(t, "sub_1", m.ID)
	assert.Equal(t, "cus_1", m.StripeCustomerID)
	assert.Equal(t, "active", m.Status)
	assert.True(t, m.CancelAtPeriodEnd)
	assert.True(t, m.CancelAt.IsZero())
	assert.Equal(t, int64(3), m.Quantity())
	assert.Equal(t, "si_1", m.PrimaryItemID())
	assert.Equal(t, "yearly", m.Plan)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), m.CurrentPeriodStart)
}

func TestPlanName(t *testing.T) {
	assert.Equal(t, "Pro", PlanName(map[string]string{"plan": "Pro"}, "nick", "year", 1))
	assert.Equal(t, "nick", PlanName(nil, "nick", "year", 1))
	assert.Equal(t, "yearly", PlanName(nil, "", "year", 1))
	assert.Equal(t, "quarterly", PlanName(nil, "", "month", 3))
	assert.Equal(t, "monthly", PlanName(nil, "", "month", 1))
	assert.Empty(t, PlanName(nil, "", "", 0))
}

func stripeSubscription(id string, quantity int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID:                 "si_1",
				Quantity:           quantity,
				CurrentPeriodStart: 1735689600,
				CurrentPeriodEnd:   1738368000,
				Price: &stripe.Price{
					ID:        "price_1",
					Recurring: &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth, IntervalCount: 1},
				},
			}},
		},
	}
}

func TestStripeProviderUpdateQuantity(t *testing.T) {
	p := NewStripeProvider("sk_test", time.Second)

	var itemID string
	var quantity int64
	p.updateItem = func(id string, params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error) {
		itemID = id
		quantity = *params.Quantity
		require.NotNil(t, params.Context)
		return &stripe.SubscriptionItem{ID: id, Quantity: quantity}, nil
	}
	p.getSubscription = func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		return stripeSubscription(id, quantity), nil
	}

	sub, err := p.UpdateQuantity(context.Background(), "sub_1", "si_1", 4)
	require.NoError(t, err)
	assert.Equal(t, "si_1", itemID)
	assert.Equal(t, int64(4), sub.Quantity())
	assert.Equal(t, "monthly", sub.Plan)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
}

func TestStripeProviderCancelAtPeriodEnd(t *testing.T) {
	p := NewStripeProvider("sk_test", time.Second)
	p.updateSubscription = func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		sub := stripeSubscription(id, 1)
		sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
		return sub, nil
	}

	sub, err := p.SetCancelAtPeriodEnd(context.Background(), "sub_1", true)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestStripeProviderScheduleCancellation(t *testing.T) {
	p := NewStripeProvider("sk_test", time.Second)
	until := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p.updateSubscription = func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		sub := stripeSubscription(id, 1)
		sub.CancelAt = *params.CancelAt
		return sub, nil
	}

	sub, err := p.ScheduleCancellation(context.Background(), "sub_1", until)
	require.NoError(t, err)
	assert.Equal(t, until, sub.CancelAt)
}

func TestStripeProviderErrorsAreUnavailable(t *testing.T) {
	p := NewStripeProvider("sk_test", time.Second)
	p.cancelSubscription = func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
		return nil, errors.New("connection reset")
	}

	_, err := p.CancelSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestStripeProviderTimeout(t *testing.T) {
	p := NewStripeProvider("sk_test", 10*time.Millisecond)
	p.updateSubscription = func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		<-params.Context.Done()
		return nil, params.Context.Err()
	}

	_, err := p.ClearScheduledCancellation(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "deadline exceeded")
}
