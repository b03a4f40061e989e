package models

import "time"

// Provider subscription statuses the reconciler distinguishes.
const (
	SubscriptionActive            = "active"
	SubscriptionTrialing          = "trialing"
	SubscriptionPastDue           = "past_due"
	SubscriptionCanceled          = "canceled"
	SubscriptionUnpaid            = "unpaid"
	SubscriptionIncompleteExpired = "incomplete_expired"
)

// Subscription is the local mirror of a provider subscription. The provider is
// the source of truth; the mirror is written after every provider mutation.
type Subscription struct {
	ID                 string             `json:"id" bson:"_id"`
	CustomerID         string             `json:"customer_id" bson:"customer_id"`
	StripeCustomerID   string             `json:"stripe_customer_id,omitempty" bson:"stripe_customer_id,omitempty"`
	Plan               string             `json:"plan,omitempty" bson:"plan,omitempty"`
	Status             string             `json:"status" bson:"status"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" bson:"cancel_at_period_end"`
	CancelAt           time.Time          `json:"cancel_at,omitempty" bson:"cancel_at,omitempty"`
	CurrentPeriodStart time.Time          `json:"current_period_start" bson:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end" bson:"current_period_end"`
	Items              []SubscriptionItem `json:"items" bson:"items"`
	CreatedAt          time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" bson:"updated_at"`
}

type SubscriptionItem struct {
	ItemID   string `json:"item_id" bson:"item_id"`
	PriceID  string `json:"price_id" bson:"price_id"`
	Quantity int64  `json:"quantity" bson:"quantity"`
}

// Quantity is the seat count: the sum of all item quantities.
func (s *Subscription) Quantity() int64 {
	var total int64
	for _, item := range s.Items {
		total += item.Quantity
	}
	return total
}

// PrimaryItemID returns the item that carries the seat quantity.
func (s *Subscription) PrimaryItemID() string {
	if len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].ItemID
}

// Healthy reports whether the status entitles the subscription to active seats.
func (s *Subscription) Healthy() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}

// Terminal reports whether the status revokes every seat. An unpaid
// subscription can still recover through a later paid invoice.
func (s *Subscription) Terminal() bool {
	switch s.Status {
	case SubscriptionCanceled, SubscriptionUnpaid, SubscriptionIncompleteExpired:
		return true
	}
	return false
}

// Ended reports whether the subscription can never bill again.
func (s *Subscription) Ended() bool {
	return s.Status == SubscriptionCanceled || s.Status == SubscriptionIncompleteExpired
}

// MergeFrom copies provider-owned fields from a fresh provider snapshot,
// keeping local ownership and history.
func (s *Subscription) MergeFrom(remote *Subscription, now time.Time) {
	s.Status = remote.Status
	s.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	s.CancelAt = remote.CancelAt
	if !remote.CurrentPeriodStart.IsZero() {
		s.CurrentPeriodStart = remote.CurrentPeriodStart
	}
	if !remote.CurrentPeriodEnd.IsZero() {
		s.CurrentPeriodEnd = remote.CurrentPeriodEnd
	}
	if len(remote.Items) > 0 {
		s.Items = remote.Items
	}
	if remote.StripeCustomerID != "" {
		s.StripeCustomerID = remote.StripeCustomerID
	}
	if remote.Plan != "" {
		s.Plan = remote.Plan
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
