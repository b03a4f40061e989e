package models

import "time"

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Reasons recorded when a license is deactivated. Seats removed by a quantity
// decrease are never brought back by a later payment.
const (
	ReasonPaymentFailed        = "payment_failed"
	ReasonSubscriptionCanceled = "subscription_canceled"
	ReasonSeatReduced          = "seat_reduced"
)

type License struct {
	ID                 string    `json:"id" bson:"_id"`
	Key                string    `json:"key" bson:"key"`
	CustomerID         string    `json:"customer_id" bson:"customer_id"`
	Status             string    `json:"status" bson:"status"`
	Plan               string    `json:"plan" bson:"plan"`
	Cadence            Cadence   `json:"cadence,omitempty" bson:"cadence,omitempty"`
	SubscriptionID     string    `json:"subscription_id,omitempty" bson:"subscription_id,omitempty"`
	StripeCustomerID   string    `json:"stripe_customer_id,omitempty" bson:"stripe_customer_id,omitempty"`
	StripeSessionID    string    `json:"stripe_session_id,omitempty" bson:"stripe_session_id,omitempty"`
	RenewalSessionID   string    `json:"renewal_session_id,omitempty" bson:"renewal_session_id,omitempty"`
	DeactivationReason string    `json:"deactivation_reason,omitempty" bson:"deactivation_reason,omitempty"`
	PurchasedAt        time.Time `json:"purchased_at" bson:"purchased_at"`
	ExpiresAt          time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt          time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" bson:"updated_at"`
}

func (l *License) IsActive() bool {
	return l.Status == StatusActive
}

// Seated reports whether the license still occupies a seat of its
// subscription: active, or suspended only because a payment failed.
func (l *License) Seated() bool {
	if l.IsActive() {
		return true
	}
	return l.DeactivationReason == ReasonPaymentFailed
}

// Reinstatable reports whether a payment may bring the license back. Seats
// revoked with the subscription return while the subscription has not ended.
func (l *License) Reinstatable(subscriptionEnded bool) bool {
	if l.Seated() {
		return true
	}
	if l.DeactivationReason == ReasonSubscriptionCanceled {
		return !subscriptionEnded
	}
	return false
}

// EffectiveCadence returns the stored cadence, falling back to the plan name.
func (l *License) EffectiveCadence() Cadence {
	if l.Cadence != "" {
		return l.Cadence
	}
	return ParseCadence(l.Plan)
}

// Activate marks the license active and moves its expiry forward to expiresAt.
// An expiry is never moved backwards. It reports whether anything changed.
func (l *License) Activate(expiresAt time.Time, now time.Time) bool {
	changed := false
	if l.Status != StatusActive {
		l.Status = StatusActive
		l.DeactivationReason = ""
		changed = true
	}
	if expiresAt.After(l.ExpiresAt) {
		l.ExpiresAt = expiresAt
		changed = true
	}
	if changed {
		l.UpdatedAt = now
	}
	return changed
}

// Deactivate marks the license inactive. Expiry is left untouched as the record
// of when the license was last valid.
func (l *License) Deactivate(reason string, now time.Time) bool {
	if l.Status == StatusInactive && l.DeactivationReason == reason {
		return false
	}
	if l.Status == StatusInactive && l.DeactivationReason == ReasonSeatReduced {
		return false
	}
	l.Status = StatusInactive
	l.DeactivationReason = reason
	l.UpdatedAt = now
	return true
}

// Expired reports whether the license is past its expiry at t.
func (l *License) Expired(t time.Time) bool {
	return !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(t)
}
