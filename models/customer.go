package models

import (
	"strings"
	"time"
)

// Customer is the user that owns licenses and subscriptions.
type Customer struct {
	ID               string    `json:"id" bson:"_id"`
	Email            string    `json:"email" bson:"email"`
	Name             string    `json:"name,omitempty" bson:"name,omitempty"`
	Country          string    `json:"country,omitempty" bson:"country,omitempty"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty" bson:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
}

// FirstName returns the first word of the customer's name, or "there" when the
// name is unknown. Used for email salutations.
func (c *Customer) FirstName() string {
	if c.Name == "" {
		return "there"
	}
	return strings.Split(c.Name, " ")[0]
}
