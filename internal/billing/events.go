package billing

import (
	"strconv"
	"strings"
	"time"

	"auto-focus.app/licensing/models"
)

// Event types the reconciler handles.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
)

// CheckoutSession is the subset of a checkout.session event the reconciler reads.
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	PaymentStatus   string `json:"payment_status"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	Created         int64  `json:"created"`
	CustomerDetails struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Address struct {
			Country string `json:"country"`
		} `json:"address"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

func (s *CheckoutSession) Email() string {
	if s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

func (s *CheckoutSession) IsSubscription() bool {
	return s.Mode == "subscription" || s.Subscription != ""
}

// RenewalTarget returns the license a one-time renewal purchase extends.
func (s *CheckoutSession) RenewalTarget() (id, key string) {
	return strings.TrimSpace(s.Metadata["license_id"]), strings.TrimSpace(s.Metadata["license_key"])
}

// Quantity reads the requested seat count from metadata, defaulting to 1.
func (s *CheckoutSession) Quantity() int {
	q, err := strconv.Atoi(strings.TrimSpace(s.Metadata["quantity"]))
	if err != nil || q < 1 {
		return 1
	}
	return q
}

func (s *CheckoutSession) Plan() string {
	return strings.TrimSpace(s.Metadata["plan"])
}

func (s *CheckoutSession) CreatedAt() time.Time {
	return unixTime(s.Created)
}

type invoicePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Invoice is the subset of an invoice event the reconciler reads. Newer API
// versions moved the subscription id under parent.subscription_details.
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	Created       int64  `json:"created"`
	PeriodStart   int64  `json:"period_start"`
	PeriodEnd     int64  `json:"period_end"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Quantity int64         `json:"quantity"`
			Period   invoicePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

// BillingPeriodStart is the start of the period the invoice pays for. Line
// periods are preferred since invoice-level period fields lag by one cycle.
func (i *Invoice) BillingPeriodStart() time.Time {
	var earliest int64
	for _, line := range i.Lines.Data {
		if line.Period.Start > 0 && (earliest == 0 || line.Period.Start < earliest) {
			earliest = line.Period.Start
		}
	}
	if earliest > 0 {
		return unixTime(earliest)
	}
	return unixTime(i.Created)
}

// Quantity sums line quantities, zero when the invoice carries none.
func (i *Invoice) Quantity() int64 {
	var total int64
	for _, line := range i.Lines.Data {
		total += line.Quantity
	}
	return total
}

// Subscription is the subset of a customer.subscription event the reconciler
// reads. Period fields live on items in newer API versions.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CancelAt           int64             `json:"cancel_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Created            int64             `json:"created"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			ID                 string `json:"id"`
			Quantity           int64  `json:"quantity"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Price              struct {
				ID        string `json:"id"`
				Nickname  string `json:"nickname"`
				Recurring struct {
					Interval      string `json:"interval"`
					IntervalCount int64  `json:"interval_count"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// ToModel converts the payload into a mirror snapshot without ownership.
func (s *Subscription) ToModel() *models.Subscription {
	m := &models.Subscription{
		ID:                 s.ID,
		StripeCustomerID:   s.Customer,
		Status:             s.Status,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CancelAt:           unixTime(s.CancelAt),
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
	}
	for i, item := range s.Items.Data {
		m.Items = append(m.Items, models.SubscriptionItem{
			ItemID:   item.ID,
			PriceID:  item.Price.ID,
			Quantity: item.Quantity,
		})
		if i == 0 {
			m.Plan = PlanName(s.Metadata, item.Price.Nickname, item.Price.Recurring.Interval, item.Price.Recurring.IntervalCount)
			if m.CurrentPeriodStart.IsZero() {
				m.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
			}
			if m.CurrentPeriodEnd.IsZero() {
				m.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
		}
	}
	if m.Plan == "" {
		m.Plan = s.Metadata["plan"]
	}
	return m
}
