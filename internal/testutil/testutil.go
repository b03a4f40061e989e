package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"auto-focus.app/licensing/internal/billing"
	"auto-focus.app/licensing/internal/notify"
	"auto-focus.app/licensing/models"
	"auto-focus.app/licensing/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const WebhookSecret = "whsec_test"

// TestStorage creates an empty memory storage.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestCustomer creates a test customer with given parameters
func CreateTestCustomer(id, email string) models.Customer {
	return models.Customer{
		ID:               id,
		Email:            email,
		StripeCustomerID: "cus_" + id,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
}

// CreateTestLicense creates an active monthly license expiring in a month.
func CreateTestLicense(id, key, customerID string) models.License {
	now := time.Now().UTC().Truncate(time.Second)
	return models.License{
		ID:              id,
		Key:             key,
		CustomerID:      customerID,
		Status:          models.StatusActive,
		Plan:            "monthly",
		Cadence:         models.CadenceMonthly,
		StripeSessionID: "cs_test",
		PurchasedAt:     now,
		ExpiresAt:       now.AddDate(0, 1, 0),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SeatLicense creates a subscription seat purchased at purchasedAt.
func SeatLicense(id, customerID, subscriptionID string, purchasedAt time.Time) *models.License {
	return &models.License{
		ID:             id,
		Key:            "AFP-SEAT-" + id,
		CustomerID:     customerID,
		Status:         models.StatusActive,
		Plan:           "monthly",
		Cadence:        models.CadenceMonthly,
		SubscriptionID: subscriptionID,
		PurchasedAt:    purchasedAt,
		ExpiresAt:      purchasedAt.AddDate(0, 1, 0),
		CreatedAt:      purchasedAt,
		UpdatedAt:      purchasedAt,
	}
}

// SetupTestData creates customers with one active, one expired and one
// deactivated license.
func SetupTestData(s storage.Storage) error {
	ctx := context.Background()

	customers := []models.Customer{
		CreateTestCustomer("customer1", "customer1@example.com"),
		CreateTestCustomer("customer2", "customer2@example.com"),
		CreateTestCustomer("customer3", "customer3@example.com"),
	}
	for _, customer := range customers {
		if err := s.SaveCustomer(ctx, &customer); err != nil {
			return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
		}
	}

	active := CreateTestLicense("license1", "AFP-ACTV-AAAA-AAAA-AAAA", "customer1")
	expired := CreateTestLicense("license2", "AFP-EXPD-AAAA-AAAA-AAAA", "customer2")
	expired.ExpiresAt = time.Now().Add(-24 * time.Hour)
	inactive := CreateTestLicense("license3", "AFP-INAC-AAAA-AAAA-AAAA", "customer3")
	inactive.Status = models.StatusInactive
	inactive.DeactivationReason = models.ReasonSubscriptionCanceled

	for _, license := range []models.License{active, expired, inactive} {
		if err := s.SaveLicense(ctx, &license); err != nil {
			return fmt.Errorf("failed to save license %s: %w", license.ID, err)
		}
	}
	return nil
}

// Call records one provider invocation.
type Call struct {
	Method         string
	SubscriptionID string
	Args           []any
}

// FakeProvider is an in-memory billing.Provider. Subscriptions are keyed by id
// and mutated the way Stripe would.
type FakeProvider struct {
	mu            sync.Mutex
	Subscriptions map[string]*models.Subscription
	Calls         []Call
	// Err, when set, fails every call with billing.ErrProviderUnavailable.
	Err error
}

func NewFakeProvider(subs ...*models.Subscription) *FakeProvider {
	p := &FakeProvider{Subscriptions: make(map[string]*models.Subscription)}
	for _, s := range subs {
		p.Put(s)
	}
	return p
}

func (p *FakeProvider) Put(sub *models.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *sub
	copied.Items = append([]models.SubscriptionItem(nil), sub.Items...)
	p.Subscriptions[sub.ID] = &copied
}

func (p *FakeProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

func (p *FakeProvider) do(method, id string, mutate func(*models.Subscription), args ...any) (*models.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, Call{Method: method, SubscriptionID: id, Args: args})
	if p.Err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, p.Err)
	}
	sub, ok := p.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", billing.ErrProviderUnavailable, id)
	}
	if mutate != nil {
		mutate(sub)
	}
	copied := *sub
	copied.Items = append([]models.SubscriptionItem(nil), sub.Items...)
	return &copied, nil
}

func (p *FakeProvider) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return p.do("GetSubscription", id, nil)
}

func (p *FakeProvider) CancelSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return p.do("CancelSubscription", id, func(s *models.Subscription) {
		s.Status = models.SubscriptionCanceled
	})
}

func (p *FakeProvider) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) (*models.Subscription, error) {
	return p.do("SetCancelAtPeriodEnd", id, func(s *models.Subscription) {
		s.CancelAtPeriodEnd = cancel
	}, cancel)
}

func (p *FakeProvider) UpdateQuantity(ctx context.Context, id, itemID string, quantity int64) (*models.Subscription, error) {
	return p.do("UpdateQuantity", id, func(s *models.Subscription) {
		for i := range s.Items {
			if s.Items[i].ItemID == itemID {
				s.Items[i].Quantity = quantity
			}
		}
	}, itemID, quantity)
}

func (p *FakeProvider) ScheduleCancellation(ctx context.Context, id string, at time.Time) (*models.Subscription, error) {
	return p.do("ScheduleCancellation", id, func(s *models.Subscription) {
		s.CancelAt = at
	}, at)
}

func (p *FakeProvider) ClearScheduledCancellation(ctx context.Context, id string) (*models.Subscription, error) {
	return p.do("ClearScheduledCancellation", id, func(s *models.Subscription) {
		s.CancelAt = time.Time{}
	})
}

// Notification is one enqueued email.
type Notification struct {
	To       string
	Template string
	Data     notify.TemplateData
}

type RecordingDispatcher struct {
	mu            sync.Mutex
	Notifications []Notification
	Err           error
}

func (d *RecordingDispatcher) Enqueue(ctx context.Context, to, template string, data notify.TemplateData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.Notifications = append(d.Notifications, Notification{To: to, Template: template, Data: data})
	return nil
}

func (d *RecordingDispatcher) All() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Notification(nil), d.Notifications...)
}

// Event wraps object into a Stripe event envelope.
func Event(t testing.TB, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-03-31.basil",
		"created":     time.Now().Unix(),
		"data":        map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)
	return payload
}

// SignPayload returns the Stripe-Signature header for payload.
func SignPayload(payload []byte, secret string) string {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

// CheckoutSessionObject builds a checkout.session payload.
func CheckoutSessionObject(sessionID, customerEmail, subscriptionID string, created time.Time, metadata map[string]string) map[string]any {
	session := map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"customer":       "cus_test123",
		"customer_email": customerEmail,
		"amount_total":   2999,
		"currency":       "usd",
		"payment_status": "paid",
		"mode":           "payment",
		"created":        created.Unix(),
		"metadata":       metadata,
	}
	if subscriptionID != "" {
		session["mode"] = "subscription"
		session["subscription"] = subscriptionID
	}
	return session
}

// StorageTestSuite provides a standard test suite for storage implementations
type StorageTestSuite struct {
	Storage storage.Storage
	Cleanup func()
}

// RunStorageTestSuite runs standard tests on any storage implementation
func RunStorageTestSuite(t *testing.T, suite StorageTestSuite) {
	if suite.Cleanup != nil {
		defer suite.Cleanup()
	}

	ctx := context.Background()
	s := suite.Storage

	t.Run("CustomerOperations", func(t *testing.T) {
		customer := CreateTestCustomer("test1", "test@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))

		retrieved, err := s.GetCustomer(ctx, "test1")
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, "test@example.com", retrieved.Email)

		found, err := s.FindCustomerByEmailAddress(ctx, "test@example.com")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "test1", found.ID)

		byStripe, err := s.FindCustomerByStripeID(ctx, "cus_test1")
		require.NoError(t, err)
		require.NotNil(t, byStripe)
		assert.Equal(t, "test1", byStripe.ID)
	})

	t.Run("LicenseOperations", func(t *testing.T) {
		customer := CreateTestCustomer("license-test", "license@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))

		license := CreateTestLicense("license1", "AFP-TEST-1234-ABCD-EFGH", "license-test")
		require.NoError(t, s.SaveLicense(ctx, &license))

		retrieved, err := s.GetLicense(ctx, "license1")
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, license.Key, retrieved.Key)
		assert.True(t, license.ExpiresAt.Equal(retrieved.ExpiresAt))

		found, err := s.FindLicenseByKey(ctx, license.Key)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "license1", found.ID)

		licenses, err := s.FindLicensesByCustomer(ctx, "license-test")
		require.NoError(t, err)
		require.Len(t, licenses, 1)
		assert.Equal(t, license.Key, licenses[0].Key)

		bySession, err := s.FindLicensesBySession(ctx, "cs_test")
		require.NoError(t, err)
		assert.Len(t, bySession, 1)
	})

	t.Run("SubscriptionOrdering", func(t *testing.T) {
		customer := CreateTestCustomer("seat-owner", "seats@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))

		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		newest := SeatLicense("seat-c", "seat-owner", "sub_order", base.Add(48*time.Hour))
		oldest := SeatLicense("seat-a", "seat-owner", "sub_order", base)
		middle := SeatLicense("seat-b", "seat-owner", "sub_order", base.Add(24*time.Hour))
		require.NoError(t, s.ApplyLicenseChanges(ctx, storage.LicenseChanges{
			Insert: []*models.License{newest, oldest, middle},
		}))

		licenses, err := s.FindLicensesBySubscription(ctx, "sub_order")
		require.NoError(t, err)
		require.Len(t, licenses, 3)
		assert.Equal(t, []string{"seat-a", "seat-b", "seat-c"}, []string{licenses[0].ID, licenses[1].ID, licenses[2].ID})
	})

	t.Run("ApplyLicenseChangesIsAtomic", func(t *testing.T) {
		customer := CreateTestCustomer("atomic", "atomic@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))

		base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
		first := SeatLicense("atomic-1", "atomic", "sub_atomic", base)
		require.NoError(t, s.ApplyLicenseChanges(ctx, storage.LicenseChanges{Insert: []*models.License{first}}))

		fresh := SeatLicense("atomic-2", "atomic", "sub_atomic", base)
		clash := SeatLicense("atomic-3", "atomic", "sub_atomic", base)
		clash.Key = first.Key
		first.Status = models.StatusInactive

		err := s.ApplyLicenseChanges(ctx, storage.LicenseChanges{
			Insert: []*models.License{fresh, clash},
			Update: []*models.License{first},
		})
		require.ErrorIs(t, err, storage.ErrDuplicateLicenseKey)

		licenses, err := s.FindLicensesBySubscription(ctx, "sub_atomic")
		require.NoError(t, err)
		require.Len(t, licenses, 1)
		assert.Equal(t, models.StatusActive, licenses[0].Status)
	})

	t.Run("SubscriptionMirror", func(t *testing.T) {
		sub := &models.Subscription{
			ID:                 "sub_mirror",
			CustomerID:         "test1",
			Status:             models.SubscriptionActive,
			Plan:               "yearly",
			CurrentPeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			CurrentPeriodEnd:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Items:              []models.SubscriptionItem{{ItemID: "si_1", PriceID: "price_1", Quantity: 2}},
			CreatedAt:          time.Now().UTC().Truncate(time.Second),
			UpdatedAt:          time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, s.SaveSubscription(ctx, sub))

		sub.CancelAtPeriodEnd = true
		require.NoError(t, s.SaveSubscription(ctx, sub))

		got, err := s.GetSubscription(ctx, "sub_mirror")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.CancelAtPeriodEnd)
		assert.Equal(t, int64(2), got.Quantity())
		assert.Equal(t, "si_1", got.PrimaryItemID())
		assert.True(t, got.CancelAt.IsZero())
		assert.True(t, sub.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd))
	})

	t.Run("NotFound", func(t *testing.T) {
		customer, err := s.GetCustomer(ctx, "notfound")
		assert.NoError(t, err)
		assert.Nil(t, customer)

		license, err := s.FindLicenseByKey(ctx, "AFP-NOTF-OUND-NOTF-OUND")
		assert.NoError(t, err)
		assert.Nil(t, license)

		sub, err := s.GetSubscription(ctx, "sub_missing")
		assert.NoError(t, err)
		assert.Nil(t, sub)
	})
}
